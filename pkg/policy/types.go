package policy

import (
	"time"
)

// Policy is a Rego module that decides whether a rule applies to a push.
// The module must define a boolean "allow" rule; an undefined allow is false.
type Policy struct {
	// Name is the test name rules refer to ("rego:<name>").
	Name string `json:"name"`

	// Description is taken from the leading comment of the module.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Builtin marks the policies shipped with goalflow.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at"`
}

// Decision is the outcome of evaluating one policy against one push.
type Decision struct {
	// Policy is the evaluated policy name.
	Policy string `json:"policy"`

	// Allow reports whether the push passed the test.
	Allow bool `json:"allow"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
