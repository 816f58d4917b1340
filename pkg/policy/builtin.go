package policy

import (
	"time"
)

// Builtin policy names.
const (
	IsDefaultBranch   = "is_default_branch"
	HasChangedGoFiles = "has_changed_go_files"
)

// BuiltinPolicies returns the push tests shipped with goalflow.
func BuiltinPolicies() []Policy {
	now := time.Now()
	return []Policy{
		{
			Name:        IsDefaultBranch,
			Description: "Passes pushes to the repository's default branch",
			Builtin:     true,
			LoadedAt:    now,
			Rego: `package goalflow.tests.is_default_branch

default allow := false

allow if {
	input.default_branch != ""
	input.branch == input.default_branch
}
`,
		},
		{
			Name:        HasChangedGoFiles,
			Description: "Passes pushes that change Go sources or module files",
			Builtin:     true,
			LoadedAt:    now,
			Rego: `package goalflow.tests.has_changed_go_files

default allow := false

go_file(path) if endswith(path, ".go")

go_file(path) if endswith(path, "go.mod")

go_file(path) if endswith(path, "go.sum")

allow if {
	some path in input.changed_files
	go_file(path)
}
`,
		},
	}
}
