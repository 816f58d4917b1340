package goalset

import (
	"fmt"
	"time"
)

// Kind is the closed set of goal bodies a rule can declare.
// Every implementation lives in this package.
type Kind interface {
	// KindName returns the rule-document keyword of the kind.
	KindName() string

	isKind()
}

// KindName constants as they appear in rule documents.
const (
	KindScript     = "script"
	KindContainer  = "container"
	KindLock       = "lock"
	KindQueue      = "queue"
	KindCancel     = "cancel"
	KindImmaterial = "immaterial"
	KindReference  = "use"
)

// ScriptSpec runs a shell command in the project directory.
type ScriptSpec struct {
	// Command is passed to "sh -c".
	Command string `json:"command" yaml:"command" validate:"required"`

	// Dir is relative to the project directory.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Env is added to the inherited environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout bounds the command, zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ContainerSpec runs an image with a container runtime CLI.
type ContainerSpec struct {
	// Image is the image reference (e.g., "node:20").
	Image string `json:"image" yaml:"image" validate:"required"`

	// Runtime is "docker" or "podman", defaults to docker.
	Runtime string `json:"runtime,omitempty" yaml:"runtime,omitempty" validate:"omitempty,oneof=docker podman"`

	// Command overrides the image entrypoint arguments.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Env sets container environment variables.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Volumes are extra "host:container" mounts. The project directory is always mounted at WorkDir.
	Volumes []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// WorkDir is the in-container project mount, defaults to /workspace.
	WorkDir string `json:"workdir,omitempty" yaml:"workdir,omitempty"`

	// Network is passed as --network when set.
	Network string `json:"network,omitempty" yaml:"network,omitempty"`

	// Timeout bounds the run, zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LockSpec is the pseudo-goal that stops evaluation of later rules.
// It never appears in an assembled goal set.
type LockSpec struct{}

// QueueSpec waits until few enough older goal sets are active in the workspace.
type QueueSpec struct {
	// Concurrent is the number of older active goal sets tolerated, defaults to 2.
	Concurrent int `json:"concurrent,omitempty" yaml:"concurrent,omitempty" validate:"gte=0"`

	// PollInterval is how often the store is checked, defaults to 5s.
	PollInterval time.Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// CancelSpec cancels unfinished goals of older goal sets on the same branch.
type CancelSpec struct {
	// GoalSets restricts cancellation to goal sets with these names. Empty means all.
	GoalSets []string `json:"goal_sets,omitempty" yaml:"goal_sets,omitempty"`
}

// ImmaterialSpec succeeds immediately. Declaring it also locks the goal set.
type ImmaterialSpec struct{}

// ReferenceSpec points at a goal registered under a well-known maker name.
type ReferenceSpec struct {
	// Use is the maker name (e.g., "noop", "approval-gate").
	Use string `json:"use" yaml:"use" validate:"required"`

	// Params are passed to the maker.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

func (ScriptSpec) KindName() string     { return KindScript }
func (ContainerSpec) KindName() string  { return KindContainer }
func (LockSpec) KindName() string       { return KindLock }
func (QueueSpec) KindName() string      { return KindQueue }
func (CancelSpec) KindName() string     { return KindCancel }
func (ImmaterialSpec) KindName() string { return KindImmaterial }
func (ReferenceSpec) KindName() string  { return KindReference }

func (ScriptSpec) isKind()     {}
func (ContainerSpec) isKind()  {}
func (LockSpec) isKind()       {}
func (QueueSpec) isKind()      {}
func (CancelSpec) isKind()     {}
func (ImmaterialSpec) isKind() {}
func (ReferenceSpec) isKind()  {}

// validateKind checks the kind-specific fields.
func validateKind(k Kind) error {
	switch spec := k.(type) {
	case ScriptSpec:
		if spec.Command == "" {
			return fmt.Errorf("script goal needs a command")
		}
	case ContainerSpec:
		if spec.Image == "" {
			return fmt.Errorf("container goal needs an image")
		}
		if spec.Runtime != "" && spec.Runtime != "docker" && spec.Runtime != "podman" {
			return fmt.Errorf("unsupported container runtime %q", spec.Runtime)
		}
	case QueueSpec:
		if spec.Concurrent < 0 {
			return fmt.Errorf("queue concurrency must not be negative")
		}
	case ReferenceSpec:
		if spec.Use == "" {
			return fmt.Errorf("goal reference needs a maker name")
		}
	case LockSpec, CancelSpec, ImmaterialSpec:
	case nil:
		return fmt.Errorf("goal has no kind")
	default:
		return fmt.Errorf("unknown goal kind %T", k)
	}
	return nil
}
