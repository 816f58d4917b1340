package goal

import (
	"encoding/json"
	"fmt"
)

// State represents the lifecycle state of a goal instance.
type State string

const (
	// StatePlanned indicates the goal is waiting for its preconditions.
	StatePlanned State = "planned"

	// StateRequested indicates the goal is ready to be fulfilled.
	StateRequested State = "requested"

	// StateWaitingForPreApproval indicates the goal needs approval before it may start.
	StateWaitingForPreApproval State = "waiting_for_pre_approval"

	// StateInProcess indicates a fulfillment is currently running the goal.
	StateInProcess State = "in_process"

	// StateWaitingForApproval indicates the goal body succeeded and awaits approval.
	StateWaitingForApproval State = "waiting_for_approval"

	// StateSuccess indicates the goal completed successfully.
	StateSuccess State = "success"

	// StateFailure indicates the goal failed.
	StateFailure State = "failure"

	// StateSkipped indicates the goal was skipped because a precondition failed.
	StateSkipped State = "skipped"

	// StateCanceled indicates the goal was canceled by an external actor.
	StateCanceled State = "canceled"

	// StateStopped indicates the goal was stopped by an external actor.
	StateStopped State = "stopped"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePlanned,
	StateRequested,
	StateWaitingForPreApproval,
	StateInProcess,
	StateWaitingForApproval,
	StateSuccess,
	StateFailure,
	StateSkipped,
	StateCanceled,
	StateStopped,
}

// IsTerminal returns true if no automatic transition leaves this state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateSkipped, StateCanceled, StateStopped:
		return true
	default:
		return false
	}
}

// IsActive returns true if the goal is being fulfilled or awaits a decision.
func (s State) IsActive() bool {
	return s == StateInProcess || s == StateWaitingForApproval || s == StateWaitingForPreApproval
}

// IsBlocking returns true if a goal in this state can never satisfy a dependent.
func (s State) IsBlocking() bool {
	return s == StateFailure || s == StateSkipped || s == StateCanceled || s == StateStopped
}

// rank orders states within one epoch. Terminal states share the highest rank.
func (s State) rank() int {
	switch s {
	case StatePlanned:
		return 0
	case StateRequested:
		return 1
	case StateWaitingForPreApproval:
		return 2
	case StateInProcess:
		return 3
	case StateWaitingForApproval:
		return 4
	default:
		return 5
	}
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StatePlanned, StateRequested, StateWaitingForPreApproval, StateInProcess,
		StateWaitingForApproval, StateSuccess, StateFailure, StateSkipped,
		StateCanceled, StateStopped:
		return nil
	default:
		return fmt.Errorf("invalid goal state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// Verdict is the outcome of precondition resolution.
type Verdict string

const (
	// VerdictSatisfied means every direct precondition succeeded.
	VerdictSatisfied Verdict = "satisfied"

	// VerdictWaiting means at least one precondition has not finished.
	VerdictWaiting Verdict = "waiting"

	// VerdictFailed means a precondition, directly or transitively, cannot succeed.
	VerdictFailed Verdict = "failed"
)

// Mode selects how the dispatcher runs a goal body.
type Mode string

const (
	// ModeInProcess runs the executor inside the dispatching process.
	ModeInProcess Mode = "in_process"

	// ModeIsolated launches a dedicated worker process per goal.
	ModeIsolated Mode = "isolated"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeInProcess, ModeIsolated:
		return nil
	default:
		return fmt.Errorf("invalid dispatch mode: %s", m)
	}
}
