package goal

import (
	"fmt"
	"time"
)

// Change carries the metadata of a state transition.
type Change struct {
	// Actor is who caused the change.
	Actor string

	// CorrelationID ties the change to its triggering event.
	CorrelationID string

	// Description overrides the definition's description for the new state.
	Description string

	// URL replaces the log link when set.
	URL string

	// ExternalURLs are appended to the instance's target links.
	ExternalURLs []string

	// Error records a failure message.
	Error string

	// Time is the change timestamp, defaults to now.
	Time time.Time
}

// allowed lists the forward transitions valid within one epoch.
var allowed = map[State][]State{
	StatePlanned: {
		StateRequested, StateSkipped, StateCanceled, StateStopped,
	},
	StateRequested: {
		StateWaitingForPreApproval, StateInProcess, StateFailure,
		StateSkipped, StateCanceled, StateStopped,
	},
	StateWaitingForPreApproval: {
		StateFailure, StateCanceled, StateStopped,
	},
	StateInProcess: {
		StateSuccess, StateFailure, StateWaitingForApproval, StateCanceled, StateStopped,
	},
	StateWaitingForApproval: {
		StateSuccess, StateFailure, StateCanceled, StateStopped,
	},
}

// CanTransition reports whether from may move to to within one epoch.
// Re-entering a non-terminal state is allowed and only updates metadata.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of inst in state to with one provenance entry appended.
func Transition(inst *Instance, to State, ch Change) (*Instance, error) {
	if err := to.Validate(); err != nil {
		return nil, NewConfigurationError("unknown target state", err).WithGoal(inst.Name())
	}
	if !CanTransition(inst.State, to) {
		return nil, NewExecutionError(
			fmt.Sprintf("invalid transition from %s to %s", inst.State, to), nil).
			WithGoal(inst.Key().String()).
			WithCode(ErrCodeInvalidTransition)
	}
	return apply(inst, to, inst.Epoch, ch), nil
}

// Retry starts a new epoch for a goal that ended without success.
// History is kept; the goal re-enters planned or requested depending on its preconditions.
func Retry(inst *Instance, ch Change) (*Instance, error) {
	switch inst.State {
	case StateFailure:
		if !inst.Definition.RetryFeasible {
			return nil, NewConfigurationError("goal does not allow retry", nil).
				WithGoal(inst.Key().String()).
				WithOperation("retry")
		}
	case StateSkipped, StateCanceled, StateStopped:
	default:
		return nil, NewExecutionError(
			fmt.Sprintf("cannot retry goal in state %s", inst.State), nil).
			WithGoal(inst.Key().String()).
			WithCode(ErrCodeInvalidTransition)
	}

	to := StateRequested
	if len(inst.PreConditions) > 0 {
		to = StatePlanned
	}
	next := apply(inst, to, inst.Epoch+1, ch)
	next.Error = ""
	next.Approval = nil
	next.PreApproval = nil
	return next, nil
}

// Approve releases an approval gate.
// A pre-approval returns the goal to requested; an approval completes it.
func Approve(inst *Instance, ch Change) (*Instance, error) {
	ts := changeTime(inst, ch)
	record := &Approval{Actor: ch.Actor, Timestamp: ts, CorrelationID: ch.CorrelationID}

	switch inst.State {
	case StateWaitingForPreApproval:
		next := apply(inst, StateRequested, inst.Epoch, ch)
		next.PreApproval = record
		return next, nil
	case StateWaitingForApproval:
		next := apply(inst, StateSuccess, inst.Epoch, ch)
		next.Approval = record
		return next, nil
	default:
		return nil, NewExecutionError(
			fmt.Sprintf("goal in state %s is not waiting for approval", inst.State), nil).
			WithGoal(inst.Key().String()).
			WithCode(ErrCodeInvalidTransition)
	}
}

// Reconcile picks the winner between two versions of the same goal.
// The latest timestamp wins; ties go to the higher epoch, then the later state.
func Reconcile(current, incoming *Instance) *Instance {
	if current == nil {
		return incoming
	}
	if incoming == nil {
		return current
	}
	switch {
	case incoming.Ts.After(current.Ts):
		return incoming
	case current.Ts.After(incoming.Ts):
		return current
	case incoming.Epoch != current.Epoch:
		if incoming.Epoch > current.Epoch {
			return incoming
		}
		return current
	case incoming.State.rank() > current.State.rank():
		return incoming
	default:
		return current
	}
}

func apply(inst *Instance, to State, epoch int, ch Change) *Instance {
	next := inst.Clone()
	ts := changeTime(inst, ch)

	next.State = to
	next.Epoch = epoch
	next.Ts = ts
	next.Description = ch.Description
	if next.Description == "" {
		next.Description = inst.Definition.Describe(to)
	}
	if ch.URL != "" {
		next.URL = ch.URL
	}
	if ch.Error != "" {
		next.Error = ch.Error
	}
	next.ExternalURLs = append(next.ExternalURLs, ch.ExternalURLs...)

	actor := ch.Actor
	if actor == "" {
		actor = "system"
	}
	next.Provenance = append(next.Provenance, Provenance{
		Actor:         actor,
		Timestamp:     ts,
		CorrelationID: ch.CorrelationID,
		State:         to,
		Epoch:         epoch,
	})
	return next
}

// changeTime returns a timestamp strictly after the instance's last change.
func changeTime(inst *Instance, ch Change) time.Time {
	ts := ch.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if !ts.After(inst.Ts) {
		ts = inst.Ts.Add(time.Microsecond)
	}
	return ts
}
