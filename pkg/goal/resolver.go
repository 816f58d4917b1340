package goal

import "fmt"

// Resolution is the result of resolving a goal's preconditions.
type Resolution struct {
	// Verdict is satisfied, waiting or failed.
	Verdict Verdict

	// Root is the goal that originally caused a failed verdict.
	Root *Key

	// RootState is the state of Root, empty when Root is missing.
	RootState State

	// RootLabel is the display label of Root.
	RootLabel string

	// Reason is a human-readable explanation of a failed verdict.
	Reason string

	// Err is set when a precondition is absent among the siblings.
	Err error
}

// Resolve decides whether the preconditions of g are satisfied, pending or failed,
// given every goal of the same goal set. It is pure: the same snapshot always
// yields the same resolution.
//
// Failure is transitive. Any failed, canceled, stopped or missing goal reachable
// through preconditions fails g, and the reason names that root goal rather than
// the direct precondition.
func Resolve(g *Instance, siblings []*Instance) Resolution {
	idx := IndexByKey(siblings)
	visited := map[Key]bool{g.Key(): true}

	var fallback *Instance
	if res, found := walk(g, idx, visited, &fallback); found {
		return res.describe(g)
	}
	if fallback != nil {
		key := fallback.Key()
		return Resolution{
			Verdict:   VerdictFailed,
			Root:      &key,
			RootState: fallback.State,
			RootLabel: fallback.Definition.Label(),
		}.describe(g)
	}

	for _, pc := range g.PreConditions {
		if p := idx[pc]; p == nil || p.State != StateSuccess {
			return Resolution{Verdict: VerdictWaiting}
		}
	}
	return Resolution{Verdict: VerdictSatisfied}
}

// walk searches preconditions depth-first in declared order and returns the first
// goal that can never succeed. Skipped goals are descended into so the original
// failure is found; the first skipped goal is remembered in fallback.
func walk(g *Instance, idx map[Key]*Instance, visited map[Key]bool, fallback **Instance) (Resolution, bool) {
	for _, pc := range g.PreConditions {
		if visited[pc] {
			continue
		}
		visited[pc] = true

		key := pc
		p, ok := idx[pc]
		if !ok {
			return Resolution{
				Verdict:   VerdictFailed,
				Root:      &key,
				RootLabel: pc.Name,
				Err: NewIntegrityError(
					fmt.Sprintf("precondition %s not found in goal set", pc), nil).
					WithGoal(g.Key().String()).
					WithCode(ErrCodeMissingPrecondition),
			}, true
		}

		switch p.State {
		case StateFailure, StateCanceled, StateStopped:
			return Resolution{
				Verdict:   VerdictFailed,
				Root:      &key,
				RootState: p.State,
				RootLabel: p.Definition.Label(),
			}, true
		case StateSuccess:
			continue
		case StateSkipped:
			if *fallback == nil {
				*fallback = p
			}
		}

		if res, found := walk(p, idx, visited, fallback); found {
			return res, true
		}
	}
	return Resolution{}, false
}

// describe fills in the skip reason for a failed resolution of g.
func (r Resolution) describe(g *Instance) Resolution {
	if r.Verdict != VerdictFailed || r.Root == nil {
		return r
	}
	name := r.RootLabel
	if name == "" {
		name = r.Root.Name
	}
	var cause string
	switch r.RootState {
	case StateFailure:
		cause = "failed"
	case StateCanceled:
		cause = "was canceled"
	case StateStopped:
		cause = "was stopped"
	case StateSkipped:
		cause = "was skipped"
	default:
		cause = "is missing"
	}
	r.Reason = fmt.Sprintf("Skipped %s because %s %s", g.Definition.Label(), name, cause)
	return r
}
