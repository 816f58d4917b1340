// Package goal defines the goal model of goalflow: goal definitions, the
// per-commit goal instance record, its lifecycle state machine, the
// precondition resolver and the classified errors shared by every other package.
//
// A goal instance moves forward through
//
//	planned -> requested -> in_process -> success | failure | waiting_for_approval
//
// and any non-terminal state may move to skipped, canceled or stopped. Every
// transition appends a provenance entry. Backward moves are only possible
// through Retry, which opens a new epoch and keeps the history.
package goal
