package dispatch

import (
	"context"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Result is what an executor reports back.
type Result struct {
	// ExitCode zero means success.
	ExitCode int

	// Message replaces the goal description when set.
	Message string

	// TargetURL is recorded as an external URL of the goal (e.g., a deployment).
	TargetURL string

	// RequireApproval moves a successful goal to waiting_for_approval.
	RequireApproval bool
}

// Invocation is everything an executor may use to run one goal.
type Invocation struct {
	// Goal is the instance being fulfilled, already in_process.
	Goal *goal.Instance

	// Push is the push the goal belongs to.
	Push *push.Push

	// Log receives the goal's output.
	Log io.Writer

	// Store gives executors that coordinate goal sets access to other goals.
	Store goal.Store

	// Logger is the dispatcher logger scoped to the goal.
	Logger zerolog.Logger
}

// WorkDir joins rel to the project directory.
func (inv *Invocation) WorkDir(rel string) string {
	if rel == "" {
		return inv.Push.ProjectDir
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(inv.Push.ProjectDir, rel)
}

// Env returns the variables every goal process sees.
func (inv *Invocation) Env() []string {
	g := inv.Goal
	return []string{
		"GOALFLOW_WORKSPACE=" + g.Workspace,
		"GOALFLOW_REPO=" + g.Owner + "/" + g.Repo,
		"GOALFLOW_BRANCH=" + g.Branch,
		"GOALFLOW_SHA=" + g.Sha,
		"GOALFLOW_GOAL=" + g.Name(),
		"GOALFLOW_ENVIRONMENT=" + g.Definition.Environment,
		"GOALFLOW_GOAL_ID=" + g.ID,
		"GOALFLOW_GOAL_SET_ID=" + g.GoalSetID,
	}
}

// Executor runs a goal body. A non-nil error fails the goal regardless of
// the result.
type Executor interface {
	Execute(ctx context.Context, inv *Invocation) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inv *Invocation) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, inv *Invocation) (Result, error) {
	return f(ctx, inv)
}
