package goal

import (
	"context"
	"time"
)

// Store persists goal sets and goal instances.
type Store interface {
	// CreateGoalSet atomically records a goal set and all of its goals.
	CreateGoalSet(ctx context.Context, set *Set, goals []*Instance) error

	// GetGoal returns a goal instance by ID, or ErrNotFound.
	GetGoal(ctx context.Context, id string) (*Instance, error)

	// SaveGoal stores inst unless a newer version is already stored.
	// It returns the winning version; when inst lost, the error is ErrStale.
	SaveGoal(ctx context.Context, inst *Instance) (*Instance, error)

	// ListGoalSet returns every goal of a goal set ordered by name.
	ListGoalSet(ctx context.Context, goalSetID string) ([]*Instance, error)

	// ListGoalsBySha returns every goal recorded for a commit, across goal sets.
	ListGoalsBySha(ctx context.Context, owner, repo, sha string) ([]*Instance, error)

	// GetGoalSet returns a goal set record by ID, or ErrNotFound.
	GetGoalSet(ctx context.Context, id string) (*Set, error)

	// ListGoalSets returns goal sets of a workspace, optionally narrowed to one
	// repository and branch, newest first.
	ListGoalSets(ctx context.Context, workspace, owner, repo, branch string) ([]*Set, error)
}

// Leaser grants time-bounded exclusive claims across processes.
type Leaser interface {
	// AcquireLease claims key for owner until ttl elapses. It returns false
	// when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error
}
