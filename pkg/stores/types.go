package stores

import (
	"context"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
)

// Audit actions recorded by the engine.
const (
	AuditGoalSetCreated = "goal_set.created"
	AuditGoalRetried    = "goal.retried"
	AuditGoalApproved   = "goal.approved"
	AuditGoalCanceled   = "goal.canceled"
)

// AuditEntry represents an audit trail entry.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g., "goal.retried", "goal.approved"
	Actor     string    `json:"actor"`  // user or system identifier
	GoalSetID string    `json:"goal_set_id,omitempty"`
	GoalID    string    `json:"goal_id,omitempty"`
	Details   string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence layer of the engine: goal records, cross-process
// leases and the audit trail.
type Store interface {
	goal.Store
	goal.Leaser

	// CreateAuditEntry appends an audit entry.
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error

	// ListAuditEntries returns audit entries for a goal, oldest first. An empty
	// goalID lists every entry.
	ListAuditEntries(ctx context.Context, goalID string, limit int) ([]*AuditEntry, error)

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
