package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/goalflow/pkg/goal"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" json:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty" json:"conn_max_lifetime,omitempty"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// OpenSQLiteStore creates, initializes and migrates a store.
func OpenSQLiteStore(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// CreateGoalSet records a goal set and all of its goals in one transaction.
func (s *SQLiteStore) CreateGoalSet(ctx context.Context, set *goal.Set, goals []*goal.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO goal_sets (id, name, workspace, owner, repo, branch, sha, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, set.ID, set.Name, set.Workspace, set.Owner, set.Repo, set.Branch, set.Sha, nanos(set.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create goal set: %w", err)
	}

	for _, g := range goals {
		if g.GoalSetID != set.ID {
			return fmt.Errorf("goal %s belongs to goal set %s, not %s", g.ID, g.GoalSetID, set.ID)
		}
		if err := upsertGoal(ctx, tx, g); err != nil {
			return err
		}
		if err := appendProvenance(ctx, tx, g, 0); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit goal set: %w", err)
	}
	return nil
}

// upsertGoalIfNewer writes a goal unless a newer version is stored. It
// reports whether the row was written.
func upsertGoalIfNewer(ctx context.Context, tx *sql.Tx, g *goal.Instance) (bool, error) {
	record, err := json.Marshal(g)
	if err != nil {
		return false, fmt.Errorf("failed to encode goal %s: %w", g.ID, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO goals (id, goal_set_id, environment, name, owner, repo, sha, state, epoch, ts, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			epoch = excluded.epoch,
			ts = excluded.ts,
			record = excluded.record
		WHERE excluded.ts >= goals.ts
	`,
		g.ID,
		g.GoalSetID,
		g.Definition.Environment,
		g.Definition.Name,
		g.Owner,
		g.Repo,
		g.Sha,
		string(g.State),
		g.Epoch,
		nanos(g.Ts),
		string(record),
	)
	if err != nil {
		return false, fmt.Errorf("failed to save goal %s: %w", g.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to save goal %s: %w", g.ID, err)
	}
	return n > 0, nil
}

func upsertGoal(ctx context.Context, tx *sql.Tx, g *goal.Instance) error {
	_, err := upsertGoalIfNewer(ctx, tx, g)
	return err
}

// appendProvenance inserts provenance entries from index from onwards.
func appendProvenance(ctx context.Context, tx *sql.Tx, g *goal.Instance, from int) error {
	for seq := from; seq < len(g.Provenance); seq++ {
		p := g.Provenance[seq]
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO provenance (goal_id, seq, actor, state, epoch, correlation_id, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, g.ID, seq, p.Actor, string(p.State), p.Epoch, p.CorrelationID, nanos(p.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to append provenance for goal %s: %w", g.ID, err)
		}
	}
	return nil
}

// SaveGoal stores inst unless the stored version wins reconciliation.
func (s *SQLiteStore) SaveGoal(ctx context.Context, inst *goal.Instance) (*goal.Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanGoal(tx.QueryRowContext(ctx, `SELECT record FROM goals WHERE id = ?`, inst.ID))
	if err != nil {
		return nil, err
	}

	if goal.Reconcile(current, inst) == current {
		return current, goal.ErrStale
	}

	written, err := upsertGoalIfNewer(ctx, tx, inst)
	if err != nil {
		return nil, err
	}
	if !written {
		return current, goal.ErrStale
	}
	if err := appendProvenance(ctx, tx, inst, len(current.Provenance)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit goal %s: %w", inst.ID, err)
	}
	return inst.Clone(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGoal(row rowScanner) (*goal.Instance, error) {
	var record string
	if err := row.Scan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goal.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read goal: %w", err)
	}
	inst := &goal.Instance{}
	if err := json.Unmarshal([]byte(record), inst); err != nil {
		return nil, fmt.Errorf("failed to decode goal: %w", err)
	}
	return inst, nil
}

// GetGoal retrieves a goal by ID.
func (s *SQLiteStore) GetGoal(ctx context.Context, id string) (*goal.Instance, error) {
	inst, err := scanGoal(s.db.QueryRowContext(ctx, `SELECT record FROM goals WHERE id = ?`, id))
	if errors.Is(err, goal.ErrNotFound) {
		return nil, fmt.Errorf("goal %s: %w", id, goal.ErrNotFound)
	}
	return inst, err
}

func (s *SQLiteStore) queryGoals(ctx context.Context, query string, args ...any) ([]*goal.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	defer rows.Close()

	var goals []*goal.Instance
	for rows.Next() {
		inst, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list goals: %w", err)
	}
	return goals, nil
}

// ListGoalSet returns every goal of a goal set ordered by name.
func (s *SQLiteStore) ListGoalSet(ctx context.Context, goalSetID string) ([]*goal.Instance, error) {
	return s.queryGoals(ctx, `
		SELECT record FROM goals WHERE goal_set_id = ? ORDER BY name, environment
	`, goalSetID)
}

// ListGoalsBySha returns every goal recorded for a commit.
func (s *SQLiteStore) ListGoalsBySha(ctx context.Context, owner, repo, sha string) ([]*goal.Instance, error) {
	return s.queryGoals(ctx, `
		SELECT record FROM goals WHERE owner = ? AND repo = ? AND sha = ? ORDER BY goal_set_id, name, environment
	`, owner, repo, sha)
}

func scanSet(row rowScanner) (*goal.Set, error) {
	set := &goal.Set{}
	var created int64
	err := row.Scan(&set.ID, &set.Name, &set.Workspace, &set.Owner, &set.Repo, &set.Branch, &set.Sha, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goal.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read goal set: %w", err)
	}
	set.CreatedAt = fromNanos(created)
	return set, nil
}

const setColumns = `id, name, workspace, owner, repo, branch, sha, created_at`

// GetGoalSet retrieves a goal set by ID.
func (s *SQLiteStore) GetGoalSet(ctx context.Context, id string) (*goal.Set, error) {
	set, err := scanSet(s.db.QueryRowContext(ctx, `SELECT `+setColumns+` FROM goal_sets WHERE id = ?`, id))
	if errors.Is(err, goal.ErrNotFound) {
		return nil, fmt.Errorf("goal set %s: %w", id, goal.ErrNotFound)
	}
	return set, err
}

// ListGoalSets returns goal sets of a workspace, newest first. Empty owner,
// repo or branch match any value.
func (s *SQLiteStore) ListGoalSets(ctx context.Context, workspace, owner, repo, branch string) ([]*goal.Set, error) {
	var where []string
	var args []any
	for _, f := range []struct {
		column string
		value  string
	}{
		{"workspace", workspace},
		{"owner", owner},
		{"repo", repo},
		{"branch", branch},
	} {
		if f.value != "" {
			where = append(where, f.column+" = ?")
			args = append(args, f.value)
		}
	}

	query := `SELECT ` + setColumns + ` FROM goal_sets`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list goal sets: %w", err)
	}
	defer rows.Close()

	var sets []*goal.Set
	for rows.Next() {
		set, err := scanSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list goal sets: %w", err)
	}
	return sets, nil
}

// ListProvenance returns the stored provenance of a goal in order.
func (s *SQLiteStore) ListProvenance(ctx context.Context, goalID string) ([]goal.Provenance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT actor, state, epoch, correlation_id, ts FROM provenance WHERE goal_id = ? ORDER BY seq
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list provenance: %w", err)
	}
	defer rows.Close()

	var out []goal.Provenance
	for rows.Next() {
		var p goal.Provenance
		var state string
		var ts int64
		if err := rows.Scan(&p.Actor, &state, &p.Epoch, &p.CorrelationID, &ts); err != nil {
			return nil, fmt.Errorf("failed to read provenance: %w", err)
		}
		p.State = goal.State(state)
		p.Timestamp = fromNanos(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

// AcquireLease claims key for owner until ttl elapses. An expired lease, or
// one already held by owner, is taken over.
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.owner = excluded.owner
	`, key, owner, nanos(now.Add(ttl)), nanos(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

// CreateAuditEntry creates a new audit entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, goal_set_id, goal_id, details, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.GoalSetID, entry.GoalID, entry.Details, nanos(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries, oldest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, goalID string, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, action, actor, COALESCE(goal_set_id, ''), COALESCE(goal_id, ''), COALESCE(details, ''), ts FROM audit`
	var args []any
	if goalID != "" {
		query += ` WHERE goal_id = ?`
		args = append(args, goalID)
	}
	query += ` ORDER BY ts, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var ts int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.GoalSetID, &e.GoalID, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = fromNanos(ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}
