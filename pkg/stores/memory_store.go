package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryStore is an in-process Store. Records are cloned on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	sets   map[string]*goal.Set
	goals  map[string]*goal.Instance
	leases map[string]lease
	audit  []*AuditEntry
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:   make(map[string]*goal.Set),
		goals:  make(map[string]*goal.Instance),
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (m *MemoryStore) CreateGoalSet(_ context.Context, set *goal.Set, goals []*goal.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sets[set.ID]; ok {
		return fmt.Errorf("failed to create goal set: goal set %s already exists", set.ID)
	}
	seen := make(map[goal.Key]bool, len(goals))
	for _, g := range goals {
		if g.GoalSetID != set.ID {
			return fmt.Errorf("goal %s belongs to goal set %s, not %s", g.ID, g.GoalSetID, set.ID)
		}
		if _, ok := m.goals[g.ID]; ok {
			return fmt.Errorf("failed to create goal set: goal %s already exists", g.ID)
		}
		if seen[g.Key()] {
			return fmt.Errorf("failed to create goal set: duplicate goal %s", g.Key())
		}
		seen[g.Key()] = true
	}

	s := *set
	m.sets[set.ID] = &s
	for _, g := range goals {
		m.goals[g.ID] = g.Clone()
	}
	return nil
}

func (m *MemoryStore) GetGoal(_ context.Context, id string) (*goal.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.goals[id]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", id, goal.ErrNotFound)
	}
	return g.Clone(), nil
}

func (m *MemoryStore) SaveGoal(_ context.Context, inst *goal.Instance) (*goal.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.goals[inst.ID]
	if !ok {
		return nil, fmt.Errorf("goal %s: %w", inst.ID, goal.ErrNotFound)
	}
	if goal.Reconcile(current, inst) == current {
		return current.Clone(), goal.ErrStale
	}
	m.goals[inst.ID] = inst.Clone()
	return inst.Clone(), nil
}

func (m *MemoryStore) collect(match func(*goal.Instance) bool) []*goal.Instance {
	var out []*goal.Instance
	for _, g := range m.goals {
		if match(g) {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GoalSetID != out[j].GoalSetID {
			return out[i].GoalSetID < out[j].GoalSetID
		}
		if out[i].Definition.Name != out[j].Definition.Name {
			return out[i].Definition.Name < out[j].Definition.Name
		}
		return out[i].Definition.Environment < out[j].Definition.Environment
	})
	return out
}

func (m *MemoryStore) ListGoalSet(_ context.Context, goalSetID string) ([]*goal.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(g *goal.Instance) bool { return g.GoalSetID == goalSetID }), nil
}

func (m *MemoryStore) ListGoalsBySha(_ context.Context, owner, repo, sha string) ([]*goal.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(func(g *goal.Instance) bool {
		return g.Owner == owner && g.Repo == repo && g.Sha == sha
	}), nil
}

func (m *MemoryStore) GetGoalSet(_ context.Context, id string) (*goal.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sets[id]
	if !ok {
		return nil, fmt.Errorf("goal set %s: %w", id, goal.ErrNotFound)
	}
	c := *s
	return &c, nil
}

func (m *MemoryStore) ListGoalSets(_ context.Context, workspace, owner, repo, branch string) ([]*goal.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := func(want, got string) bool { return want == "" || want == got }
	var out []*goal.Set
	for _, s := range m.sets {
		if matches(workspace, s.Workspace) && matches(owner, s.Owner) &&
			matches(repo, s.Repo) && matches(branch, s.Branch) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[key]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[key] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[key]; ok && l.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

func (m *MemoryStore) CreateAuditEntry(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.now().UTC()
	}
	entry.ID = int64(len(m.audit) + 1)
	e := *entry
	m.audit = append(m.audit, &e)
	return nil
}

func (m *MemoryStore) ListAuditEntries(_ context.Context, goalID string, limit int) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*AuditEntry
	for _, e := range m.audit {
		if goalID != "" && e.GoalID != goalID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) HealthCheck(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
