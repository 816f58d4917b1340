package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Implementation binds a goal to the executor that fulfills it.
type Implementation struct {
	// Name is the stable implementation name, the goal key.
	Name string

	// Goal is the declaration the implementation was built from.
	Goal goalset.Goal

	// Executor runs the goal body.
	Executor Executor

	// Test restricts the pushes the implementation applies to. Nil applies to all.
	Test push.Test
}

// Registry maps implementation names to implementations.
type Registry struct {
	mu    sync.RWMutex
	impls map[string]*Implementation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{impls: make(map[string]*Implementation)}
}

// Register adds an implementation. A second implementation for the same goal
// is a configuration error.
func (r *Registry) Register(impl *Implementation) error {
	if impl == nil || impl.Name == "" {
		return goal.NewConfigurationError("implementation needs a name", nil).
			WithCode(goal.ErrCodeValidation)
	}
	if impl.Executor == nil {
		return goal.NewConfigurationError(fmt.Sprintf("implementation %s has no executor", impl.Name), nil).
			WithGoal(impl.Name).WithCode(goal.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.impls[impl.Name]; exists {
		return goal.NewConfigurationError(
			fmt.Sprintf("goal %s has more than one implementation", impl.Name), nil,
		).WithGoal(impl.Name).WithCode(goal.ErrCodeDuplicate)
	}
	r.impls[impl.Name] = impl
	return nil
}

// Lookup returns the implementation registered under name.
func (r *Registry) Lookup(name string) (*Implementation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	impl, ok := r.impls[name]
	return impl, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.impls))
	for name := range r.impls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry registers a built-in executor for every goal the rules declare.
// A goal declared identically by several rules gets one implementation; the
// same goal declared differently is a configuration error.
func BuildRegistry(rules []*goalset.Rule, store goal.Store, makers map[string]Maker) (*Registry, error) {
	reg := NewRegistry()
	seen := make(map[string]goalset.Goal)

	for _, r := range rules {
		for _, g := range r.Goals() {
			if g.IsLock() {
				continue
			}
			name := g.Key().String()
			if prev, ok := seen[name]; ok {
				if prev.SameAs(g) {
					continue
				}
				return nil, goal.NewConfigurationError(
					fmt.Sprintf("goal %s is declared with different definitions", name), nil,
				).WithGoal(name).WithCode(goal.ErrCodeDuplicate).WithDetail("rule", r.Name)
			}

			executor, err := ExecutorFor(g, store, makers)
			if err != nil {
				return nil, err
			}
			if err := reg.Register(&Implementation{Name: name, Goal: g, Executor: executor}); err != nil {
				return nil, err
			}
			seen[name] = g
		}
	}
	return reg, nil
}
