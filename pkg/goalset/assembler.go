package goalset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Assembler evaluates rules against a push and produces a goal set.
type Assembler struct {
	rules  []*Rule
	logger zerolog.Logger
	now    func() time.Time
}

// Result is an assembled goal set.
type Result struct {
	// Set is the goal set record.
	Set *goal.Set

	// Goals are the goal instances, in first-declared order.
	Goals []*goal.Instance

	// Specs maps goal names to their declarations.
	Specs map[string]Goal

	// Graph is the validated precondition graph.
	Graph *Graph

	// Locked is set when a lock stopped rule evaluation.
	Locked bool
}

// NewAssembler validates rules and returns an assembler evaluating them in order.
// Rule names must be unique and DependsOn may only name earlier rules.
func NewAssembler(rules []*Rule, logger zerolog.Logger) (*Assembler, error) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r == nil || r.Name == "" {
			return nil, goal.NewConfigurationError(fmt.Sprintf("rule %d has no name", i), nil).
				WithCode(goal.ErrCodeValidation)
		}
		if seen[r.Name] {
			return nil, goal.NewConfigurationError(fmt.Sprintf("duplicate rule name: %s", r.Name), nil).
				WithCode(goal.ErrCodeDuplicate)
		}
		for _, dep := range r.DependsOn {
			if !seen[dep] {
				return nil, goal.NewConfigurationError(
					fmt.Sprintf("rule %s depends on %s, which is not declared before it", r.Name, dep), nil,
				).WithCode(goal.ErrCodeValidation)
			}
		}
		for _, g := range r.Goals() {
			if err := g.Validate(); err != nil {
				return nil, goal.NewConfigurationError(fmt.Sprintf("invalid rule %s", r.Name), err).
					WithCode(goal.ErrCodeValidation)
			}
		}
		seen[r.Name] = true
	}

	return &Assembler{
		rules:  rules,
		logger: logger.With().Str("component", "assembler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Rules returns the rules in evaluation order.
func (a *Assembler) Rules() []*Rule {
	return a.rules
}

// accumulator collects the union of matching contributions.
type accumulator struct {
	order  []string
	specs  map[string]Goal
	pre    map[string][]goal.Key
	byRule map[string][]goal.Key
	names  []string
}

// Assemble evaluates every rule in order and returns the union of the matching
// contributions. It returns nil without error when no rule matches.
func (a *Assembler) Assemble(ctx context.Context, p *push.Push) (*Result, error) {
	if err := p.Validate(); err != nil {
		return nil, goal.NewConfigurationError("invalid push", err).WithOperation("assemble")
	}

	acc := &accumulator{
		specs:  make(map[string]Goal),
		pre:    make(map[string][]goal.Key),
		byRule: make(map[string][]goal.Key),
	}

	locked := false
	for _, r := range a.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		matched := true
		if r.Test != nil {
			ok, err := r.Test.Evaluate(ctx, p)
			if err != nil {
				return nil, goal.NewConfigurationError(
					fmt.Sprintf("failed to evaluate test %s of rule %s", r.Test.Name(), r.Name), err,
				).WithOperation("assemble")
			}
			matched = ok
		}
		if !matched {
			a.logger.Debug().Str("rule", r.Name).Str("sha", p.Sha).Msg("Rule did not match")
			continue
		}

		a.logger.Debug().Str("rule", r.Name).Str("sha", p.Sha).Msg("Rule matched")
		stop, err := acc.add(r)
		if err != nil {
			return nil, err
		}
		if stop {
			a.logger.Info().Str("rule", r.Name).Str("sha", p.Sha).Msg("Goal set locked, skipping remaining rules")
			locked = true
			break
		}
	}

	if len(acc.names) == 0 {
		return nil, nil
	}
	return a.build(p, acc, locked)
}

// add merges a rule's contribution. It reports whether a lock was declared.
func (acc *accumulator) add(r *Rule) (bool, error) {
	var external []goal.Key
	for _, dep := range r.DependsOn {
		external = appendKeys(external, acc.byRule[dep]...)
	}

	lock := false
	var previous, contributed []goal.Key
	for _, group := range r.Groups {
		var current []goal.Key
		for _, g := range group {
			if g.Locks() {
				lock = true
			}
			if g.IsLock() {
				continue
			}

			key := g.Key()
			name := key.String()
			if existing, ok := acc.specs[name]; ok {
				if !existing.SameAs(g) {
					return false, goal.NewConfigurationError(
						fmt.Sprintf("goal %s is declared with different definitions", name), nil,
					).WithGoal(name).WithCode(goal.ErrCodeDuplicate).WithDetail("rule", r.Name)
				}
			} else {
				acc.specs[name] = g
				acc.order = append(acc.order, name)
			}

			for _, k := range append(append([]goal.Key{}, external...), previous...) {
				if k != key {
					acc.pre[name] = appendKeys(acc.pre[name], k)
				}
			}
			current = append(current, key)
		}
		if len(current) > 0 {
			previous = current
		}
		contributed = appendKeys(contributed, current...)
	}

	acc.byRule[r.Name] = contributed
	acc.names = append(acc.names, r.Name)
	return lock, nil
}

func (a *Assembler) build(p *push.Push, acc *accumulator, locked bool) (*Result, error) {
	now := a.now()
	set := &goal.Set{
		ID:        uuid.New().String(),
		Name:      strings.Join(acc.names, ", "),
		Workspace: p.Workspace,
		Owner:     p.Owner,
		Repo:      p.Repo,
		Branch:    p.Branch,
		Sha:       p.Sha,
		CreatedAt: now,
	}

	result := &Result{Set: set, Specs: make(map[string]Goal, len(acc.order)), Locked: locked}
	for _, name := range acc.order {
		spec := acc.specs[name]
		state := goal.StateRequested
		if len(acc.pre[name]) > 0 {
			state = goal.StatePlanned
		}

		result.Specs[name] = spec
		result.Goals = append(result.Goals, &goal.Instance{
			ID:            uuid.New().String(),
			GoalSetID:     set.ID,
			GoalSet:       set.Name,
			Definition:    spec.Definition,
			Workspace:     p.Workspace,
			Owner:         p.Owner,
			Repo:          p.Repo,
			Branch:        p.Branch,
			Sha:           p.Sha,
			State:         state,
			Fulfillment:   goal.Fulfillment{Name: name},
			PreConditions: acc.pre[name],
			Data:          spec.Cache,
			Description:   spec.Definition.Describe(state),
			Ts:            now,
			Provenance: []goal.Provenance{{
				Actor:         "assembler",
				Timestamp:     now,
				CorrelationID: p.CorrelationID,
				State:         state,
			}},
		})
	}

	graph, err := BuildGraph(result.Goals)
	if err != nil {
		return nil, err
	}
	result.Graph = graph
	return result, nil
}

func appendKeys(keys []goal.Key, add ...goal.Key) []goal.Key {
	for _, k := range add {
		found := false
		for _, existing := range keys {
			if existing == k {
				found = true
				break
			}
		}
		if !found {
			keys = append(keys, k)
		}
	}
	return keys
}
