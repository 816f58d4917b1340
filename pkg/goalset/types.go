package goalset

import (
	"fmt"
	"reflect"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Goal is one goal declaration inside a rule.
type Goal struct {
	// Definition is the immutable goal template.
	Definition goal.Definition `json:"definition"`

	// Kind is the goal body.
	Kind Kind `json:"-"`

	// Cache lists inputs restored before and outputs stored after the body.
	Cache goal.CacheData `json:"cache"`
}

// Name returns the goal name.
func (g Goal) Name() string {
	return g.Definition.Name
}

// Key returns the goal key.
func (g Goal) Key() goal.Key {
	return goal.Key{Environment: g.Definition.Environment, Name: g.Definition.Name}
}

// IsLock reports whether the goal is the lock pseudo-goal.
func (g Goal) IsLock() bool {
	_, ok := g.Kind.(LockSpec)
	return ok
}

// Locks reports whether the goal stops evaluation of later rules.
func (g Goal) Locks() bool {
	switch g.Kind.(type) {
	case LockSpec, ImmaterialSpec:
		return true
	default:
		return false
	}
}

// Validate checks the goal declaration.
func (g Goal) Validate() error {
	if g.IsLock() {
		return nil
	}
	if g.Definition.Name == "" {
		return fmt.Errorf("goal name is required")
	}
	if err := validateKind(g.Kind); err != nil {
		return fmt.Errorf("goal %s: %w", g.Definition.Name, err)
	}
	for _, out := range g.Cache.Outputs {
		if out.Classifier == "" {
			return fmt.Errorf("goal %s: cache output needs a classifier", g.Definition.Name)
		}
		if err := out.Pattern.Validate(); err != nil {
			return fmt.Errorf("goal %s: %w", g.Definition.Name, err)
		}
	}
	for _, in := range g.Cache.Inputs {
		if in.Classifier == "" {
			return fmt.Errorf("goal %s: cache input needs a classifier", g.Definition.Name)
		}
		for _, fb := range in.Fallbacks {
			if (fb.Classifier == "") == (fb.Command == "") {
				return fmt.Errorf("goal %s: fallback for %s needs exactly one of classifier or command",
					g.Definition.Name, in.Classifier)
			}
		}
	}
	return nil
}

// SameAs reports whether two declarations describe the same goal.
func (g Goal) SameAs(other Goal) bool {
	return reflect.DeepEqual(g.Definition, other.Definition) &&
		reflect.DeepEqual(g.Kind, other.Kind) &&
		reflect.DeepEqual(g.Cache, other.Cache)
}

// Lock returns the lock pseudo-goal.
func Lock() Goal {
	return Goal{Definition: goal.Definition{Name: KindLock}, Kind: LockSpec{}}
}

// Immaterial returns the goal that marks a push as not worth delivering.
func Immaterial() Goal {
	return Goal{
		Definition: goal.Definition{
			Name:        KindImmaterial,
			DisplayName: "Immaterial",
			Descriptions: map[goal.State]string{
				goal.StateSuccess: "No material changes",
			},
		},
		Kind: ImmaterialSpec{},
	}
}

// Rule maps a push test to a contribution of goals.
type Rule struct {
	// Name identifies the rule and names the goal sets it contributes to.
	Name string

	// Test selects the pushes the rule applies to. Nil matches every push.
	Test push.Test

	// Groups are executed in order. Goals inside one group run in parallel and
	// every goal of a group depends on every goal of the previous group.
	Groups [][]Goal

	// DependsOn names earlier rules. Every goal of this rule depends on the goals
	// those rules contributed, when they matched.
	DependsOn []string
}

// NewRule creates a rule whose goals form a single parallel group.
func NewRule(name string, test push.Test, goals ...Goal) *Rule {
	return &Rule{Name: name, Test: test, Groups: [][]Goal{goals}}
}

// Then appends a group that runs after all previously declared groups.
func (r *Rule) Then(goals ...Goal) *Rule {
	r.Groups = append(r.Groups, goals)
	return r
}

// After declares dependencies on earlier rules.
func (r *Rule) After(rules ...string) *Rule {
	r.DependsOn = append(r.DependsOn, rules...)
	return r
}

// Goals returns every goal of the rule in declared order.
func (r *Rule) Goals() []Goal {
	var out []Goal
	for _, group := range r.Groups {
		out = append(out, group...)
	}
	return out
}
