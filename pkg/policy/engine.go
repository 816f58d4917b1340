package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

// Engine compiles Rego policies and evaluates them as push tests.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

type compiledPolicy struct {
	policy   Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	ctx := context.Background()
	builtins := BuiltinPolicies()
	for _, p := range builtins {
		if err := e.Load(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to load builtin policy %s: %w", p.Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Builtin policies loaded")
	return e, nil
}

// Load compiles the policy and registers it under its name, replacing any
// earlier policy with the same name.
func (e *Engine) Load(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Str("package", cp.module.Package.Path.String()).Msg("Policy compiled")
	return nil
}

// LoadPaths loads every .rego file under paths.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.Load(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Replace swaps the loaded non-builtin policies for the given set. Nothing
// changes when any of them fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next := make(map[string]*compiledPolicy, len(policies))
	for _, p := range BuiltinPolicies() {
		cp, err := compile(ctx, p)
		if err != nil {
			return err
		}
		next[p.Name] = cp
	}
	for _, p := range policies {
		cp, err := compile(ctx, p)
		if err != nil {
			return err
		}
		next[p.Name] = cp
	}

	e.mu.Lock()
	e.policies = next
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, goal.NewConfigurationError("policy has no name", nil)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to parse policy %s", p.Name), err).
			WithOperation("policy.compile")
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".allow"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to prepare policy %s", p.Name), err).
			WithOperation("policy.compile")
	}

	return &compiledPolicy{policy: p, module: module, query: query, compiled: time.Now()}, nil
}

// Evaluate runs the named policy with the push as input.
func (e *Engine) Evaluate(ctx context.Context, name string, p *push.Push) (*Decision, error) {
	e.mu.RLock()
	cp, ok := e.policies[name]
	e.mu.RUnlock()
	if !ok {
		return nil, goal.NewConfigurationError(fmt.Sprintf("unknown policy %q", name), nil).
			WithOperation("policy.evaluate")
	}

	start := time.Now()
	rs, err := cp.query.Eval(ctx, rego.EvalInput(p.Input()))
	if err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to evaluate policy %s", name), err).
			WithOperation("policy.evaluate")
	}

	d := &Decision{Policy: name, Duration: time.Since(start)}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		allow, ok := rs[0].Expressions[0].Value.(bool)
		if !ok {
			return nil, goal.NewConfigurationError(
				fmt.Sprintf("policy %s: allow is %T, not a boolean", name, rs[0].Expressions[0].Value), nil,
			).WithOperation("policy.evaluate")
		}
		d.Allow = allow
	}

	e.logger.Debug().
		Str("policy", name).
		Bool("allow", d.Allow).
		Dur("duration", d.Duration).
		Msg("Policy evaluated")

	return d, nil
}

// Test returns a push test backed by the named policy. The policy is looked
// up on each evaluation so reloads take effect.
func (e *Engine) Test(name string) push.Test {
	return push.Func("rego:"+name, func(ctx context.Context, p *push.Push) (bool, error) {
		d, err := e.Evaluate(ctx, name, p)
		if err != nil {
			return false, err
		}
		return d.Allow, nil
	})
}

// Has reports whether a policy with that name is loaded.
func (e *Engine) Has(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.policies[name]
	return ok
}

// Policies returns the loaded policies sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
