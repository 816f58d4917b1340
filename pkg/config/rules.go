package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
	"github.com/openfroyo/goalflow/pkg/policy"
	"github.com/openfroyo/goalflow/pkg/push"
)

// RuleDocument is the decoded form of a rule file in any format.
type RuleDocument struct {
	Rules []RuleSpec `yaml:"rules" json:"rules"`
}

// RuleSpec declares one rule. Tests are ANDed; a rule without tests applies
// to every push.
type RuleSpec struct {
	Name      string       `yaml:"name" json:"name"`
	Test      string       `yaml:"test,omitempty" json:"test,omitempty"`
	Tests     []string     `yaml:"tests,omitempty" json:"tests,omitempty"`
	DependsOn []string     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Goals     []GoalSpec   `yaml:"goals" json:"goals"`
	Then      [][]GoalSpec `yaml:"then,omitempty" json:"then,omitempty"`
}

// GoalSpec declares one goal. Exactly one of the kind fields is set, except
// for the "lock" and "immaterial" shorthands.
type GoalSpec struct {
	Name                string            `yaml:"name" json:"name"`
	DisplayName         string            `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Environment         string            `yaml:"environment,omitempty" json:"environment,omitempty"`
	Descriptions        map[string]string `yaml:"descriptions,omitempty" json:"descriptions,omitempty"`
	RetryFeasible       bool              `yaml:"retry_feasible,omitempty" json:"retry_feasible,omitempty"`
	ApprovalRequired    bool              `yaml:"approval_required,omitempty" json:"approval_required,omitempty"`
	PreApprovalRequired bool              `yaml:"pre_approval_required,omitempty" json:"pre_approval_required,omitempty"`

	Script     *goalset.ScriptSpec    `yaml:"script,omitempty" json:"script,omitempty"`
	Container  *goalset.ContainerSpec `yaml:"container,omitempty" json:"container,omitempty"`
	Use        string                 `yaml:"use,omitempty" json:"use,omitempty"`
	Params     map[string]string      `yaml:"params,omitempty" json:"params,omitempty"`
	Queue      *goalset.QueueSpec     `yaml:"queue,omitempty" json:"queue,omitempty"`
	Cancel     *goalset.CancelSpec    `yaml:"cancel,omitempty" json:"cancel,omitempty"`
	Immaterial bool                   `yaml:"immaterial,omitempty" json:"immaterial,omitempty"`

	// Lock is only set by the "lock" shorthand.
	Lock bool `yaml:"-" json:"-"`

	Cache *CacheSpec `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// CacheSpec lists the cache inputs and outputs of a goal.
type CacheSpec struct {
	Inputs  []InputSpec  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []OutputSpec `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// InputSpec is a classifier restored before the goal runs.
type InputSpec struct {
	Classifier string         `yaml:"classifier" json:"classifier"`
	Fallbacks  []FallbackSpec `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
}

// FallbackSpec repairs a failed restore.
type FallbackSpec struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Classifier string `yaml:"classifier,omitempty" json:"classifier,omitempty"`
	Command    string `yaml:"command,omitempty" json:"command,omitempty"`
}

// OutputSpec is a classifier archived after the goal succeeds.
type OutputSpec struct {
	Classifier string   `yaml:"classifier" json:"classifier"`
	Glob       []string `yaml:"glob,omitempty" json:"glob,omitempty"`
	Directory  string   `yaml:"directory,omitempty" json:"directory,omitempty"`
}

// UnmarshalYAML accepts the "lock" and "immaterial" scalars as goal entries.
func (g *GoalSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		switch node.Value {
		case goalset.KindLock:
			*g = GoalSpec{Lock: true}
		case goalset.KindImmaterial:
			*g = GoalSpec{Immaterial: true}
		default:
			return fmt.Errorf("line %d: unknown goal shorthand %q", node.Line, node.Value)
		}
		return nil
	}
	type plain GoalSpec
	return node.Decode((*plain)(g))
}

// ReadRuleDocument reads a rule file, choosing the format by extension:
// .yaml/.yml, .cue or .hcl.
func ReadRuleDocument(ctx context.Context, path string) (*RuleDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goal.NewConfigurationError("failed to read rule document", err).WithOperation("rules.read")
	}
	return ParseRuleDocument(ctx, path, data)
}

// ParseRuleDocument parses rule document content. path selects the format
// and names the source in errors.
func ParseRuleDocument(ctx context.Context, path string, data []byte) (*RuleDocument, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return parseHCLRules(path, data)
	case ".cue":
		var err error
		data, err = cueToJSON(path, data)
		if err != nil {
			return nil, err
		}
	case ".yaml", ".yml", ".json":
	default:
		return nil, goal.NewConfigurationError(fmt.Sprintf("unsupported rule document %s", path), nil).
			WithOperation("rules.read")
	}

	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to parse %s", path), err).WithOperation("rules.read")
	}
	if err := NewSchemaRegistry().ValidateAgainstSchema(ctx, SchemaRules, normalize(raw)); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("invalid rule document %s", path), err).
			WithOperation("rules.read")
	}

	var doc RuleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to decode %s", path), err).WithOperation("rules.read")
	}
	return &doc, nil
}

// Compiler turns rule documents into rules.
type Compiler struct {
	// Policies backs rego: tests. Nil rejects them.
	Policies *policy.Engine

	// Starlark backs starlark: tests.
	Starlark *StarlarkEvaluator

	// BaseDir resolves relative .star and file: paths.
	BaseDir string
}

// LoadRules reads and compiles the rule document at path.
func (c *Compiler) LoadRules(ctx context.Context, path string) ([]*goalset.Rule, error) {
	doc, err := ReadRuleDocument(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.Compile(doc)
}

// Compile converts the document into rules in declared order.
func (c *Compiler) Compile(doc *RuleDocument) ([]*goalset.Rule, error) {
	rules := make([]*goalset.Rule, 0, len(doc.Rules))
	for _, spec := range doc.Rules {
		r, err := c.compileRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (c *Compiler) compileRule(spec RuleSpec) (*goalset.Rule, error) {
	exprs := spec.Tests
	if spec.Test != "" {
		exprs = append([]string{spec.Test}, exprs...)
	}

	var tests []push.Test
	for _, expr := range exprs {
		t, err := c.ParseTest(expr)
		if err != nil {
			return nil, goal.NewConfigurationError(fmt.Sprintf("rule %s", spec.Name), err).
				WithOperation("rules.compile").WithCode(goal.ErrCodeValidation)
		}
		tests = append(tests, t)
	}

	var test push.Test
	switch len(tests) {
	case 0:
	case 1:
		test = tests[0]
	default:
		test = push.And(tests...)
	}

	r := &goalset.Rule{Name: spec.Name, Test: test, DependsOn: spec.DependsOn}
	for _, group := range append([][]GoalSpec{spec.Goals}, spec.Then...) {
		goals := make([]goalset.Goal, 0, len(group))
		for _, gs := range group {
			g, err := gs.toGoal()
			if err != nil {
				return nil, goal.NewConfigurationError(fmt.Sprintf("rule %s", spec.Name), err).
					WithOperation("rules.compile").WithCode(goal.ErrCodeValidation)
			}
			goals = append(goals, g)
		}
		r.Groups = append(r.Groups, goals)
	}
	return r, nil
}

func (gs GoalSpec) toGoal() (goalset.Goal, error) {
	if gs.Lock {
		return goalset.Lock(), nil
	}
	if gs.Immaterial && gs.Name == "" {
		return goalset.Immaterial(), nil
	}

	var kinds []goalset.Kind
	if gs.Script != nil {
		kinds = append(kinds, *gs.Script)
	}
	if gs.Container != nil {
		kinds = append(kinds, *gs.Container)
	}
	if gs.Use != "" {
		kinds = append(kinds, goalset.ReferenceSpec{Use: gs.Use, Params: gs.Params})
	}
	if gs.Queue != nil {
		kinds = append(kinds, *gs.Queue)
	}
	if gs.Cancel != nil {
		kinds = append(kinds, *gs.Cancel)
	}
	if gs.Immaterial {
		kinds = append(kinds, goalset.ImmaterialSpec{})
	}
	if len(kinds) != 1 {
		return goalset.Goal{}, fmt.Errorf("goal %q needs exactly one of script, container, use, queue, cancel or immaterial, got %d",
			gs.Name, len(kinds))
	}

	g := goalset.Goal{
		Definition: goal.Definition{
			Name:                gs.Name,
			DisplayName:         gs.DisplayName,
			Environment:         gs.Environment,
			RetryFeasible:       gs.RetryFeasible,
			ApprovalRequired:    gs.ApprovalRequired,
			PreApprovalRequired: gs.PreApprovalRequired,
		},
		Kind: kinds[0],
	}
	if len(gs.Descriptions) > 0 {
		g.Definition.Descriptions = make(map[goal.State]string, len(gs.Descriptions))
		for state, desc := range gs.Descriptions {
			if err := goal.State(state).Validate(); err != nil {
				return goalset.Goal{}, fmt.Errorf("goal %q: %w", gs.Name, err)
			}
			g.Definition.Descriptions[goal.State(state)] = desc
		}
	}

	if gs.Cache != nil {
		for _, in := range gs.Cache.Inputs {
			ref := goal.ClassifierRef{Classifier: in.Classifier}
			for _, fb := range in.Fallbacks {
				ref.Fallbacks = append(ref.Fallbacks, goal.FallbackRef(fb))
			}
			g.Cache.Inputs = append(g.Cache.Inputs, ref)
		}
		for _, out := range gs.Cache.Outputs {
			g.Cache.Outputs = append(g.Cache.Outputs, goal.CacheEntry{
				Classifier: out.Classifier,
				Pattern:    goal.Pattern{GlobPattern: out.Glob, Directory: out.Directory},
			})
		}
	}

	return g, g.Validate()
}

// ParseTest compiles one test expression:
//
//	always | default_branch | branch:<regexp> | changed:<glob>[,<glob>...]
//	file:<path> | rego:<policy> | starlark:<file.star or inline source>
//
// A leading "!" negates the test.
func (c *Compiler) ParseTest(expr string) (push.Test, error) {
	expr = strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(expr, "!"); ok {
		t, err := c.ParseTest(rest)
		if err != nil {
			return nil, err
		}
		return push.Not(t), nil
	}

	kind, arg, _ := strings.Cut(expr, ":")
	arg = strings.TrimSpace(arg)
	switch kind {
	case "always":
		return push.Always(), nil
	case "default_branch":
		return push.ToDefaultBranch(), nil
	case "branch":
		return push.IsBranch(arg)
	case "changed":
		return push.HasChangedFiles(splitList(arg)...)
	case "file":
		return push.HasFile(arg), nil
	case "rego":
		if c.Policies == nil {
			return nil, fmt.Errorf("rego test %q used without a policy engine", arg)
		}
		if !c.Policies.Has(arg) {
			return nil, fmt.Errorf("unknown rego policy %q", arg)
		}
		return c.Policies.Test(arg), nil
	case "starlark":
		return c.starlarkTest(arg)
	default:
		return nil, fmt.Errorf("unknown test %q", expr)
	}
}

func (c *Compiler) starlarkTest(arg string) (push.Test, error) {
	eval := c.Starlark
	if eval == nil {
		eval = NewStarlarkEvaluator(0)
	}
	if !strings.HasSuffix(arg, ".star") {
		return eval.Test("inline", arg), nil
	}
	path := arg
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.BaseDir, path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read starlark test: %w", err)
	}
	return eval.Test(filepath.Base(path), string(src)), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
