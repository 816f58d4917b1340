package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/goalset"
)

// HCL rule documents:
//
//	rule "build" {
//	  tests = ["changed:**/*.go"]
//
//	  goal "compile" {
//	    script {
//	      command = "go build ./..."
//	      timeout = "10m"
//	    }
//	  }
//
//	  then {
//	    goal "test" {
//	      script { command = "go test ./..." }
//	    }
//	  }
//	}
//
// Expressions can read the process environment as env.NAME.

type hclRuleFile struct {
	Rules []hclRule `hcl:"rule,block"`
}

type hclRule struct {
	Name       string     `hcl:"name,label"`
	Test       string     `hcl:"test,optional"`
	Tests      []string   `hcl:"tests,optional"`
	DependsOn  []string   `hcl:"depends_on,optional"`
	Lock       bool       `hcl:"lock,optional"`
	Immaterial bool       `hcl:"immaterial,optional"`
	Goals      []hclGoal  `hcl:"goal,block"`
	Then       []hclGroup `hcl:"then,block"`
}

type hclGroup struct {
	Lock  bool      `hcl:"lock,optional"`
	Goals []hclGoal `hcl:"goal,block"`
}

type hclGoal struct {
	Name                string            `hcl:"name,label"`
	DisplayName         string            `hcl:"display_name,optional"`
	Environment         string            `hcl:"environment,optional"`
	Descriptions        map[string]string `hcl:"descriptions,optional"`
	RetryFeasible       bool              `hcl:"retry_feasible,optional"`
	ApprovalRequired    bool              `hcl:"approval_required,optional"`
	PreApprovalRequired bool              `hcl:"pre_approval_required,optional"`
	Use                 string            `hcl:"use,optional"`
	Params              map[string]string `hcl:"params,optional"`
	Immaterial          bool              `hcl:"immaterial,optional"`
	Script              *hclScript        `hcl:"script,block"`
	Container           *hclContainer     `hcl:"container,block"`
	Queue               *hclQueue         `hcl:"queue,block"`
	Cancel              *hclCancel        `hcl:"cancel,block"`
	Cache               *hclCache         `hcl:"cache,block"`
}

type hclScript struct {
	Command string            `hcl:"command"`
	Dir     string            `hcl:"dir,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Timeout string            `hcl:"timeout,optional"`
}

type hclContainer struct {
	Image   string            `hcl:"image"`
	Runtime string            `hcl:"runtime,optional"`
	Command []string          `hcl:"command,optional"`
	Env     map[string]string `hcl:"env,optional"`
	Volumes []string          `hcl:"volumes,optional"`
	WorkDir string            `hcl:"workdir,optional"`
	Network string            `hcl:"network,optional"`
	Timeout string            `hcl:"timeout,optional"`
}

type hclQueue struct {
	Concurrent   int    `hcl:"concurrent,optional"`
	PollInterval string `hcl:"poll_interval,optional"`
}

type hclCancel struct {
	GoalSets []string `hcl:"goal_sets,optional"`
}

type hclCache struct {
	Inputs  []hclInput  `hcl:"input,block"`
	Outputs []hclOutput `hcl:"output,block"`
}

type hclInput struct {
	Classifier string        `hcl:"classifier,label"`
	Fallbacks  []hclFallback `hcl:"fallback,block"`
}

type hclFallback struct {
	Name       string `hcl:"name,optional"`
	Classifier string `hcl:"classifier,optional"`
	Command    string `hcl:"command,optional"`
}

type hclOutput struct {
	Classifier string   `hcl:"classifier,label"`
	Glob       []string `hcl:"glob,optional"`
	Directory  string   `hcl:"directory,optional"`
}

// hclEvalContext exposes the environment as env.NAME.
func hclEvalContext() *hcl.EvalContext {
	env := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
	}
}

func parseHCLRules(path string, data []byte) (*RuleDocument, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to parse %s", path), diags).
			WithOperation("rules.read")
	}

	var raw hclRuleFile
	if diags := gohcl.DecodeBody(file.Body, hclEvalContext(), &raw); diags.HasErrors() {
		return nil, goal.NewConfigurationError(fmt.Sprintf("failed to decode %s", path), diags).
			WithOperation("rules.read")
	}

	doc := &RuleDocument{}
	for _, r := range raw.Rules {
		spec := RuleSpec{Name: r.Name, Test: r.Test, Tests: r.Tests, DependsOn: r.DependsOn}

		goals, err := hclGoals(r.Goals, r.Lock, r.Immaterial)
		if err != nil {
			return nil, goal.NewConfigurationError(fmt.Sprintf("%s: rule %s", path, r.Name), err).
				WithOperation("rules.read")
		}
		spec.Goals = goals

		for _, group := range r.Then {
			goals, err := hclGoals(group.Goals, group.Lock, false)
			if err != nil {
				return nil, goal.NewConfigurationError(fmt.Sprintf("%s: rule %s", path, r.Name), err).
					WithOperation("rules.read")
			}
			spec.Then = append(spec.Then, goals)
		}
		doc.Rules = append(doc.Rules, spec)
	}
	return doc, nil
}

func hclGoals(in []hclGoal, lock, immaterial bool) ([]GoalSpec, error) {
	var out []GoalSpec
	for _, g := range in {
		gs, err := g.spec()
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	if immaterial {
		out = append(out, GoalSpec{Immaterial: true})
	}
	if lock {
		out = append(out, GoalSpec{Lock: true})
	}
	return out, nil
}

func (g hclGoal) spec() (GoalSpec, error) {
	gs := GoalSpec{
		Name:                g.Name,
		DisplayName:         g.DisplayName,
		Environment:         g.Environment,
		Descriptions:        g.Descriptions,
		RetryFeasible:       g.RetryFeasible,
		ApprovalRequired:    g.ApprovalRequired,
		PreApprovalRequired: g.PreApprovalRequired,
		Use:                 g.Use,
		Params:              g.Params,
		Immaterial:          g.Immaterial,
	}

	if s := g.Script; s != nil {
		timeout, err := parseDuration(s.Timeout)
		if err != nil {
			return gs, fmt.Errorf("goal %s: %w", g.Name, err)
		}
		gs.Script = &goalset.ScriptSpec{Command: s.Command, Dir: s.Dir, Env: s.Env, Timeout: timeout}
	}
	if c := g.Container; c != nil {
		timeout, err := parseDuration(c.Timeout)
		if err != nil {
			return gs, fmt.Errorf("goal %s: %w", g.Name, err)
		}
		gs.Container = &goalset.ContainerSpec{
			Image:   c.Image,
			Runtime: c.Runtime,
			Command: c.Command,
			Env:     c.Env,
			Volumes: c.Volumes,
			WorkDir: c.WorkDir,
			Network: c.Network,
			Timeout: timeout,
		}
	}
	if q := g.Queue; q != nil {
		poll, err := parseDuration(q.PollInterval)
		if err != nil {
			return gs, fmt.Errorf("goal %s: %w", g.Name, err)
		}
		gs.Queue = &goalset.QueueSpec{Concurrent: q.Concurrent, PollInterval: poll}
	}
	if c := g.Cancel; c != nil {
		gs.Cancel = &goalset.CancelSpec{GoalSets: c.GoalSets}
	}
	if c := g.Cache; c != nil {
		gs.Cache = &CacheSpec{}
		for _, in := range c.Inputs {
			spec := InputSpec{Classifier: in.Classifier}
			for _, fb := range in.Fallbacks {
				spec.Fallbacks = append(spec.Fallbacks, FallbackSpec(fb))
			}
			gs.Cache.Inputs = append(gs.Cache.Inputs, spec)
		}
		for _, out := range c.Outputs {
			gs.Cache.Outputs = append(gs.Cache.Outputs, OutputSpec(out))
		}
	}
	return gs, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}
