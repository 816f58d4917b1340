package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second)

	res, err := se.Evaluate(context.Background(), "t.star", `
_hidden = 1
targets = [t.upper() for t in input.targets]
count = len(targets)
def helper():
    pass
`, map[string]interface{}{"input": map[string]interface{}{"targets": []interface{}{"a", "b"}}})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if _, ok := res.Globals["_hidden"]; ok {
		t.Error("Expected underscore globals to be dropped")
	}
	if res.Globals["count"] != int64(2) {
		t.Errorf("Expected count 2, got: %v", res.Globals["count"])
	}
	targets, ok := res.Globals["targets"].([]interface{})
	if !ok || len(targets) != 2 || targets[0] != "A" {
		t.Errorf("Unexpected targets: %v", res.Globals["targets"])
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	se := NewStarlarkEvaluator(50 * time.Millisecond)

	start := time.Now()
	_, err := se.Evaluate(context.Background(), "loop.star", "x = 0\nwhile True:\n    x += 1\n", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("Expected a timeout, got: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Expected the script to be canceled promptly, took %v", time.Since(start))
	}
}

func TestStarlarkEvaluator_Test(t *testing.T) {
	se := NewStarlarkEvaluator(time.Second)
	ctx := context.Background()
	p := &push.Push{Owner: "acme", Repo: "web", Branch: "main", DefaultBranch: "main"}

	ok, err := se.Test("owner", `allow = push.owner == "acme" and push.is_default_branch`).Evaluate(ctx, p)
	if err != nil || !ok {
		t.Errorf("Expected test to pass, got: %v, %v", ok, err)
	}

	_, err = se.Test("no-allow", `x = 1`).Evaluate(ctx, p)
	if !goal.IsConfiguration(err) {
		t.Errorf("Expected a missing allow to be a configuration error, got: %v", err)
	}

	_, err = se.Test("broken", `allow = (`).Evaluate(ctx, p)
	if !goal.IsConfiguration(err) {
		t.Errorf("Expected a syntax error to be a configuration error, got: %v", err)
	}
}
