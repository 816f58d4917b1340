package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return e
}

func testPush(branch string, files ...string) *push.Push {
	return &push.Push{
		Workspace:     "T123",
		Owner:         "acme",
		Repo:          "web",
		Branch:        branch,
		DefaultBranch: "main",
		Sha:           "abc123",
		ChangedFiles:  files,
	}
}

func TestEngine_Builtins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		policy string
		push   *push.Push
		want   bool
	}{
		{IsDefaultBranch, testPush("main"), true},
		{IsDefaultBranch, testPush("feature"), false},
		{HasChangedGoFiles, testPush("feature", "README.md", "pkg/x/x.go"), true},
		{HasChangedGoFiles, testPush("feature", "go.sum"), true},
		{HasChangedGoFiles, testPush("feature", "README.md"), false},
		{HasChangedGoFiles, testPush("feature"), false},
	}

	for _, tt := range tests {
		d, err := e.Evaluate(ctx, tt.policy, tt.push)
		if err != nil {
			t.Fatalf("Evaluate %s failed: %v", tt.policy, err)
		}
		if d.Allow != tt.want {
			t.Errorf("%s on %s %v: expected %v, got: %v", tt.policy, tt.push.Branch, tt.push.ChangedFiles, tt.want, d.Allow)
		}
	}
}

func TestEngine_UndefinedAllowIsFalse(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	err := e.Load(ctx, Policy{Name: "feature_only", Rego: `package custom.feature_only

allow if startswith(input.branch, "feature/")
`})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ok, err := e.Test("feature_only").Evaluate(ctx, testPush("feature/login"))
	if err != nil || !ok {
		t.Errorf("Expected feature branch to pass, got: %v, %v", ok, err)
	}
	ok, err = e.Test("feature_only").Evaluate(ctx, testPush("main"))
	if err != nil || ok {
		t.Errorf("Expected main to fail, got: %v, %v", ok, err)
	}
}

func TestEngine_Errors(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.Load(ctx, Policy{Name: "broken", Rego: "package broken\nallow if {"}); !goal.IsConfiguration(err) {
		t.Errorf("Expected a configuration error for a syntax error, got: %v", err)
	}

	if _, err := e.Evaluate(ctx, "missing", testPush("main")); !goal.IsConfiguration(err) {
		t.Errorf("Expected a configuration error for an unknown policy, got: %v", err)
	}

	if err := e.Load(ctx, Policy{Name: "stringy", Rego: "package stringy\n\nallow := \"yes\"\n"}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := e.Evaluate(ctx, "stringy", testPush("main")); !goal.IsConfiguration(err) {
		t.Errorf("Expected a non-boolean allow to be rejected, got: %v", err)
	}
}

func TestEngine_LoadPathsAndReplace(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	write("release.rego", "# Release branches only\n# cut from main\npackage custom.release\n\nallow if startswith(input.branch, \"release/\")\n")
	write("release_test.rego", "package custom.release_test\n")
	write("notes.txt", "ignored")

	e := newTestEngine(t)
	ctx := context.Background()
	if err := e.LoadPaths(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPaths failed: %v", err)
	}

	var names []string
	for _, p := range e.Policies() {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{HasChangedGoFiles, IsDefaultBranch, "release"}, names); diff != "" {
		t.Errorf("Policy names mismatch (-want +got):\n%s", diff)
	}
	for _, p := range e.Policies() {
		if p.Name == "release" && p.Description != "Release branches only cut from main" {
			t.Errorf("Unexpected description: %q", p.Description)
		}
	}

	if err := e.Replace(ctx, nil); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if e.Has("release") {
		t.Error("Expected release to be dropped by Replace")
	}
	if !e.Has(IsDefaultBranch) {
		t.Error("Expected builtins to survive Replace")
	}

	if err := e.Replace(ctx, []Policy{{Name: "bad", Rego: "nope"}}); err == nil {
		t.Error("Expected Replace to fail on an invalid policy")
	}
	if !e.Has(HasChangedGoFiles) {
		t.Error("Expected a failed Replace to keep the current policies")
	}
}
