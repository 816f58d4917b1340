package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/goalflow/pkg/goal"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "goalflow.yaml", `workspace: T123
store:
  path: state/goalflow.db
rules:
  path: rules.yaml
  policies: [policies]
dispatch:
  mode: isolated
  runner_path: /usr/local/bin/goal-runner
  tail_lines: 5
  lease:
    enabled: true
    ttl: 10m
cache:
  store: file
  directory: cache
  retention: 72h
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Workspace != "T123" {
		t.Errorf("Expected workspace T123, got: %s", cfg.Workspace)
	}
	if cfg.Store.Path != filepath.Join(dir, "state/goalflow.db") {
		t.Errorf("Expected store path to be resolved, got: %s", cfg.Store.Path)
	}
	if cfg.Rules.Policies[0] != filepath.Join(dir, "policies") {
		t.Errorf("Expected policy path to be resolved, got: %s", cfg.Rules.Policies[0])
	}
	if cfg.Dispatch.Mode != goal.ModeIsolated || cfg.Dispatch.TailLines != 5 {
		t.Errorf("Unexpected dispatch config: %+v", cfg.Dispatch)
	}
	if cfg.Dispatch.Lease.TTL != 10*time.Minute || !cfg.Dispatch.Lease.Enabled {
		t.Errorf("Unexpected lease config: %+v", cfg.Dispatch.Lease)
	}
	if cfg.Cache.Retention != 72*time.Hour {
		t.Errorf("Expected 72h retention, got: %v", cfg.Cache.Retention)
	}
	// Untouched sections keep their defaults.
	if cfg.Starlark.Timeout != DefaultStarlarkTimeout {
		t.Errorf("Expected default starlark timeout, got: %v", cfg.Starlark.Timeout)
	}
	if cfg.Telemetry.ServiceName != "goalflow" {
		t.Errorf("Expected default telemetry, got: %s", cfg.Telemetry.ServiceName)
	}
}

func TestLoad_CUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "goalflow.cue", `
_root: ".goalflow"
workspace: "T9"
store: path: "\(_root)/goalflow.db"
rules: path: "rules.cue"
dispatch: tail_lines: 3
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Path != filepath.Join(dir, ".goalflow/goalflow.db") {
		t.Errorf("Expected interpolated store path, got: %s", cfg.Store.Path)
	}
	if cfg.Dispatch.TailLines != 3 {
		t.Errorf("Expected 3 tail lines, got: %d", cfg.Dispatch.TailLines)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{
			name:    "unknown mode",
			file:    "goalflow.yaml",
			content: "workspace: T1\ndispatch:\n  mode: remote\n",
			want:    "invalid config",
		},
		{
			name:    "unknown field",
			file:    "goalflow.yaml",
			content: "workspace: T1\nworkers: 4\n",
			want:    "invalid config",
		},
		{
			name:    "isolated without runner",
			file:    "goalflow.yaml",
			content: "workspace: T1\ndispatch:\n  mode: isolated\n",
			want:    "invalid configuration",
		},
		{
			name:    "sftp without settings",
			file:    "goalflow.yaml",
			content: "workspace: T1\ncache:\n  store: sftp\n",
			want:    "invalid configuration",
		},
		{
			name:    "cue conflict",
			file:    "goalflow.cue",
			content: "workspace: \"a\"\nworkspace: \"b\"\n",
			want:    "failed to",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := Load(context.Background(), path)
			if !goal.IsConfiguration(err) {
				t.Fatalf("Expected a configuration error, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to contain %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	if got := FindConfig(dir); got != "" {
		t.Errorf("Expected no config, got: %s", got)
	}
	path := writeFile(t, dir, "goalflow.cue", "workspace: \"x\"\n")
	if got := FindConfig(dir); got != path {
		t.Errorf("Expected %s, got: %s", path, got)
	}
}

func TestSchemaRegistry(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	if got := sr.ListSchemas(); len(got) != 2 || got[0] != SchemaConfig || got[1] != SchemaRules {
		t.Errorf("Unexpected schemas: %v", got)
	}

	valid := map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{
				"name":  "build",
				"goals": []interface{}{"lock"},
			},
		},
	}
	if err := sr.ValidateAgainstSchema(ctx, SchemaRules, valid); err != nil {
		t.Errorf("Expected valid rules, got: %v", err)
	}

	invalid := map[string]interface{}{
		"rules": []interface{}{
			map[string]interface{}{"name": "build", "goals": []interface{}{"unlock"}},
		},
	}
	if err := sr.ValidateAgainstSchema(ctx, SchemaRules, invalid); err == nil {
		t.Error("Expected an unknown shorthand to be rejected")
	}

	if err := sr.ValidateAgainstSchema(ctx, "missing", valid); err == nil {
		t.Error("Expected an unknown schema to be rejected")
	}
}
