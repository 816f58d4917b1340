package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/goalflow/pkg/goal"
	"github.com/openfroyo/goalflow/pkg/push"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
}

func readFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
	if err != nil {
		t.Fatalf("Expected %s to exist, got: %v", name, err)
	}
	return string(data)
}

func newTestCache(t *testing.T, opts Options) (*GoalCache, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	opts.TempDir = t.TempDir()
	return New(store, opts, zerolog.Nop(), nil, nil), store
}

func testScope(projectDir string) Scope {
	return Scope{
		Workspace:  "T123",
		Owner:      "acme",
		Repo:       "web",
		Branch:     "main",
		Sha:        "abc123",
		Goal:       "build",
		ProjectDir: projectDir,
		Push: &push.Push{
			Workspace:     "T123",
			Owner:         "acme",
			Repo:          "web",
			Branch:        "main",
			DefaultBranch: "main",
			Sha:           "abc123",
			ProjectDir:    projectDir,
		},
	}
}

func TestGoalCache_RoundTripGlob(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"notes.txt":        "root",
		"docs/guide.txt":   "guide",
		"docs/deep/a.txt":  "deep",
		"docs/readme.md":   "markdown",
		"build/output.log": "log",
	})

	entry := goal.CacheEntry{
		Classifier: "text-${sha}",
		Pattern:    goal.Pattern{GlobPattern: []string{"**/*.txt"}},
	}
	handle, err := c.Put(ctx, testScope(src), entry)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if handle == "" {
		t.Fatal("Expected a store handle")
	}

	dest := t.TempDir()
	if err := c.Retrieve(ctx, testScope(dest), "text-${sha}"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for name, want := range map[string]string{
		"notes.txt":       "root",
		"docs/guide.txt":  "guide",
		"docs/deep/a.txt": "deep",
	} {
		if got := readFile(t, dest, name); got != want {
			t.Errorf("Expected %s to contain %q, got: %q", name, want, got)
		}
	}
	for _, name := range []string{"docs/readme.md", "build/output.log"} {
		if _, err := os.Stat(filepath.Join(dest, name)); !os.IsNotExist(err) {
			t.Errorf("Expected %s not to be restored", name)
		}
	}
}

// A dependency directory cached by one checkout restores into a fresh one.
func TestGoalCache_NodeModulesIntoFreshCheckout(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{})

	first := t.TempDir()
	writeFiles(t, first, map[string]string{
		"package.json":                       `{"name":"web"}`,
		"node_modules/left-pad/index.js":     "module.exports = pad",
		"node_modules/left-pad/package.json": `{"name":"left-pad"}`,
		"node_modules/.bin/tool":             "#!/bin/sh",
	})

	entry := goal.CacheEntry{
		Classifier: "npm-${branch}",
		Pattern:    goal.Pattern{Directory: "node_modules"},
	}
	if _, err := c.Put(ctx, testScope(first), entry); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	fresh := t.TempDir()
	writeFiles(t, fresh, map[string]string{"package.json": `{"name":"web"}`})
	if err := c.Restore(ctx, testScope(fresh), "npm-${branch}"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := readFile(t, fresh, "node_modules/left-pad/index.js"); got != "module.exports = pad" {
		t.Errorf("Unexpected restored content: %q", got)
	}
	if got := readFile(t, fresh, "node_modules/.bin/tool"); got != "#!/bin/sh" {
		t.Errorf("Unexpected restored content: %q", got)
	}
}

func TestGoalCache_UnknownClassifierIsCacheMiss(t *testing.T) {
	c, _ := newTestCache(t, Options{TolerateFailure: true})

	err := c.Retrieve(context.Background(), testScope(t.TempDir()), "never-stored")
	if !goal.IsCacheMiss(err) {
		t.Fatalf("Expected cache miss, got: %v", err)
	}
}

func TestGoalCache_PutWithoutMatchesStoresNothing(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Options{})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"main.go": "package main"})

	handle, err := c.Put(ctx, testScope(src), goal.CacheEntry{
		Classifier: "text",
		Pattern:    goal.Pattern{GlobPattern: []string{"**/*.txt"}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if handle != "" {
		t.Errorf("Expected no handle, got: %s", handle)
	}
	if _, err := os.Stat(store.path("T123/text")); !os.IsNotExist(err) {
		t.Error("Expected no archive to be written")
	}
}

func TestGoalCache_Remove(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a"})
	entry := goal.CacheEntry{Classifier: "text", Pattern: goal.Pattern{GlobPattern: []string{"*.txt"}}}
	if _, err := c.Put(ctx, testScope(src), entry); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := c.Remove(ctx, testScope(src), "text"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := c.Retrieve(ctx, testScope(t.TempDir()), "text"); !goal.IsCacheMiss(err) {
		t.Errorf("Expected cache miss after remove, got: %v", err)
	}
	if err := c.Remove(ctx, testScope(src), "text"); err != nil {
		t.Errorf("Expected removing a missing entry to succeed, got: %v", err)
	}
}

func TestGoalCache_RestoreFallbacks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{})

	var ran []string
	record := func(name string) func(context.Context, Scope) error {
		return func(_ context.Context, scope Scope) error {
			ran = append(ran, name)
			return os.WriteFile(filepath.Join(scope.ProjectDir, name), []byte(name), 0644)
		}
	}

	fallbacks := []Fallback{
		{Name: "feature-only", Test: push.Not(push.ToDefaultBranch()), Action: record("feature-only")},
		ClassifierFallback("main-archive", "missing-too", nil),
		{Name: "install", Action: record("install")},
		{Name: "never", Action: record("never")},
	}

	dest := t.TempDir()
	if err := c.Restore(ctx, testScope(dest), "npm", fallbacks...); err != nil {
		t.Fatalf("Expected fallback to repair the miss, got: %v", err)
	}
	if len(ran) != 1 || ran[0] != "install" {
		t.Errorf("Expected only the install fallback to run, got: %v", ran)
	}
}

func TestGoalCache_RestoreHitSkipsFallbacks(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, Options{})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a"})
	entry := goal.CacheEntry{Classifier: "text", Pattern: goal.Pattern{GlobPattern: []string{"*.txt"}}}
	if _, err := c.Put(ctx, testScope(src), entry); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	called := false
	fb := Fallback{Name: "install", Action: func(context.Context, Scope) error {
		called = true
		return nil
	}}
	if err := c.Restore(ctx, testScope(t.TempDir()), "text", fb); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if called {
		t.Error("Expected fallback not to run on a hit")
	}
}

func TestGoalCache_RestoreUnrepairedMiss(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	fb := ScriptFallback("broken", "exit 3", nil)
	err := c.Restore(context.Background(), testScope(t.TempDir()), "npm", fb)
	if !goal.IsCacheMiss(err) {
		t.Errorf("Expected the original cache miss, got: %v", err)
	}
}

func TestGoalCache_ScriptFallback(t *testing.T) {
	c, _ := newTestCache(t, Options{})

	dest := t.TempDir()
	fb := ScriptFallback("install", "mkdir -p node_modules && echo ok > node_modules/marker", push.ToDefaultBranch())
	if err := c.Restore(context.Background(), testScope(dest), "npm", fb); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := readFile(t, dest, "node_modules/marker"); got != "ok\n" {
		t.Errorf("Expected marker written by fallback, got: %q", got)
	}
}

func TestGoalCache_Sweep(t *testing.T) {
	ctx := context.Background()
	c, store := newTestCache(t, Options{})

	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a"})
	for _, cls := range []string{"old", "new"} {
		entry := goal.CacheEntry{Classifier: cls, Pattern: goal.Pattern{GlobPattern: []string{"*.txt"}}}
		if _, err := c.Put(ctx, testScope(src), entry); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(store.path("T123/old"), past, past); err != nil {
		t.Fatalf("Failed to age archive: %v", err)
	}

	removed, err := c.Sweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 archive removed, got: %d", removed)
	}
	if err := c.Retrieve(ctx, testScope(t.TempDir()), "new"); err != nil {
		t.Errorf("Expected recent archive to survive, got: %v", err)
	}
}

type failingStore struct{}

func (failingStore) Store(context.Context, string, string) (string, error) {
	return "", os.ErrPermission
}
func (failingStore) Retrieve(context.Context, string, string) error { return os.ErrPermission }
func (failingStore) Delete(context.Context, string) error           { return os.ErrPermission }

func TestGoalCache_StoreFailures(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"a.txt": "a"})
	entry := goal.CacheEntry{Classifier: "text", Pattern: goal.Pattern{GlobPattern: []string{"*.txt"}}}

	strict := New(failingStore{}, Options{TempDir: t.TempDir()}, zerolog.Nop(), nil, nil)
	if _, err := strict.Put(ctx, testScope(src), entry); !goal.IsTransient(err) {
		t.Errorf("Expected transient error, got: %v", err)
	}
	if err := strict.Retrieve(ctx, testScope(src), "text"); !goal.IsTransient(err) {
		t.Errorf("Expected transient error, got: %v", err)
	}

	tolerant := New(failingStore{}, Options{TempDir: t.TempDir(), TolerateFailure: true}, zerolog.Nop(), nil, nil)
	if _, err := tolerant.Put(ctx, testScope(src), entry); err != nil {
		t.Errorf("Expected failure to be tolerated, got: %v", err)
	}
	if err := tolerant.Restore(ctx, testScope(src), "text"); err != nil {
		t.Errorf("Expected failure to be tolerated, got: %v", err)
	}
}
