package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcher_DebouncesReloads(t *testing.T) {
	dir := t.TempDir()
	rules := writeFile(t, dir, "rules.yaml", "rules: []\n")
	policies := filepath.Join(dir, "policies")
	writeFile(t, dir, "policies/a.rego", "package a\n")

	var reloads atomic.Int32
	w := NewWatcher([]string{rules, policies}, 100*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			reloads.Add(1)
			return nil
		})
	}()

	// Give the watcher time to register its directories.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(rules, []byte("rules: []\n# edit\n"), 0644); err != nil {
			t.Fatalf("Failed to write rules: %v", err)
		}
	}
	writeFile(t, dir, "policies/b.rego", "package b\n")
	writeFile(t, dir, "unrelated.txt", "x")

	deadline := time.Now().Add(3 * time.Second)
	for reloads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned an error: %v", err)
	}
	if got := reloads.Load(); got != 1 {
		t.Errorf("Expected one debounced reload, got: %d", got)
	}
}
