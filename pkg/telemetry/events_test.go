package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestEventPublisher_Synchronous(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	ref := GoalRef{GoalSetID: "set-1", GoalID: "g-1", Goal: "test", Sha: "abc123"}
	if err := ep.PublishGoalSkipped(ref, "Skipped Test because Compile failed", "compile"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.Type != EventTypeGoalSkipped || e.Level != EventLevelInfo {
		t.Errorf("Unexpected event: %+v", e)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be set")
	}
	if e.Data["root"] != "compile" {
		t.Errorf("Expected root compile, got %v", e.Data["root"])
	}
}

func TestEventPublisher_AsyncFlushesOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    10,
		MaxBatchSize:  100,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	ep.Subscribe(func(Event) { wg.Done() }, nil)

	ref := GoalRef{Goal: "compile"}
	_ = ep.PublishGoalRequested(ref)
	_ = ep.PublishGoalInProcess(ref, "in_process")

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected clean shutdown, got: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected both events to be delivered")
	}
}

func TestEventPublisher_NilAndDisabled(t *testing.T) {
	var nilPublisher *EventPublisher
	if err := nilPublisher.PublishGoalRequested(GoalRef{}); err != nil {
		t.Errorf("Expected nil publisher to drop events, got: %v", err)
	}

	disabled, _ := NewEventPublisher(EventsConfig{})
	called := false
	disabled.Subscribe(func(Event) { called = true }, nil)
	_ = disabled.PublishGoalRequested(GoalRef{})
	if called {
		t.Error("Expected disabled publisher not to deliver")
	}
}

func TestAttachSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	cfg := EventsConfig{
		Enabled:    true,
		BufferSize: 10,
		MinLevel:   EventLevelWarning,
		Types:      []string{EventTypeGoalFailed},
		File:       path,
	}
	ep, err := NewEventPublisher(cfg)
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}
	closer, err := attachSinks(ep, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("attachSinks failed: %v", err)
	}

	ref := GoalRef{GoalSetID: "set-1", GoalID: "g-1", Goal: "compile", Sha: "abc123"}
	_ = ep.PublishGoalRequested(ref)
	_ = ep.PublishGoalCanceled(ref, "user:alice")
	_ = ep.PublishGoalFailed(ref, "exit status 2", "goalflow retry g-1")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read event file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected only the failure in the feed, got: %q", lines)
	}
	var e Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if e.Type != EventTypeGoalFailed || e.Data["retry_command"] != "goalflow retry g-1" {
		t.Errorf("Unexpected event: %+v", e)
	}
}

func TestEventPublisher_AsyncKeepsOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		BufferSize:   10,
		MaxBatchSize: 2,
		EnableAsync:  true,
	})
	if err != nil {
		t.Fatalf("Failed to create publisher: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	ref := GoalRef{Goal: "compile"}
	_ = ep.PublishGoalRequested(ref)
	_ = ep.PublishGoalInProcess(ref, "in_process")
	_ = ep.PublishGoalSucceeded(ref, time.Second)

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Expected clean shutdown, got: %v", err)
	}
	want := []string{EventTypeGoalRequested, EventTypeGoalInProcess, EventTypeGoalSucceeded}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delivery order mismatch (-want +got):\n%s", diff)
	}

	if err := ep.PublishGoalRequested(ref); err == nil {
		t.Error("Expected error publishing after shutdown")
	}
}
