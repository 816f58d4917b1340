package telemetry_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/openfroyo/goalflow/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")
}

// Example_goalLogging demonstrates goal-scoped structured logging.
func Example_goalLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "debug"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("dispatcher").
		WithGoal("set-1", "goal-1", "compile", "abc123")

	logger.Debug("Restoring cache inputs")
	logger.Info("Goal started")
	logger.WithError(fmt.Errorf("exit status 2")).Error("Goal failed")
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Data["retry_command"])
	}, telemetry.FilterByType(telemetry.EventTypeGoalFailed))

	ref := telemetry.GoalRef{GoalSetID: "set-1", GoalID: "goal-1", Goal: "compile", Sha: "abc123"}
	_ = events.PublishGoalRequested(ref)
	_ = events.PublishGoalFailed(ref, "exit status 2", "goalflow retry goal-1")

	// Output: goal.failed goalflow retry goal-1
}

// Example_eventFile demonstrates the JSON-lines event feed read by notifiers.
func Example_eventFile() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true, BufferSize: 10})
	events.Subscribe(telemetry.JSONLinesSink(os.Stdout), telemetry.FilterByType(telemetry.EventTypeGoalSkipped))

	ref := telemetry.GoalRef{GoalSetID: "set-1", GoalID: "goal-2", Goal: "test", Sha: "abc123"}
	_ = events.Publish(telemetry.Event{
		ID:        "e1",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Type:      telemetry.EventTypeGoalSkipped,
		Source:    "engine",
		GoalSetID: ref.GoalSetID,
		GoalID:    ref.GoalID,
		Goal:      ref.Goal,
		Sha:       ref.Sha,
		Message:   "Skipped Test because Compile failed",
		Level:     telemetry.EventLevelInfo,
	})

	// Output: {"id":"e1","timestamp":"2024-05-01T12:00:00Z","type":"goal.skipped","source":"engine","goal_set_id":"set-1","goal_id":"goal-2","goal":"test","sha":"abc123","message":"Skipped Test because Compile failed","level":"info"}
}

// Example_metrics demonstrates recording goal metrics.
func Example_metrics() {
	metrics, _ := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:   true,
		Namespace: "goalflow",
	})

	metrics.RecordGoalDispatched("in_process")
	done := metrics.TrackActiveGoal()
	metrics.RecordGoalCompleted("success", 3*time.Second)
	metrics.RecordCacheOperation("retrieve", "miss", 10*time.Millisecond)
	done()

	families, _ := metrics.Registry().Gather()
	fmt.Println(len(families) > 0)

	// Output: true
}
