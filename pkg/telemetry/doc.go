// Package telemetry provides observability for goal delivery.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an asynchronous event publisher
// for goal lifecycle notifications.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// Component loggers carry goal identity fields:
//
//	logger := tel.Logger.NewComponentLogger("dispatcher")
//	logger.WithGoal(setID, goalID, "compile", sha).Info("Goal started")
//
// Library packages take the underlying zerolog.Logger from Logger.Zerolog.
//
// # Tracing
//
// Spans cover push handling, goal execution and cache operations:
//
//	ctx, span := tel.Tracer.StartGoalSpan(ctx, setID, goalID, "compile", "in_process")
//	defer span.End()
//
// Supported exporters: "otlp" (gRPC), "stdout" and "none".
//
// # Metrics
//
// Metrics live in a private registry and are served at the configured path:
//
//   - goalflow_goal_sets_created_total{workspace}
//   - goalflow_goals_dispatched_total{mode}
//   - goalflow_goals_completed_total{state}
//   - goalflow_goal_duration_seconds{state}
//   - goalflow_goals_skipped_total
//   - goalflow_goal_claims_rejected_total
//   - goalflow_cache_operations_total{operation,result}
//   - goalflow_errors_by_kind_total{kind,code}
//   - goalflow_active_goals
//
// A nil or disabled Metrics, Tracer or EventPublisher is a no-op, so callers
// never need to check whether telemetry is configured.
//
// # Events
//
// One goal.failed event is published per root failure, carrying the retry
// command. Goals skipped by the precondition cascade publish goal.skipped only:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeGoalFailed))
//
// The events section of the configuration attaches sinks at startup: "log"
// writes events to the log, "file" appends them as JSON lines for notifiers
// running outside the process. "min_level" and "types" narrow what is sent.
package telemetry
