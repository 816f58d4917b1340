package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogSink writes every event to logger at the event's level.
func LogSink(logger zerolog.Logger) EventSubscriber {
	return func(e Event) {
		var ev *zerolog.Event
		switch e.Level {
		case EventLevelError:
			ev = logger.Error()
		case EventLevelWarning:
			ev = logger.Warn()
		default:
			ev = logger.Info()
		}
		ev.Str("event", e.Type).
			Str("goal_set_id", e.GoalSetID).
			Str("goal_id", e.GoalID).
			Str("goal", e.Goal).
			Str("sha", e.Sha).
			Fields(e.Data).
			Msg(e.Message)
	}
}

// JSONLinesSink writes every event to w as one JSON document per line.
// Notifiers outside the process tail this feed.
func JSONLinesSink(w io.Writer) EventSubscriber {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(e)
	}
}

// attachSinks subscribes the sinks named by cfg. The returned closer releases
// the event file.
func attachSinks(ep *EventPublisher, cfg EventsConfig, logger zerolog.Logger) (io.Closer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	var filter EventFilter
	if len(cfg.Types) > 0 {
		filter = FilterByType(cfg.Types...)
	}
	if cfg.Log {
		ep.Subscribe(LogSink(logger.With().Str("component", "events").Logger()), filter)
	}
	if cfg.File == "" {
		return nil, nil
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	ep.Subscribe(JSONLinesSink(f), filter)
	return f, nil
}
