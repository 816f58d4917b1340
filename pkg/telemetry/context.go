package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Telemetry bundles the logger, tracer, metrics and event publisher of one process.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	closers []io.Closer
}

// NewTelemetry builds every component named by cfg and attaches the event sinks.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	t := &Telemetry{Logger: logger, Config: cfg, closers: []io.Closer{logger}}

	t.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	t.Metrics, err = NewMetrics(cfg.Metrics)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	t.Events, err = NewEventPublisher(cfg.Events)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	sink, err := attachSinks(t.Events, cfg.Events, logger.Zerolog())
	if err != nil {
		t.close()
		return nil, err
	}
	if sink != nil {
		t.closers = append(t.closers, sink)
	}
	return t, nil
}

// WithContext stores the logger in ctx for FromContext.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(ctx)
}

// Shutdown drains the events, flushes spans and closes the log and event files.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *Telemetry) close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// StartMetricsServer serves /metrics when metrics are enabled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx)
}
