package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for goal delivery.
// A nil or disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	// Goal set metrics
	goalSetsCreated *prometheus.CounterVec

	// Goal metrics
	goalsDispatched *prometheus.CounterVec
	goalsCompleted  *prometheus.CounterVec
	goalDuration    *prometheus.HistogramVec
	goalsSkipped    prometheus.Counter
	claimsRejected  prometheus.Counter

	// Cache metrics
	cacheOperations *prometheus.CounterVec
	cacheDuration   *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// System metrics
	activeGoals prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		goalSetsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goal_sets_created_total",
				Help:      "Total number of goal sets assembled from pushes",
			},
			[]string{"workspace"},
		),

		goalsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goals_dispatched_total",
				Help:      "Total number of goals handed to an executor",
			},
			[]string{"mode"},
		),
		goalsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goals_completed_total",
				Help:      "Total number of goal executions by resulting state",
			},
			[]string{"state"},
		),
		goalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "goal_duration_seconds",
				Help:      "Duration of goal execution in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		goalsSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goals_skipped_total",
				Help:      "Total number of goals skipped because a precondition failed",
			},
		),
		claimsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "goal_claims_rejected_total",
				Help:      "Total number of dispatch requests dropped because the goal was already claimed",
			},
		),

		cacheOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Total number of cache operations by result",
			},
			[]string{"operation", "result"},
		),
		cacheDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_operation_duration_seconds",
				Help:      "Duration of cache operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of errors by error kind",
			},
			[]string{"kind", "code"},
		),

		activeGoals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_goals",
				Help:      "Current number of goals being executed",
			},
		),
	}

	registry.MustRegister(
		m.goalSetsCreated,
		m.goalsDispatched,
		m.goalsCompleted,
		m.goalDuration,
		m.goalsSkipped,
		m.claimsRejected,
		m.cacheOperations,
		m.cacheDuration,
		m.errorsByKind,
		m.activeGoals,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordGoalSetCreated increments the counter for assembled goal sets.
func (m *Metrics) RecordGoalSetCreated(workspace string) {
	if !m.enabled() {
		return
	}
	m.goalSetsCreated.WithLabelValues(workspace).Inc()
}

// RecordGoalDispatched records a goal handed to an executor.
func (m *Metrics) RecordGoalDispatched(mode string) {
	if !m.enabled() {
		return
	}
	m.goalsDispatched.WithLabelValues(mode).Inc()
}

// TrackActiveGoal raises the active goals gauge. The returned func lowers it
// again and must be called once the dispatch returns, whatever the outcome.
func (m *Metrics) TrackActiveGoal() func() {
	if !m.enabled() {
		return func() {}
	}
	m.activeGoals.Inc()
	return m.activeGoals.Dec
}

// RecordGoalCompleted records the resulting state and duration of a goal execution.
func (m *Metrics) RecordGoalCompleted(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.goalsCompleted.WithLabelValues(state).Inc()
	m.goalDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordGoalSkipped records a goal skipped by precondition cascade.
func (m *Metrics) RecordGoalSkipped() {
	if !m.enabled() {
		return
	}
	m.goalsSkipped.Inc()
}

// RecordClaimRejected records a duplicate dispatch request.
func (m *Metrics) RecordClaimRejected() {
	if !m.enabled() {
		return
	}
	m.claimsRejected.Inc()
}

// RecordCacheOperation records a cache operation (put, retrieve, remove) and its
// result (hit, miss, stored, removed, error).
func (m *Metrics) RecordCacheOperation(operation, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cacheOperations.WithLabelValues(operation, result).Inc()
	m.cacheDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an error by kind and optionally by code.
func (m *Metrics) RecordError(kind, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing metrics until ctx is done.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.enabled() || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}
