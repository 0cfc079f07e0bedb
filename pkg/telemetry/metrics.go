package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the engine. A zero-config
// (disabled) Metrics is a safe no-op, so callers never nil-check.
type Metrics struct {
	config MetricsConfig

	// Apply metrics
	appliesStarted   *prometheus.CounterVec
	appliesCompleted *prometheus.CounterVec
	applyDuration    *prometheus.HistogramVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Coordination metrics
	lockConflicts    *prometheus.CounterVec
	versionConflicts *prometheus.CounterVec

	// Promotion metrics
	promotions *prometheus.CounterVec

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

		appliesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_started_total",
				Help:      "Total number of applies started",
			},
			[]string{"environment"},
		),
		appliesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "applies_completed_total",
				Help:      "Total number of applies completed",
			},
			[]string{"environment", "status"},
		),
		applyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "apply_duration_seconds",
				Help:      "Duration of apply execution in seconds",
				Buckets:   buckets,
			},
			[]string{"environment", "status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of plan actions executed",
			},
			[]string{"operation", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of plan action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "resource_type"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of provisioning adapter calls",
			},
			[]string{"resource_type", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of provisioning adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of provisioning adapter errors",
			},
			[]string{"resource_type", "operation"},
		),

		lockConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_conflicts_total",
				Help:      "Total number of lock acquisitions refused because another holder was active",
			},
			[]string{"lock"},
		),
		versionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "version_conflicts_total",
				Help:      "Total number of optimistic-concurrency write rejections",
			},
			[]string{"environment"},
		),

		promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "promotions_total",
				Help:      "Total number of service promotions",
			},
			[]string{"from", "to", "status"},
		),
	}

	registry.MustRegister(
		m.appliesStarted,
		m.appliesCompleted,
		m.applyDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.lockConflicts,
		m.versionConflicts,
		m.promotions,
	)

	return m, nil
}

// RecordApplyStarted increments the counter for started applies.
func (m *Metrics) RecordApplyStarted(environment string) {
	if m.appliesStarted == nil {
		return
	}
	m.appliesStarted.WithLabelValues(environment).Inc()
}

// RecordApplyCompleted records a completed apply with its status and duration.
func (m *Metrics) RecordApplyCompleted(environment, status string, duration time.Duration) {
	if m.appliesCompleted == nil {
		return
	}
	m.appliesCompleted.WithLabelValues(environment, status).Inc()
	m.applyDuration.WithLabelValues(environment, status).Observe(duration.Seconds())
}

// RecordAction records the execution of one plan action.
func (m *Metrics) RecordAction(operation, status, resourceType string, duration time.Duration) {
	if m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(operation, status).Inc()
	m.actionDuration.WithLabelValues(operation, resourceType).Observe(duration.Seconds())
}

// RecordAdapterCall records a provisioning adapter call with its duration.
func (m *Metrics) RecordAdapterCall(resourceType, operation string, duration time.Duration) {
	if m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(resourceType, operation).Inc()
	m.adapterDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a provisioning adapter failure.
func (m *Metrics) RecordAdapterError(resourceType, operation string) {
	if m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(resourceType, operation).Inc()
}

// RecordLockConflict records a refused lock acquisition.
func (m *Metrics) RecordLockConflict(lockName string) {
	if m.lockConflicts == nil {
		return
	}
	m.lockConflicts.WithLabelValues(lockName).Inc()
}

// RecordVersionConflict records a rejected optimistic-concurrency write.
func (m *Metrics) RecordVersionConflict(environment string) {
	if m.versionConflicts == nil {
		return
	}
	m.versionConflicts.WithLabelValues(environment).Inc()
}

// RecordPromotion records a service promotion attempt.
func (m *Metrics) RecordPromotion(from, to, status string) {
	if m.promotions == nil {
		return
	}
	m.promotions.WithLabelValues(from, to, status).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return nil
}
