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

// Metrics provides Prometheus metrics for task execution.
type Metrics struct {
	config MetricsConfig

	tasksStarted   *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec

	unitsCompleted *prometheus.CounterVec

	cliCalls    *prometheus.CounterVec
	cliDuration *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	errorsByKind  *prometheus.CounterVec
	secretDeletes *prometheus.CounterVec

	activeTasks prometheus.Gauge

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

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_started_total",
				Help:      "Total number of tasks started",
			},
			[]string{"kind", "run_type"},
		),
		tasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_completed_total",
				Help:      "Total number of tasks completed",
			},
			[]string{"kind", "status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of task execution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),
		unitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_completed_total",
				Help:      "Total number of progress units closed",
			},
			[]string{"unit", "status"},
		),
		cliCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cli_calls_total",
				Help:      "Total number of terragrunt verb invocations",
			},
			[]string{"verb", "result"},
		),
		cliDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cli_call_duration_seconds",
				Help:      "Duration of terragrunt verb invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"verb"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_fetches_total",
				Help:      "Total number of remote store fetches",
			},
			[]string{"store", "artifact", "result"},
		),
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_uploads_total",
				Help:      "Total number of artifacts uploaded to the file service",
			},
			[]string{"bucket"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of task failures by error kind",
			},
			[]string{"kind"},
		),
		secretDeletes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_secret_deletes_total",
				Help:      "Plan secret deletions attempted during cleanup",
			},
			[]string{"result"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of running tasks",
			},
		),
	}

	registry.MustRegister(
		m.tasksStarted,
		m.tasksCompleted,
		m.taskDuration,
		m.unitsCompleted,
		m.cliCalls,
		m.cliDuration,
		m.fetches,
		m.uploads,
		m.errorsByKind,
		m.secretDeletes,
		m.activeTasks,
	)

	return m, nil
}

// RecordTaskStarted increments the counter for started tasks.
func (m *Metrics) RecordTaskStarted(kind, runType string) {
	if m == nil || m.tasksStarted == nil {
		return
	}
	m.tasksStarted.WithLabelValues(kind, runType).Inc()
	m.activeTasks.Inc()
}

// RecordTaskCompleted records a finished task with its status and duration.
func (m *Metrics) RecordTaskCompleted(kind, status string, duration time.Duration) {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.activeTasks.Dec()
}

// RecordUnit records a progress unit reaching a terminal status.
func (m *Metrics) RecordUnit(unit, status string) {
	if m == nil || m.unitsCompleted == nil {
		return
	}
	m.unitsCompleted.WithLabelValues(unit, status).Inc()
}

// RecordCLICall records one terragrunt verb invocation.
func (m *Metrics) RecordCLICall(verb, result string, duration time.Duration) {
	if m == nil || m.cliCalls == nil {
		return
	}
	m.cliCalls.WithLabelValues(verb, result).Inc()
	m.cliDuration.WithLabelValues(verb).Observe(duration.Seconds())
}

// RecordFetch records a remote store fetch.
func (m *Metrics) RecordFetch(store, artifact string, err error) {
	if m == nil || m.fetches == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.fetches.WithLabelValues(store, artifact, result).Inc()
}

// RecordUpload records an artifact upload into a bucket.
func (m *Metrics) RecordUpload(bucket string) {
	if m == nil || m.uploads == nil {
		return
	}
	m.uploads.WithLabelValues(bucket).Inc()
}

// RecordError records a task failure by error kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// RecordSecretDelete records a best-effort plan secret deletion.
func (m *Metrics) RecordSecretDelete(ok bool) {
	if m == nil || m.secretDeletes == nil {
		return
	}
	result := "deleted"
	if !ok {
		result = "failed"
	}
	m.secretDeletes.WithLabelValues(result).Inc()
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

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context) error {
	if !m.config.Enabled {
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
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
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
