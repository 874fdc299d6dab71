package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workflow engine.
type Metrics struct {
	config MetricsConfig

	// Sync metrics
	syncRuns        *prometheus.CounterVec
	syncRunDuration *prometheus.HistogramVec
	syncDocuments   *prometheus.CounterVec

	// Lifecycle metrics
	transitions *prometheus.CounterVec

	// Analysis metrics
	analysisPasses   *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
	analysisIssues   *prometheus.CounterVec

	// Publish metrics
	publishAttempts        *prometheus.CounterVec
	publishAttemptDuration *prometheus.HistogramVec
	publishFallbacks       *prometheus.CounterVec
	publishCost            *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Queue metrics
	queuedAnalysis      prometheus.Gauge
	pendingPublishTasks prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Sync metrics
		syncRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_runs_total",
				Help:      "Total number of sync runs completed",
			},
			[]string{"status"},
		),
		syncRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_run_duration_seconds",
				Help:      "Duration of sync runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		syncDocuments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_documents_total",
				Help:      "Total number of documents reconciled during sync",
			},
			[]string{"outcome"},
		),

		// Lifecycle metrics
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of lifecycle transitions by edge",
			},
			[]string{"from_state", "to_state"},
		),

		// Analysis metrics
		analysisPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_passes_total",
				Help:      "Total number of analysis passes",
			},
			[]string{"status"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Duration of analysis passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		analysisIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_issues_total",
				Help:      "Total number of analysis issues by origin",
			},
			[]string{"origin"},
		),

		// Publish metrics
		publishAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_attempts_total",
				Help:      "Total number of publish attempts",
			},
			[]string{"provider", "status"},
		),
		publishAttemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "publish_attempt_duration_seconds",
				Help:      "Duration of publish attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"provider"},
		),
		publishFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_fallbacks_total",
				Help:      "Total number of provider fallbacks",
			},
			[]string{"from_provider", "to_provider"},
		),
		publishCost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_cost_total",
				Help:      "Accumulated publish cost by provider",
			},
			[]string{"provider"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// Queue metrics
		queuedAnalysis: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_analysis_units",
				Help:      "Current number of units queued for analysis",
			},
		),
		pendingPublishTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_publish_tasks",
				Help:      "Current number of publish tasks waiting or backing off",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.syncRuns,
		m.syncRunDuration,
		m.syncDocuments,
		m.transitions,
		m.analysisPasses,
		m.analysisDuration,
		m.analysisIssues,
		m.publishAttempts,
		m.publishAttemptDuration,
		m.publishFallbacks,
		m.publishCost,
		m.errorsByClass,
		m.errorsByCode,
		m.queuedAnalysis,
		m.pendingPublishTasks,
	)

	return m, nil
}

// Sync Metrics

// RecordSyncRun records a completed sync run with its status and duration.
func (m *Metrics) RecordSyncRun(status string, duration time.Duration) {
	if m.syncRuns == nil {
		return
	}
	m.syncRuns.WithLabelValues(status).Inc()
	m.syncRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSyncDocument records one reconciled document by outcome
// (created, updated, skipped, error).
func (m *Metrics) RecordSyncDocument(outcome string) {
	if m.syncDocuments == nil {
		return
	}
	m.syncDocuments.WithLabelValues(outcome).Inc()
}

// Lifecycle Metrics

// RecordTransition records one lifecycle transition by edge.
func (m *Metrics) RecordTransition(fromState, toState string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(fromState, toState).Inc()
}

// Analysis Metrics

// RecordAnalysisPass records a completed analysis pass with its status and duration.
func (m *Metrics) RecordAnalysisPass(status string, duration time.Duration) {
	if m.analysisPasses == nil {
		return
	}
	m.analysisPasses.WithLabelValues(status).Inc()
	m.analysisDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordAnalysisIssues adds issue counts by origin (rule, ai, merged).
func (m *Metrics) RecordAnalysisIssues(origin string, count int) {
	if m.analysisIssues == nil || count <= 0 {
		return
	}
	m.analysisIssues.WithLabelValues(origin).Add(float64(count))
}

// Publish Metrics

// RecordPublishAttempt records one publish attempt with its outcome.
func (m *Metrics) RecordPublishAttempt(provider, status string, duration time.Duration) {
	if m.publishAttempts == nil {
		return
	}
	m.publishAttempts.WithLabelValues(provider, status).Inc()
	m.publishAttemptDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordPublishFallback records a provider fallback.
func (m *Metrics) RecordPublishFallback(fromProvider, toProvider string) {
	if m.publishFallbacks == nil {
		return
	}
	m.publishFallbacks.WithLabelValues(fromProvider, toProvider).Inc()
}

// AddPublishCost accumulates publish cost for a provider.
func (m *Metrics) AddPublishCost(provider string, cost float64) {
	if m.publishCost == nil || cost <= 0 {
		return
	}
	m.publishCost.WithLabelValues(provider).Add(cost)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Queue Metrics

// SetQueuedAnalysis sets the current depth of the analysis queue.
func (m *Metrics) SetQueuedAnalysis(count float64) {
	if m.queuedAnalysis == nil {
		return
	}
	m.queuedAnalysis.Set(count)
}

// SetPendingPublishTasks sets the current number of scheduled publish tasks.
func (m *Metrics) SetPendingPublishTasks(count float64) {
	if m.pendingPublishTasks == nil {
		return
	}
	m.pendingPublishTasks.Set(count)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
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
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
