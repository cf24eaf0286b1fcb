package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for pipeline runs, component steps,
// archives and connector deliveries. A Metrics built with Enabled=false is
// a no-op; every Record method is safe to call on it.
type Metrics struct {
	config MetricsConfig

	// Pipeline runs
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    *prometheus.GaugeVec

	// Component steps
	stepDuration *prometheus.HistogramVec
	stepErrors   *prometheus.CounterVec

	// Errors
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Archives
	archivesSaved  prometheus.Counter
	archivesLoaded *prometheus.CounterVec

	// Connector
	deliveries *prometheus.CounterVec

	// Batches
	batchSize prometheus.Histogram

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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"phase"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"phase", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"phase", "status"},
		),
		activeRuns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_active_runs",
				Help:      "Current number of in-flight pipeline runs",
			},
			[]string{"phase"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "component_step_duration_seconds",
				Help:      "Duration of a single component train or process step",
				Buckets:   buckets,
			},
			[]string{"component", "phase"},
		),
		stepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "component_step_errors_total",
				Help:      "Total number of failed component steps",
			},
			[]string{"component", "phase"},
		),
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
		archivesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_saved_total",
				Help:      "Total number of model archives written",
			},
		),
		archivesLoaded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "archives_loaded_total",
				Help:      "Total number of model archive load attempts",
			},
			[]string{"status"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connector_deliveries_total",
				Help:      "Inbound connector deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		batchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_batch_size",
				Help:      "Number of messages per batch inference call",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.stepDuration,
		m.stepErrors,
		m.errorsByClass,
		m.errorsByCode,
		m.archivesSaved,
		m.archivesLoaded,
		m.deliveries,
		m.batchSize,
	)

	return m, nil
}

// NewNopMetrics returns a Metrics that records nothing.
func NewNopMetrics() *Metrics {
	return &Metrics{}
}

// Registry returns the private registry, or nil for a no-op instance.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRunStarted increments the started counter for a phase (train, inference).
func (m *Metrics) RecordRunStarted(phase string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(phase).Inc()
	m.activeRuns.WithLabelValues(phase).Inc()
}

// RecordRunCompleted records a finished run with its status and duration.
func (m *Metrics) RecordRunCompleted(phase, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(phase, status).Inc()
	m.runDuration.WithLabelValues(phase, status).Observe(duration.Seconds())
	m.activeRuns.WithLabelValues(phase).Dec()
}

// RecordStep records one component step.
func (m *Metrics) RecordStep(component, phase string, duration time.Duration, failed bool) {
	if m.stepDuration == nil {
		return
	}
	m.stepDuration.WithLabelValues(component, phase).Observe(duration.Seconds())
	if failed {
		m.stepErrors.WithLabelValues(component, phase).Inc()
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordArchiveSaved counts a written archive.
func (m *Metrics) RecordArchiveSaved() {
	if m.archivesSaved == nil {
		return
	}
	m.archivesSaved.Inc()
}

// RecordArchiveLoaded counts a load attempt.
func (m *Metrics) RecordArchiveLoaded(success bool) {
	if m.archivesLoaded == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.archivesLoaded.WithLabelValues(status).Inc()
}

// RecordDelivery counts an inbound connector delivery by outcome
// (processed, duplicate, ignored_retry, failed).
func (m *Metrics) RecordDelivery(channel, outcome string) {
	if m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

// ObserveBatchSize records the size of a batch inference call.
func (m *Metrics) ObserveBatchSize(n int) {
	if m.batchSize == nil {
		return
	}
	m.batchSize.Observe(float64(n))
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background.
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
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
