package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for quire. A nil or disabled *Metrics
// is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Session metrics
	sessionsStarted   prometheus.Counter
	sessionsCompleted *prometheus.CounterVec
	sessionDuration   *prometheus.HistogramVec

	// Engine metrics
	engineInvocations *prometheus.CounterVec
	passDuration      *prometheus.HistogramVec
	engineActive      prometheus.Gauge

	// Bundle metrics
	bundleLookups   *prometheus.CounterVec
	fetchedBytes    prometheus.Counter
	fetchDuration   prometheus.Histogram
	cleanupFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of processing sessions started",
		}),
		sessionsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_completed_total",
				Help:      "Total number of processing sessions completed",
			},
			[]string{"outcome"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Duration of processing sessions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		engineInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_invocations_total",
				Help:      "Total number of native engine invocations",
			},
			[]string{"engine", "outcome"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_pass_duration_seconds",
				Help:      "Duration of a single engine pass in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"engine"},
		),
		engineActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_active",
			Help:      "Number of engine invocations currently in flight",
		}),
		bundleLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bundle_lookups_total",
				Help:      "Bundle lookups by result (hit, fetched, not_found, error)",
			},
			[]string{"result"},
		),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_fetched_bytes_total",
			Help:      "Bytes fetched from remote bundles",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_fetch_duration_seconds",
			Help:      "Duration of remote range fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Intermediate files that could not be deleted",
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsCompleted,
		m.sessionDuration,
		m.engineInvocations,
		m.passDuration,
		m.engineActive,
		m.bundleLookups,
		m.fetchedBytes,
		m.fetchDuration,
		m.cleanupFailures,
	)

	return m, nil
}

// RecordSessionStarted increments the counter for started sessions.
func (m *Metrics) RecordSessionStarted() {
	if m == nil || m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.Inc()
}

// RecordSessionCompleted records a finished session with its outcome.
func (m *Metrics) RecordSessionCompleted(outcome string, duration time.Duration) {
	if m == nil || m.sessionsCompleted == nil {
		return
	}
	m.sessionsCompleted.WithLabelValues(outcome).Inc()
	m.sessionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordEngineInvocation records a finished engine pass.
func (m *Metrics) RecordEngineInvocation(engine, outcome string, duration time.Duration) {
	if m == nil || m.engineInvocations == nil {
		return
	}
	m.engineInvocations.WithLabelValues(engine, outcome).Inc()
	m.passDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// SetEngineActive sets the number of in-flight engine invocations.
func (m *Metrics) SetEngineActive(n int) {
	if m == nil || m.engineActive == nil {
		return
	}
	m.engineActive.Set(float64(n))
}

// RecordBundleLookup records the result of a bundle lookup.
func (m *Metrics) RecordBundleLookup(result string) {
	if m == nil || m.bundleLookups == nil {
		return
	}
	m.bundleLookups.WithLabelValues(result).Inc()
}

// RecordFetch records a completed remote range fetch.
func (m *Metrics) RecordFetch(n int, duration time.Duration) {
	if m == nil || m.fetchedBytes == nil {
		return
	}
	m.fetchedBytes.Add(float64(n))
	m.fetchDuration.Observe(duration.Seconds())
}

// RecordCleanupFailure counts an intermediate file that survived cleanup.
func (m *Metrics) RecordCleanupFailure() {
	if m == nil || m.cleanupFailures == nil {
		return
	}
	m.cleanupFailures.Inc()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves metrics on the configured address until the
// returned server is shut down. It returns nil when there is nothing to serve.
func (m *Metrics) StartMetricsServer(onError func(error)) *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
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
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return server
}
