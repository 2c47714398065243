package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry manages all Prometheus metrics for the sidequest server.
type Registry struct {
	config   Config
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Job metrics
	jobsTotal       *prometheus.CounterVec
	jobsInFlight    prometheus.Gauge
	jobDuration     *prometheus.HistogramVec
	jobRetriesTotal *prometheus.CounterVec

	// Store metrics
	storeWritesTotal     *prometheus.CounterVec
	storeDegraded        prometheus.Gauge
	storeQueuedWrites    prometheus.Gauge
	storeRecoveriesTotal prometheus.Counter

	// Secrets metrics
	secretsFetchesTotal *prometheus.CounterVec
	breakerState        prometheus.Gauge

	// Activity metrics
	activityEventsTotal *prometheus.CounterVec
	wsClients           prometheus.Gauge
}

// NewRegistry creates a new metrics registry with the given configuration.
func NewRegistry(config Config) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		config:   config,
		registry: reg,
	}

	r.registerHTTPMetrics()
	r.registerJobMetrics()
	r.registerStoreMetrics()
	r.registerSecretsMetrics()
	r.registerActivityMetrics()

	if config.EnableProcessMetrics {
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	if config.EnableRuntimeMetrics {
		reg.MustRegister(collectors.NewGoCollector())
	}

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.registry
}

func (r *Registry) registerHTTPMetrics() {
	ns := r.config.Namespace

	r.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status_code"},
	)

	r.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   r.config.HTTPDurationBuckets,
		},
		[]string{"method", "path"},
	)

	r.registry.MustRegister(r.httpRequestsTotal, r.httpRequestDuration)
}

func (r *Registry) registerJobMetrics() {
	ns := r.config.Namespace

	r.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Total number of jobs reaching a terminal state",
		},
		[]string{"pipeline", "outcome"},
	)

	r.jobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Number of jobs currently executing",
		},
	)

	r.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job execution duration in seconds",
			Buckets:   r.config.JobDurationBuckets,
		},
		[]string{"pipeline"},
	)

	r.jobRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "jobs",
			Name:      "retries_total",
			Help:      "Total number of job retry attempts",
		},
		[]string{"pipeline"},
	)

	r.registry.MustRegister(r.jobsTotal, r.jobsInFlight, r.jobDuration, r.jobRetriesTotal)
}

func (r *Registry) registerStoreMetrics() {
	ns := r.config.Namespace

	r.storeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Total number of job store persistence attempts",
		},
		[]string{"status"},
	)

	r.storeDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "store",
			Name:      "degraded",
			Help:      "Whether the job store is in degraded in-memory mode (0 or 1)",
		},
	)

	r.storeQueuedWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "store",
			Name:      "queued_writes",
			Help:      "Number of writes queued while the store is degraded",
		},
	)

	r.storeRecoveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "store",
			Name:      "recovery_attempts_total",
			Help:      "Total number of store recovery attempts",
		},
	)

	r.registry.MustRegister(r.storeWritesTotal, r.storeDegraded, r.storeQueuedWrites, r.storeRecoveriesTotal)
}

func (r *Registry) registerSecretsMetrics() {
	ns := r.config.Namespace

	r.secretsFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "secrets",
			Name:      "fetches_total",
			Help:      "Total number of secrets fetches by source and status",
		},
		[]string{"source", "status"},
	)

	r.breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "secrets",
			Name:      "circuit_breaker_state",
			Help:      "Secrets circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	r.registry.MustRegister(r.secretsFetchesTotal, r.breakerState)
}

func (r *Registry) registerActivityMetrics() {
	ns := r.config.Namespace

	r.activityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "activity",
			Name:      "events_total",
			Help:      "Total number of activity events recorded",
		},
		[]string{"type"},
	)

	r.wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "activity",
			Name:      "websocket_clients",
			Help:      "Number of connected websocket clients",
		},
	)

	r.registry.MustRegister(r.activityEventsTotal, r.wsClients)
}

// ObserveHTTPRequest records a completed HTTP request.
func (r *Registry) ObserveHTTPRequest(method, path, statusCode string, seconds float64) {
	r.httpRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	r.httpRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

// JobStarted increments the in-flight gauge.
func (r *Registry) JobStarted() {
	r.jobsInFlight.Inc()
}

// JobFinished records a terminal job outcome and its duration.
func (r *Registry) JobFinished(pipeline, outcome string, seconds float64) {
	r.jobsInFlight.Dec()
	r.jobsTotal.WithLabelValues(pipeline, outcome).Inc()
	r.jobDuration.WithLabelValues(pipeline).Observe(seconds)
}

// JobRetried records a retry attempt.
func (r *Registry) JobRetried(pipeline string) {
	r.jobRetriesTotal.WithLabelValues(pipeline).Inc()
}

// StoreWrite records a persistence attempt outcome ("ok", "error", "queued").
func (r *Registry) StoreWrite(status string) {
	r.storeWritesTotal.WithLabelValues(status).Inc()
}

// SetStoreDegraded flips the degraded-mode gauge.
func (r *Registry) SetStoreDegraded(degraded bool) {
	if degraded {
		r.storeDegraded.Set(1)
	} else {
		r.storeDegraded.Set(0)
	}
}

// SetStoreQueuedWrites records the degraded-mode queue depth.
func (r *Registry) SetStoreQueuedWrites(n int) {
	r.storeQueuedWrites.Set(float64(n))
}

// StoreRecoveryAttempt counts one recovery attempt.
func (r *Registry) StoreRecoveryAttempt() {
	r.storeRecoveriesTotal.Inc()
}

// SecretsFetch records a secrets fetch by source ("live", "cache") and status ("ok", "error").
func (r *Registry) SecretsFetch(source, status string) {
	r.secretsFetchesTotal.WithLabelValues(source, status).Inc()
}

// SetBreakerState records the secrets breaker state (0=closed, 1=half-open, 2=open).
func (r *Registry) SetBreakerState(state float64) {
	r.breakerState.Set(state)
}

// ActivityEvent counts a recorded activity entry.
func (r *Registry) ActivityEvent(eventType string) {
	r.activityEventsTotal.WithLabelValues(eventType).Inc()
}

// SetWSClients records the number of connected websocket clients.
func (r *Registry) SetWSClients(n int) {
	r.wsClients.Set(float64(n))
}
