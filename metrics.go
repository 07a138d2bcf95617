package orkestra

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// the orchestration layers. It is safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec
	cacheEvictions *prometheus.CounterVec

	dedupJoins *prometheus.CounterVec

	batchWindowsSealed *prometheus.CounterVec
	batchWindowSize    *prometheus.HistogramVec

	queueDepth    prometheus.Gauge
	queueWait     prometheus.Histogram
	queueTimeouts prometheus.Counter

	circuitBreakerState *prometheus.GaugeVec
	rateLimiterTokens   *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer, e.g. a fresh registry per test.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_requests_total",
				Help: "Total number of logical requests settled",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orkestra_request_duration_seconds",
				Help:    "Duration of logical requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orkestra_requests_in_flight",
				Help: "Number of logical requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"method", "endpoint"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"method", "endpoint"},
		),
		cacheSize: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orkestra_cache_size",
				Help: "Current number of entries in the response cache",
			},
			[]string{"tier"},
		),
		cacheEvictions: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_cache_evictions_total",
				Help: "Total number of capacity evictions from the response cache",
			},
			[]string{"tier"},
		),
		dedupJoins: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_dedup_joins_total",
				Help: "Total number of requests joined to an in-flight call",
			},
			[]string{"method", "endpoint"},
		),
		batchWindowsSealed: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_batch_windows_sealed_total",
				Help: "Total number of batch windows sealed",
			},
			[]string{"endpoint"},
		),
		batchWindowSize: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orkestra_batch_window_size",
				Help:    "Number of sub-requests per sealed batch window",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
			[]string{"endpoint"},
		),
		queueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "orkestra_queue_depth",
				Help: "Number of requests waiting for scheduler admission",
			},
		),
		queueWait: promauto.With(registry).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orkestra_queue_wait_seconds",
				Help:    "Time spent waiting for scheduler admission",
				Buckets: prometheus.DefBuckets,
			},
		),
		queueTimeouts: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "orkestra_queue_timeouts_total",
				Help: "Total number of requests failed at the queue wait deadline",
			},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orkestra_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orkestra_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "orkestra_errors_total",
				Help: "Total number of errors by classification",
			},
			[]string{"type", "method", "endpoint"},
		),
	}
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, code, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, code, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(method, endpoint).Inc()
}

// RecordCacheSize sets the cache size gauge for a tier.
func (mc *MetricsCollector) RecordCacheSize(tier string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(tier).Set(float64(size))
}

// RecordCacheEviction counts a capacity eviction.
func (mc *MetricsCollector) RecordCacheEviction(tier string) {
	if mc == nil {
		return
	}
	mc.cacheEvictions.WithLabelValues(tier).Inc()
}

// RecordDedupJoin increments the in-flight join counter.
func (mc *MetricsCollector) RecordDedupJoin(method, endpoint string) {
	if mc == nil {
		return
	}
	mc.dedupJoins.WithLabelValues(method, endpoint).Inc()
}

// RecordBatchWindow records a sealed window and its size.
func (mc *MetricsCollector) RecordBatchWindow(endpoint string, size int) {
	if mc == nil {
		return
	}
	mc.batchWindowsSealed.WithLabelValues(endpoint).Inc()
	mc.batchWindowSize.WithLabelValues(endpoint).Observe(float64(size))
}

// RecordQueueDepth sets the scheduler queue depth gauge.
func (mc *MetricsCollector) RecordQueueDepth(depth int) {
	if mc == nil {
		return
	}
	mc.queueDepth.Set(float64(depth))
}

// RecordQueueWait observes the admission wait of one entry.
func (mc *MetricsCollector) RecordQueueWait(wait time.Duration) {
	if mc == nil {
		return
	}
	mc.queueWait.Observe(wait.Seconds())
}

// RecordQueueTimeout counts a queue-wait deadline failure.
func (mc *MetricsCollector) RecordQueueTimeout() {
	if mc == nil {
		return
	}
	mc.queueTimeouts.Inc()
}

// RecordCircuitBreakerState sets the breaker state gauge.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordRateLimiterTokens sets the available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens int) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(name).Set(float64(tokens))
}

// RecordError increments the error counter by classification.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// Stats is a read-only snapshot of the client's internal counters, cheap
// enough to poll. It has no side effects.
type Stats struct {
	CacheSize    int
	CacheHits    int64
	CacheMisses  int64
	HitRate      float64
	InFlight     int
	QueueDepth   int
	ActiveCalls  int
	Retries      int64
	BatchWindows int64
	Errors       int64
}

// statCounters are atomic counters backing Stats, maintained independently
// of the Prometheus collector so Stats works without one.
type statCounters struct {
	cacheHits    int64
	cacheMisses  int64
	retries      int64
	batchWindows int64
	errors       int64
}

func (s *statCounters) addCacheHit()    { atomic.AddInt64(&s.cacheHits, 1) }
func (s *statCounters) addCacheMiss()   { atomic.AddInt64(&s.cacheMisses, 1) }
func (s *statCounters) addRetry()       { atomic.AddInt64(&s.retries, 1) }
func (s *statCounters) addBatchWindow() { atomic.AddInt64(&s.batchWindows, 1) }
func (s *statCounters) addError()       { atomic.AddInt64(&s.errors, 1) }
