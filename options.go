package orkestra

import (
	"fmt"
	"net/http"
	"time"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithMaxAttempts sets the default total attempt bound per logical call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) { c.maxAttempts = n }
}

// WithInitialBackoff sets the base retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) { c.initialBackoff = d }
}

// WithMaxBackoff sets the retry delay ceiling.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) { c.maxBackoff = d }
}

// WithBackoffMultiplier sets the exponential growth factor.
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) { c.backoffMultiplier = f }
}

// WithJitter sets the jitter factor in [0, 1]; the random addition is drawn
// from [0, jitter*delay].
func WithJitter(f float64) Option {
	return func(c *Client) { c.jitter = f }
}

// WithBackoffStrategy selects the retry delay curve.
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(c *Client) { c.backoffStrategy = s }
}

// WithRetryPolicy replaces the default retry policy entirely. The per-request
// MaxAttempts override does not apply to a custom policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
		c.customRetryPolicy = true
	}
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxConcurrent bounds the number of simultaneously dispatched calls.
func WithMaxConcurrent(n int) Option {
	return func(c *Client) { c.maxConcurrent = n }
}

// WithQueueTimeout sets the queue-wait deadline; an entry not admitted in
// time fails with a QueueTimeout classification. Zero disables the deadline.
func WithQueueTimeout(d time.Duration) Option {
	return func(c *Client) { c.queueTimeout = d }
}

// WithCacheTTL sets the default response cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithCacheMaxEntries caps the fast tier; the least recently accessed entry
// is evicted first under pressure. Zero means unbounded.
func WithCacheMaxEntries(n int) Option {
	return func(c *Client) { c.cacheMaxEntries = n }
}

// WithCacheSweepInterval sets the period of the active expiry sweep. Zero
// disables the sweep, leaving lazy eviction only.
func WithCacheSweepInterval(d time.Duration) Option {
	return func(c *Client) { c.cacheSweepInterval = d }
}

// WithCacheStore attaches a persistent slow tier. The store's lifecycle
// belongs to the caller; Close does not close it.
func WithCacheStore(store CacheStore) Option {
	return func(c *Client) { c.cacheStore = store }
}

// WithoutCache disables response caching entirely.
func WithoutCache() Option {
	return func(c *Client) { c.cacheDisabled = true }
}

// WithCacheCondition overrides which descriptors are cacheable. The default
// caches GET only.
func WithCacheCondition(fn func(*RequestDescriptor) bool) Option {
	return func(c *Client) { c.cacheCondition = fn }
}

// WithoutDeduplication disables in-flight request coalescing.
func WithoutDeduplication() Option {
	return func(c *Client) { c.dedupDisabled = true }
}

// WithDedupCondition overrides which descriptors may join an in-flight call.
// The default coalesces safe idempotent verbs.
func WithDedupCondition(fn func(*RequestDescriptor) bool) Option {
	return func(c *Client) { c.dedupCondition = fn }
}

// WithBatching tunes the batch window delay and size cap.
func WithBatching(delay time.Duration, maxSize int) Option {
	return func(c *Client) {
		c.batchDelay = delay
		c.batchMaxSize = maxSize
	}
}

// WithBatchEndpoint sets the default merge endpoint, so requests opt in to
// batching without a per-request BatchURL.
func WithBatchEndpoint(url string) Option {
	return func(c *Client) { c.batchURL = url }
}

// WithoutBatching disables the batch coordinator.
func WithoutBatching() Option {
	return func(c *Client) { c.batchDisabled = true }
}

// WithHTTPClient sets the underlying *http.Client used by the default
// transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithTransport replaces the transport adapter entirely.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithRequestInterceptor appends a request interceptor.
func WithRequestInterceptor(i RequestInterceptor) Option {
	return func(c *Client) { c.interceptors.addRequest(i) }
}

// WithResponseInterceptor appends a response interceptor.
func WithResponseInterceptor(i ResponseInterceptor) Option {
	return func(c *Client) { c.interceptors.addResponse(i) }
}

// WithCircuitBreaker enables the circuit breaker.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) { c.circuitBreaker = NewCircuitBreaker(config) }
}

// WithRateLimiter enables the local token bucket.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) { c.rateLimiter = NewRateLimiter(maxTokens, refillRate) }
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) { c.metrics = NewMetricsCollector() }
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) { c.metrics = collector }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithSimpleLogger enables debug logging to a console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithDebug enables debug logging with the configured logger.
func WithDebug() Option {
	return func(c *Client) { c.debug.Enabled = true }
}

// WithDebugConfig sets the full debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) { c.debug = config }
}

// WithRequestIDGenerator overrides the request ID source used in logs.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) { c.debug.RequestIDGen = gen }
}

// validateConfiguration rejects an invalid configuration at construction.
// Every violation is reported, not just the first.
func (c *Client) validateConfiguration() error {
	var violations []string

	if c.maxAttempts < 1 {
		violations = append(violations, "maxAttempts must be at least 1")
	}
	if c.initialBackoff <= 0 {
		violations = append(violations, "initialBackoff must be positive")
	}
	if c.maxBackoff < c.initialBackoff {
		violations = append(violations, "maxBackoff must be at least initialBackoff")
	}
	if c.backoffMultiplier <= 0 {
		violations = append(violations, "backoffMultiplier must be positive")
	}
	if c.jitter < 0 || c.jitter > 1 {
		violations = append(violations, "jitter must be between 0 and 1")
	}
	if c.backoffStrategy != ExponentialJitter && c.backoffStrategy != DecorrelatedJitter {
		violations = append(violations, "unknown backoff strategy")
	}
	if c.timeout <= 0 {
		violations = append(violations, "timeout must be positive")
	}
	if c.maxConcurrent < 1 {
		violations = append(violations, "maxConcurrent must be at least 1")
	}
	if c.queueTimeout < 0 {
		violations = append(violations, "queueTimeout must not be negative")
	}
	if !c.cacheDisabled {
		if c.cacheTTL <= 0 {
			violations = append(violations, "cacheTTL must be positive when caching is enabled")
		}
		if c.cacheMaxEntries < 0 {
			violations = append(violations, "cacheMaxEntries must not be negative")
		}
		if c.cacheSweepInterval < 0 {
			violations = append(violations, "cacheSweepInterval must not be negative")
		}
		if c.cacheCondition == nil {
			violations = append(violations, "cacheCondition must not be nil")
		}
	}
	if !c.dedupDisabled && c.dedupCondition == nil {
		violations = append(violations, "dedupCondition must not be nil")
	}
	if !c.batchDisabled {
		if c.batchDelay <= 0 {
			violations = append(violations, "batch delay must be positive")
		}
		if c.batchMaxSize < 1 {
			violations = append(violations, "batch maxSize must be at least 1")
		}
	}
	if c.httpClient == nil && c.transport == nil {
		violations = append(violations, "http client must not be nil")
	}
	if c.debug == nil {
		violations = append(violations, "debug config must not be nil")
	} else if c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			violations = append(violations, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			violations = append(violations, "logger must be set when debug is enabled")
		}
	}
	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens <= 0 {
			violations = append(violations, "rateLimiter maxTokens must be positive")
		}
		if c.rateLimiter.refillRate <= 0 {
			violations = append(violations, "rateLimiter refillRate must be positive")
		}
	}

	if len(violations) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("violations: %v", violations),
		}
	}
	return nil
}
