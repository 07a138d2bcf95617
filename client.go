package orkestra

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

// Client is the request orchestration facade. It layers response caching,
// in-flight deduplication, batching, prioritized bounded-concurrency
// scheduling, retries, interceptors and metrics around an opaque transport.
// A single Client is safe for concurrent use; construct one per application
// and pass it explicitly.
type Client struct {
	transport  Transport
	httpClient *http.Client

	maxAttempts       int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	timeout           time.Duration
	retryPolicy       RetryPolicy
	customRetryPolicy bool

	cache              *tieredCache
	cacheTTL           time.Duration
	cacheMaxEntries    int
	cacheSweepInterval time.Duration
	cacheStore         CacheStore
	cacheCondition     func(*RequestDescriptor) bool
	cacheDisabled      bool

	inflight       *inflightRegistry
	dedupCondition func(*RequestDescriptor) bool
	dedupDisabled  bool

	batch         *batchCoordinator
	batchDelay    time.Duration
	batchMaxSize  int
	batchURL      string
	batchDisabled bool

	sched         *scheduler
	maxConcurrent int
	queueTimeout  time.Duration

	interceptors   *interceptorChain
	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter

	metrics *MetricsCollector
	stats   statCounters
	debug   *DebugConfig
	logger  Logger

	closed int32
}

// New constructs a Client from the provided functional options. The
// configuration is closed: every violation is rejected here rather than
// surfacing later as odd behavior.
func New(options ...Option) (*Client, error) {
	c := &Client{
		httpClient:         &http.Client{},
		maxAttempts:        3,
		initialBackoff:     100 * time.Millisecond,
		maxBackoff:         10 * time.Second,
		backoffMultiplier:  2.0,
		jitter:             0.3,
		backoffStrategy:    ExponentialJitter,
		timeout:            30 * time.Second,
		cacheTTL:           5 * time.Minute,
		cacheMaxEntries:    4096,
		cacheSweepInterval: time.Minute,
		cacheCondition:     DefaultCacheCondition,
		dedupCondition:     DefaultDedupCondition,
		batchDelay:         50 * time.Millisecond,
		batchMaxSize:       10,
		maxConcurrent:      10,
		queueTimeout:       time.Minute,
		interceptors:       newInterceptorChain(),
		debug:              DefaultDebugConfig(),
	}

	for _, option := range options {
		option(c)
	}

	if err := c.validateConfiguration(); err != nil {
		return nil, err
	}

	if c.transport == nil {
		c.transport = newHTTPTransport(c.httpClient)
	}
	if c.retryPolicy == nil {
		c.retryPolicy = newDefaultRetryPolicy(c.maxAttempts, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter, c.backoffStrategy)
	}
	if !c.cacheDisabled {
		fast := newMemoryCache(c.cacheMaxEntries, c.cacheSweepInterval)
		fast.onEvict = func() { c.metrics.RecordCacheEviction("memory") }
		c.cache = newTieredCache(fast, c.cacheStore)
	}
	if !c.dedupDisabled {
		c.inflight = newInflightRegistry()
	}
	c.sched = newScheduler(c.maxConcurrent, c.queueTimeout)
	if !c.batchDisabled {
		c.batch = newBatchCoordinator(c.batchDelay, c.batchMaxSize, func(ctx context.Context, d *RequestDescriptor) (*Response, error) {
			return c.schedule(ctx, d, c.requestID())
		})
		c.batch.onSealed = func(batchURL string, size int) {
			c.stats.addBatchWindow()
			c.metrics.RecordBatchWindow(batchURL, size)
		}
	}

	return c, nil
}

// DefaultCacheCondition caches GET responses only.
func DefaultCacheCondition(d *RequestDescriptor) bool {
	return d.Method == http.MethodGet
}

// DefaultDedupCondition coalesces safe idempotent verbs.
func DefaultDedupCondition(d *RequestDescriptor) bool {
	switch d.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Get performs a GET for the address with optional query parameters.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, c.newDescriptor(http.MethodGet, rawURL, params, nil, opts))
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, c.newDescriptor(http.MethodPost, rawURL, nil, body, opts))
}

// Put performs a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, rawURL string, body []byte, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, c.newDescriptor(http.MethodPut, rawURL, nil, body, opts))
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, rawURL string, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, c.newDescriptor(http.MethodDelete, rawURL, nil, nil, opts))
}

func (c *Client) newDescriptor(method, rawURL string, params url.Values, body []byte, opts *RequestOptions) *RequestDescriptor {
	d := &RequestDescriptor{
		Method:   method,
		URL:      rawURL,
		Header:   make(http.Header),
		Body:     body,
		Query:    params,
		Priority: PriorityNormal,
		BatchURL: c.batchURL,
	}
	if len(body) > 0 {
		d.Header.Set("Content-Type", "application/json")
	}
	if opts != nil {
		d.Priority = opts.Priority
		d.TTL = opts.TTL
		d.SkipCache = opts.SkipCache
		d.SkipBatch = opts.SkipBatch
		d.SkipRetry = opts.SkipRetry
		d.MaxAttempts = opts.MaxAttempts
		d.Timeout = opts.Timeout
		if opts.BatchURL != "" {
			d.BatchURL = opts.BatchURL
		}
	}
	return d
}

// Do executes a logical request through the orchestration pipeline. The
// decision order short-circuits on the first hit: fresh cache entry,
// in-flight join, batch window, then direct scheduling. The returned outcome
// settles exactly once per logical call.
func (c *Client) Do(ctx context.Context, d *RequestDescriptor) (*Response, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClosed
	}
	if cerr := d.validate(); cerr != nil {
		c.stats.addError()
		c.metrics.RecordError(cerr.Type, d.Method, d.URL)
		return nil, cerr
	}

	start := time.Now()
	endpoint := endpointOf(d)
	requestID := c.requestID()
	key := d.Key()

	c.debugLog(c.debug.LogRequests, "starting request",
		"requestID", requestID, "method", d.Method, "url", d.URL, "priority", d.Priority.String())

	c.metrics.RecordRequestStart(d.Method, endpoint)
	defer c.metrics.RecordRequestEnd(d.Method, endpoint)

	useCache := c.cache != nil && !d.SkipCache && c.cacheCondition(d)
	if useCache {
		if entry, ok := c.cache.Get(ctx, key); ok {
			c.stats.addCacheHit()
			c.metrics.RecordCacheHit(d.Method, endpoint)
			c.debugLog(c.debug.LogCache, "cache hit", "requestID", requestID, "key", key)
			resp := responseFromEntry(entry)
			c.metrics.RecordRequest(d.Method, endpoint, resp.StatusCode, time.Since(start))
			return resp, nil
		}
		c.stats.addCacheMiss()
		c.metrics.RecordCacheMiss(d.Method, endpoint)
		c.debugLog(c.debug.LogCache, "cache miss", "requestID", requestID, "key", key)
	}

	produce := func(pctx context.Context) (*Response, error) {
		if c.batch != nil && !d.SkipBatch && d.BatchURL != "" {
			c.debugLog(c.debug.LogBatch, "joining batch window",
				"requestID", requestID, "batchURL", d.BatchURL)
			return c.batch.enqueue(pctx, d)
		}
		return c.schedule(pctx, d, requestID)
	}

	var resp *Response
	var err error
	joined := false
	if c.inflight != nil && c.dedupCondition(d) {
		resp, joined, err = c.inflight.do(ctx, key, produce)
		if joined {
			c.metrics.RecordDedupJoin(d.Method, endpoint)
			c.debugLog(c.debug.LogRequests, "joined in-flight call", "requestID", requestID, "key", key)
		}
	} else {
		resp, err = produce(ctx)
	}

	if useCache && !joined && err == nil && resp.StatusCode < 400 {
		ttl := d.TTL
		if ttl <= 0 {
			ttl = c.cacheTTL
		}
		now := time.Now()
		c.cache.Set(ctx, key, &cacheEntry{
			statusCode: resp.StatusCode,
			header:     resp.Header.Clone(),
			body:       resp.Body,
			createdAt:  now,
		}, ttl)
		c.metrics.RecordCacheSize("memory", c.cache.fast.Len())
		c.debugLog(c.debug.LogCache, "response cached", "requestID", requestID, "key", key, "ttl", ttl)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.metrics.RecordRequest(d.Method, endpoint, status, time.Since(start))
	if err != nil {
		c.stats.addError()
		var cerr *ClientError
		if errors.As(err, &cerr) {
			c.metrics.RecordError(cerr.Type, d.Method, endpoint)
		}
	}
	return resp, err
}

// schedule submits the descriptor to the admission queue and runs the
// dispatch loop once a slot is granted.
func (c *Client) schedule(ctx context.Context, d *RequestDescriptor, requestID string) (*Response, error) {
	enqueued := time.Now()
	c.metrics.RecordQueueDepth(c.sched.depth())

	resp, err := c.sched.run(ctx, d.Priority, func() (*Response, error) {
		wait := time.Since(enqueued)
		c.metrics.RecordQueueWait(wait)
		c.debugLog(c.debug.LogQueue, "admitted",
			"requestID", requestID, "wait", wait, "priority", d.Priority.String())
		return c.dispatch(ctx, d, requestID)
	})

	if err != nil && errors.Is(err, ErrQueueTimeout) {
		c.metrics.RecordQueueTimeout()
		c.debugLog(c.debug.LogQueue, "queue wait deadline exceeded", "requestID", requestID)
	}
	c.metrics.RecordQueueDepth(c.sched.depth())
	return resp, err
}

// dispatch is the retry loop. It holds the execution slot for the full
// attempt sequence: each attempt re-enters the interceptor chain, issues one
// physical call and consults the retry policy on classified failure.
func (c *Client) dispatch(ctx context.Context, d *RequestDescriptor, requestID string) (*Response, error) {
	endpoint := endpointOf(d)
	policy := c.effectivePolicy(d)
	var attempts []Attempt

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if c.rateLimiter != nil {
			allowed := c.rateLimiter.Allow()
			c.metrics.RecordRateLimiterTokens("default", c.rateLimiter.Tokens())
			if !allowed {
				c.metrics.RecordError(ErrorTypeThrottled, d.Method, endpoint)
				return nil, &ClientError{
					Type: ErrorTypeThrottled, Message: "local rate limit exceeded",
					RequestID: requestID, Method: d.Method, URL: d.URL, Timestamp: time.Now(),
				}
			}
		}
		if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
			c.metrics.RecordError(ErrorTypeCircuitOpen, d.Method, endpoint)
			return nil, &ClientError{
				Type: ErrorTypeCircuitOpen, Message: "circuit breaker is open",
				RequestID: requestID, Method: d.Method, URL: d.URL, Timestamp: time.Now(),
			}
		}

		if attempt > 0 {
			c.stats.addRetry()
			c.metrics.RecordRetry(d.Method, endpoint, attempt)
		}

		// Interceptors see a fresh clone on every attempt so rotating
		// credentials are re-resolved rather than replayed.
		rd, err := c.interceptors.runRequest(ctx, d.clone())
		if err != nil {
			return nil, err
		}

		callCtx := ctx
		timeout := d.Timeout
		if timeout <= 0 {
			timeout = c.timeout
		}
		var cancel context.CancelFunc
		if timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		resp, err := c.transport.Send(callCtx, rd)
		if cancel != nil {
			cancel()
		}

		a := Attempt{Number: attempt + 1, At: time.Now()}
		var cerr *ClientError
		if err != nil {
			if errors.As(err, &cerr) {
				a.StatusCode = cerr.StatusCode
				a.ErrorType = cerr.Type
				a.Err = cerr.Message
			} else {
				a.Err = err.Error()
			}
		} else {
			a.StatusCode = resp.StatusCode
		}
		attempts = append(attempts, a)

		if c.circuitBreaker != nil {
			if err != nil && cerr != nil && (cerr.Type == ErrorTypeNetwork || cerr.Type == ErrorTypeServer) {
				c.circuitBreaker.RecordFailure()
			} else if err == nil {
				c.circuitBreaker.RecordSuccess()
			}
			c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
		}

		if err == nil {
			resp, rerr := c.interceptors.runResponse(ctx, resp, d)
			if rerr != nil {
				return nil, rerr
			}
			resp.Attempts = attempts
			return resp, nil
		}

		// Unclassified errors (caller cancellation, interceptor rejection)
		// never retry.
		if cerr == nil {
			return nil, err
		}
		cerr.RequestID = requestID

		var delay time.Duration
		retry := false
		if !d.SkipRetry {
			delay, retry = policy.ShouldRetry(cerr, attempt)
		}
		if !retry {
			cerr.Attempt = attempt + 1
			cerr.Attempts = attempts
			return nil, cerr
		}

		attempts[len(attempts)-1].Delay = delay
		c.debugLog(c.debug.LogRetries, "scheduling retry",
			"requestID", requestID, "attempt", attempt+1, "delay", delay, "type", cerr.Type)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// effectivePolicy applies a per-request MaxAttempts override to the default
// policy; a custom policy governs itself.
func (c *Client) effectivePolicy(d *RequestDescriptor) RetryPolicy {
	if c.customRetryPolicy || d.MaxAttempts <= 0 || d.MaxAttempts == c.maxAttempts {
		return c.retryPolicy
	}
	return newDefaultRetryPolicy(d.MaxAttempts, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter, c.backoffStrategy)
}

// Stats returns a read-only snapshot of the client's counters.
func (c *Client) Stats() Stats {
	hits := atomic.LoadInt64(&c.stats.cacheHits)
	misses := atomic.LoadInt64(&c.stats.cacheMisses)
	s := Stats{
		CacheHits:    hits,
		CacheMisses:  misses,
		QueueDepth:   c.sched.depth(),
		ActiveCalls:  c.sched.activeCount(),
		Retries:      atomic.LoadInt64(&c.stats.retries),
		BatchWindows: atomic.LoadInt64(&c.stats.batchWindows),
		Errors:       atomic.LoadInt64(&c.stats.errors),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	if c.cache != nil {
		s.CacheSize = c.cache.fast.Len()
	}
	if c.inflight != nil {
		s.InFlight = c.inflight.size()
	}
	return s
}

// Close flushes open batch windows, rejects queued requests and stops the
// cache sweeper. Dispatched calls run to settlement. An attached CacheStore
// is not closed; its lifecycle belongs to the caller.
func (c *Client) Close() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	if c.batch != nil {
		c.batch.flushAll()
	}
	c.sched.close()
	if c.cache != nil {
		c.cache.Close()
	}
}

func (c *Client) requestID() string {
	if c.debug != nil && c.debug.Enabled && c.debug.RequestIDGen != nil {
		return c.debug.RequestIDGen()
	}
	return ""
}

func (c *Client) debugLog(enabled bool, msg string, kv ...interface{}) {
	if c.debug == nil || !c.debug.Enabled || !enabled || c.logger == nil {
		return
	}
	c.logger.Debug(msg, kv...)
}

// responseFromEntry copies the entry out of the cache. Callers own the
// returned Response; mutating it must not reach back into stored entries.
func responseFromEntry(entry *cacheEntry) *Response {
	body := make([]byte, len(entry.body))
	copy(body, entry.body)
	return &Response{
		StatusCode: entry.statusCode,
		Header:     entry.header.Clone(),
		Body:       body,
		FromCache:  true,
	}
}

// endpointOf reduces an address to host+path for metric labels.
func endpointOf(d *RequestDescriptor) string {
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	endpoint := u.Host
	if u.Path != "" && u.Path != "/" {
		endpoint += u.Path
	} else {
		endpoint += "/"
	}
	return endpoint
}
