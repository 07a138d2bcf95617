// Package orkestra provides a client-side HTTP request orchestration layer
// that composes reliability and efficiency primitives behind one facade:
//
//   - Tiered response caching (sharded in-memory LRU + optional Redis tier)
//   - In-flight deduplication (concurrent identical requests share one call)
//   - Request batching (time and size sealed windows, correlated demux)
//   - Retries with exponential backoff + jitter and Retry-After awareness
//   - Prioritized scheduling with bounded concurrency and queue deadlines
//   - Circuit breaker (closed / open / half-open) and token bucket throttling
//   - Interceptor chain for cross-cutting concerns (auth, tracing, headers)
//   - Prometheus metrics and structured debug logging
//
// Design goals:
//   - Small surface area, functional options configure everything
//   - Every failure carries a single classification assigned at the
//     transport boundary, stable across retries and layers
//   - Safe concurrent use of a single *Client instance
//   - Pluggable transport, cache store, retry policy, logger and metrics
//
// Typical usage:
//
//	client, err := orkestra.New(
//	    orkestra.WithMaxAttempts(3),
//	    orkestra.WithCacheTTL(5*time.Minute),
//	    orkestra.WithMaxConcurrent(10),
//	    orkestra.WithBatchEndpoint("https://api.example.com/batch"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	resp, err := client.Get(ctx, "https://api.example.com/users/42", nil, nil)
//
// Responses served from cache are marked FromCache; joined in-flight calls
// and batched sub-requests are transparent to the caller. The library avoids
// opinionated logging: provide a Logger (e.g. WithSimpleLogger or
// WithLogger wrapping zap) and enable debug flags selectively.
package orkestra
