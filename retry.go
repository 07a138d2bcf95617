package orkestra

import (
	"time"

	"github.com/rezapriatna/orkestra/internal/backoff"
)

// BackoffStrategy selects the delay curve used between retry attempts.
type BackoffStrategy int

const (
	// ExponentialJitter is base * 2^attempt capped at the ceiling, plus
	// uniform jitter. The default.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter is AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// RetryPolicy decides, per classified failure, whether and after how long to
// re-attempt. attempt is the zero-based index of the attempt that just
// failed; the first failure arrives as attempt 0.
type RetryPolicy interface {
	ShouldRetry(err *ClientError, attempt int) (time.Duration, bool)
}

type defaultRetryPolicy struct {
	maxAttempts int
	calc        *backoff.Calculator
}

func newDefaultRetryPolicy(maxAttempts int, initial, max time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *defaultRetryPolicy {
	var s backoff.Strategy
	switch strategy {
	case DecorrelatedJitter:
		s = backoff.DecorrelatedJitter{}
	default:
		s = backoff.ExponentialJitter{}
	}
	return &defaultRetryPolicy{
		maxAttempts: maxAttempts,
		calc:        backoff.NewCalculator(s, initial, max, multiplier, jitter),
	}
}

// ShouldRetry gates on the boundary classification: transient-network and
// transient-server failures retry with computed backoff; a rate limited
// response retries only when the server supplied a hint, after the hint
// elapses. A server-supplied Retry-After overrides the computed delay.
func (p *defaultRetryPolicy) ShouldRetry(err *ClientError, attempt int) (time.Duration, bool) {
	if err == nil || attempt+1 >= p.maxAttempts {
		return 0, false
	}

	switch err.Type {
	case ErrorTypeNetwork:
		return p.calc.Delay(attempt), true
	case ErrorTypeServer:
		if err.RetryAfter > 0 {
			return err.RetryAfter, true
		}
		return p.calc.Delay(attempt), true
	case ErrorTypeRateLimit:
		if err.RetryAfter > 0 {
			return err.RetryAfter, true
		}
		return 0, false
	default:
		return 0, false
	}
}
