// Package backoff holds the retry delay calculators shared by the client's
// retry policy implementations.
package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a given retry attempt.
type Strategy interface {
	Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration
}

// ExponentialJitter grows the delay as initial * multiplier^attempt, capped
// at max, then adds uniform jitter in [0, jitter*delay].
type ExponentialJitter struct{}

func (ExponentialJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Overflow guard.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(initial) * Pow(multiplier, attempt))
	if delay < 0 || delay > max {
		delay = max
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		amount := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+amount > max {
			delay = max
		} else {
			delay += amount
		}
	}
	return delay
}

// DecorrelatedJitter implements AWS-style decorrelated jitter: a random delay
// between the base and min(cap, base*3^attempt). Tail latency is smoother
// than plain exponential jitter under heavy retry load.
type DecorrelatedJitter struct{}

func (DecorrelatedJitter) Calculate(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	if attempt <= 0 {
		return initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(initial)
	upper := base * Pow(3.0, attempt)
	if upper > float64(max) || upper < 0 {
		upper = float64(max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > max {
		delay = max
	}
	return delay
}

// Pow is an integer-exponent power without the math import.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

func clampJitter(j float64) float64 {
	if j < 0 {
		return 0
	}
	if j > 1 {
		return 1
	}
	return j
}
