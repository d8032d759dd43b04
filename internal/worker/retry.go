package worker

import (
	"math"
	"time"
)

// RetryPolicy describes how often a failed send is repeated and how long to wait
// before each repeat. Zero values fall back to a 1s start doubling every retry.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NewRetryPolicy doubles base on every retry.
func NewRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, InitialDelay: base, BackoffFactor: 2}
}

// NextDelay is the wait before retry number n, counting from 1.
func (r RetryPolicy) NextDelay(n int) time.Duration {
	base, factor := r.InitialDelay, r.BackoffFactor
	if base <= 0 {
		base = time.Second
	}
	if factor <= 0 {
		factor = 2
	}

	exp := float64(max(n, 1) - 1)
	d := time.Duration(float64(base) * math.Pow(factor, exp))
	switch {
	case d <= 0:
		// переполнение
		d = time.Second
		if r.MaxDelay > 0 {
			d = r.MaxDelay
		}
	case r.MaxDelay > 0 && d > r.MaxDelay:
		d = r.MaxDelay
	}
	return d
}

// CanRetry reports whether another attempt is allowed after retries already made.
func (r RetryPolicy) CanRetry(retries int) bool {
	return retries < r.MaxRetries
}

// Schedule lists every wait the policy allows, in order.
func (r RetryPolicy) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, r.MaxRetries)
	for n := 1; r.CanRetry(n - 1); n++ {
		delays = append(delays, r.NextDelay(n))
	}
	return delays
}
