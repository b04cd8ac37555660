package outbox

import (
	"math/rand"
	"time"
)

// RetryPolicy implements the exponential-backoff-with-jitter schedule
// used to compute the next eligible timestamp for a retried outbox
// record. A *rand.Rand is threaded in explicitly (not a package-level
// global) so the policy is deterministic in tests.
type RetryPolicy struct {
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          time.Duration
	MaxDelay        time.Duration
	MaxRetries      int
	Rand            *rand.Rand
}

// DefaultRetryPolicy returns the standard backoff schedule: initial=1s,
// multiplier=2.0, jitter=1s, maxRetries=5, no ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		Multiplier:      2.0,
		Jitter:          time.Second,
		MaxDelay:        0,
		MaxRetries:      5,
		Rand:            rand.New(rand.NewSource(1)),
	}
}

// Exhausted reports whether retryCount has reached the retry budget.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

// NextDelay computes delay = initialInterval * multiplier^(n-1) +
// uniformRandom(0, jitter), clamped to MaxDelay when it is nonzero. n is
// the new retry count after increment, so n=1 is the first retry.
func (p RetryPolicy) NextDelay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		base *= p.Multiplier
	}
	delay := time.Duration(base)

	if p.Jitter > 0 {
		var jitter time.Duration
		if p.Rand != nil {
			jitter = time.Duration(p.Rand.Int63n(int64(p.Jitter) + 1))
		} else {
			jitter = time.Duration(rand.Int63n(int64(p.Jitter) + 1))
		}
		delay += jitter
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
