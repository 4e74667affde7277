package app

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRetryBaseDelay = 10 * time.Second
	DefaultRetryMaxDelay  = 5 * time.Minute
	maxJitter             = time.Second
)

// RetryPolicy decides when a failed delivery is given up and how long to wait before the next try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is added to every computed delay. Nil means uniform [0, 1s).
	Jitter func() time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultRetryBaseDelay,
		MaxDelay:    DefaultRetryMaxDelay,
	}
}

// NewRetryPolicy fills non-positive values with defaults.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		p.BaseDelay = baseDelay
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	return p
}

// Exhausted reports whether attempt was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Backoff is min(MaxDelay, BaseDelay * 2^(attempt-1)) without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay > p.MaxDelay-delay {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// NextDelay is Backoff plus jitter.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	jitter := p.Jitter
	if jitter == nil {
		jitter = randomJitter
	}
	return p.Backoff(attempt) + jitter()
}

func randomJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(maxJitter)/int64(time.Millisecond))) * time.Millisecond
}

// NoJitter disables jitter.
func NoJitter() time.Duration { return 0 }
