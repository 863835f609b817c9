package sapgate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds a single fetch cycle. It is treated as immutable once a
// fetch starts.
type RetryPolicy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	OverallTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMultiplier float64
	JitterCeiling     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		PerAttemptTimeout: 150 * time.Second,
		OverallTimeout:    150 * time.Second,
		BackoffBase:       300 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterCeiling:     200 * time.Millisecond,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.PerAttemptTimeout <= 0 {
		return fmt.Errorf("perAttemptTimeout must be positive")
	}
	if p.OverallTimeout <= 0 {
		return fmt.Errorf("overallTimeout must be positive")
	}
	if p.BackoffBase < 0 {
		return fmt.Errorf("backoffBase must not be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoffMultiplier must be >= 1, got %v", p.BackoffMultiplier)
	}
	if p.JitterCeiling < 0 {
		return fmt.Errorf("jitterCeiling must not be negative")
	}
	return nil
}

// SingleAttempt returns a copy of p that never retries. Used for
// non-idempotent upstream calls.
func (p RetryPolicy) SingleAttempt() RetryPolicy {
	p.MaxAttempts = 1
	return p
}

// Backoff is the delay scheduled after the given (1-based) attempt, without
// jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BackoffBase) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// jitterFor picks a delay in [0, min(JitterCeiling, backoff)).
func (p RetryPolicy) jitterFor(backoff time.Duration, rnd func(n int64) int64) time.Duration {
	ceil := p.JitterCeiling
	if backoff < ceil {
		ceil = backoff
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(rnd(int64(ceil)))
}

func defaultJitterSource(n int64) int64 { return rand.Int64N(n) }
