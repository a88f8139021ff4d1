package workflow

import (
	"math"
	"time"
)

// RetryPolicy controls how often a failing step is attempted.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	Interval    time.Duration
	BackoffRate float64
	MaxInterval time.Duration
}

// attempts returns the effective attempt budget (at least one).
func (p *RetryPolicy) attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt:
// min(interval * backoffRate^(attempt-1), maxInterval).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if p == nil || p.Interval <= 0 {
		return 0
	}
	rate := p.BackoffRate
	if rate <= 0 {
		rate = 1
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Interval) * math.Pow(rate, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
