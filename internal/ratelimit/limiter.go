// Package ratelimit implements fixed-window token buckets keyed by caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
)

// Limiter manages rate limiting for multiple keys
type Limiter struct {
	clock    clock.Clock
	limiters map[string]*bucket
	mu       sync.Mutex
}

// bucket implements a token bucket rate limiter
type bucket struct {
	tokens   int
	limit    int
	interval time.Duration
	lastFill time.Time
	lastUsed time.Time
	mu       sync.Mutex
}

// NewLimiter creates a new rate limiter. A nil clock means wall time.
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Limiter{
		clock:    clk,
		limiters: make(map[string]*bucket),
	}
}

// Allow checks if a request for the given key is allowed
// limit: maximum number of requests
// interval: time window (e.g., time.Minute for requests per minute)
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	_, ok := l.Reserve(key, limit, interval)
	return ok
}

// Reserve takes a token for key. When none is left it returns false and how
// long until the bucket refills.
func (l *Limiter) Reserve(key string, limit int, interval time.Duration) (time.Duration, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{
			tokens:   limit,
			limit:    limit,
			interval: interval,
			lastFill: now,
		}
		l.limiters[key] = b
	}
	l.mu.Unlock()

	return b.take(now)
}

// take attempts to take a token from the bucket
func (b *bucket) take(now time.Time) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastUsed = now
	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}

	if b.tokens <= 0 {
		return b.lastFill.Add(b.interval).Sub(now), false
	}
	b.tokens--
	return 0, true
}

// Reset clears rate limit for a specific key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// CleanupExpired removes buckets that have not been used for maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.limiters {
		b.mu.Lock()
		idle := now.Sub(b.lastUsed) > maxAge
		b.mu.Unlock()
		if idle {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup prunes idle buckets every interval until ctx is cancelled.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.CleanupExpired(maxAge)
			}
		}
	}()
}
