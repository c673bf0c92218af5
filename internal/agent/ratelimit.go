package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per session. A limiter built with a
// non-positive rate is disabled and admits everything.
type RateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// NewRateLimiter creates a limiter allowing rps events per second per key
// with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Enabled reports whether the limiter enforces a rate.
func (r *RateLimiter) Enabled() bool { return r.rps > 0 }

// Allow reports whether key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	e := r.entry(key)
	e.lastSeen.Store(time.Now().UnixNano())
	return e.limiter.Allow()
}

func (r *RateLimiter) entry(key string) *limiterEntry {
	r.mu.RLock()
	e, ok := r.limiters[key]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.limiters[key]; ok {
		return e
	}
	e = &limiterEntry{limiter: rate.NewLimiter(r.rps, r.burst)}
	r.limiters[key] = e
	return e
}

// Sweep drops buckets unused for longer than idle and returns how many were
// removed. A dropped bucket is full again on next use.
func (r *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for key, e := range r.limiters {
		if e.lastSeen.Load() < cutoff {
			delete(r.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.limiters)
}
