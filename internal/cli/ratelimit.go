package cli

import (
	"sync"
	"time"
)

// rateLimiter is a sliding one-minute window per identity
type rateLimiter struct {
	mu        sync.Mutex
	perMinute int
	now       func() time.Time
	requests  map[string][]time.Time
}

// newRateLimiter returns nil when perMinute is not positive; a nil limiter allows everything
func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &rateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		requests:  make(map[string][]time.Time),
	}
}

// Allow records a request for identity and reports whether it fits the window
func (r *rateLimiter) Allow(identity string) bool {
	if r == nil {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)

	recent := r.requests[identity][:0]
	for _, t := range r.requests[identity] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.perMinute {
		r.requests[identity] = recent
		return false
	}
	r.requests[identity] = append(recent, now)
	return true
}
