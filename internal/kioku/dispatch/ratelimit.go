package dispatch

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of messages a session may send per
	// window when no explicit limit is configured.
	DefaultRateLimit = 30

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-session sliding-window limit on inbound
// messages. It keeps the accepted timestamps for each session within the
// current window and prunes stale ones on every Allow, so memory stays
// bounded to O(limit) per active session.
//
// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	counters map[string][]time.Time
}

// NewRateLimiter allows at most limit messages per session within window.
// limit <= 0 uses DefaultRateLimit; window <= 0 uses one minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string][]time.Time),
	}
}

// Allow records a message for session and reports whether it is within
// the limit. A nil limiter allows everything.
func (r *RateLimiter) Allow(session string) bool {
	if r == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(session, now)
	if len(valid) >= r.limit {
		r.counters[session] = valid
		return false
	}
	r.counters[session] = append(valid, now)
	return true
}

// Sweep drops sessions with no message inside the window. Called
// periodically so that sessions that went away do not accumulate.
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	dropped := 0
	for session := range r.counters {
		if valid := r.prune(session, now); len(valid) == 0 {
			delete(r.counters, session)
			dropped++
		} else {
			r.counters[session] = valid
		}
	}
	return dropped
}

// prune returns the timestamps of session still inside the window. Must be
// called with mu held.
func (r *RateLimiter) prune(session string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[session]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
