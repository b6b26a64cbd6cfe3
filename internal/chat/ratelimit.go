package chat

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-user sliding-window message quota. Each user has
// a time-ordered queue of past send timestamps; entries older than the window
// are evicted before a new send is evaluated, so the 61st message sent exactly
// one window after the 1st is allowed again.
//
// State is per process. A user connected to two pods at once gets an
// independent window on each, effectively doubling their quota; the window is
// kept off the broker deliberately so a broker outage never blocks sends.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		max:     max,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
}

// Allowed reports whether userID may send now. A permitted call records the
// send; a denied call mutates nothing. Users with no history are always
// allowed.
func (rl *RateLimiter) Allowed(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	q := rl.windows[userID]
	for len(q) > 0 && !q[0].After(cutoff) {
		q = q[1:]
	}

	if len(q) >= rl.max {
		rl.windows[userID] = q
		return false
	}

	rl.windows[userID] = append(q, now)
	return true
}

// Cleanup drops users whose entire window has expired. Called periodically so
// the map does not grow with user churn.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for userID, q := range rl.windows {
		if len(q) == 0 || !q[len(q)-1].After(cutoff) {
			delete(rl.windows, userID)
		}
	}
}
