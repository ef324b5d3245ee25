package space

import (
	"sync"
	"time"
)

// rateLimiter enforces a per-sender envelopes-per-minute ceiling using a
// sliding window per key. A zero limit disables it.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*rateWindow
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		limit:   perMinute,
		windows: make(map[string]*rateWindow),
	}
}

// allow counts one envelope against the key's current window.
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// sweep drops expired windows; called from the space scheduler.
func (rl *rateLimiter) sweep(now time.Time) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, w := range rl.windows {
		if now.Sub(w.windowStart) > 2*time.Minute {
			delete(rl.windows, k)
		}
	}
}
