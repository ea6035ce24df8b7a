package llm

import (
	"sync"
	"time"
)

// creditWindow tracks request count and token sum over a sliding window
// for one credential, matching the hector ratelimit package's
// windowEnd-based reset: a window is simply reset once it has fully
// elapsed rather than maintaining a true rolling log.
type creditWindow struct {
	windowStart time.Time
	requests    int
	tokens      int
}

// RateLimiter enforces the remote adapter's per-credential sliding 60s
// window: if the request count exceeds the configured ceiling, the next
// call must wait until the window slides.
type RateLimiter struct {
	mu         sync.Mutex
	windowSize time.Duration
	maxRequests int
	windows    map[string]*creditWindow
	now        func() time.Time
}

func NewRateLimiter(windowSize time.Duration, maxRequests int) *RateLimiter {
	return &RateLimiter{
		windowSize:  windowSize,
		maxRequests: maxRequests,
		windows:     make(map[string]*creditWindow),
		now:         time.Now,
	}
}

// CheckAndRecord blocks the caller's turn-taking decision: it reports
// whether the call may proceed now, and if not, how long until the window
// slides. On "may proceed" it also records the request immediately.
func (r *RateLimiter) CheckAndRecord(credentialID string, tokens int) (allowed bool, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w := r.windows[credentialID]
	if w == nil || now.Sub(w.windowStart) >= r.windowSize {
		w = &creditWindow{windowStart: now}
		r.windows[credentialID] = w
	}
	if w.requests >= r.maxRequests {
		windowEnd := w.windowStart.Add(r.windowSize)
		return false, windowEnd.Sub(now)
	}
	w.requests++
	w.tokens += tokens
	return true, 0
}

// Usage reports the current window's request/token counts for a
// credential, for metrics/introspection.
func (r *RateLimiter) Usage(credentialID string) (requests, tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windows[credentialID]
	if w == nil {
		return 0, 0
	}
	return w.requests, w.tokens
}

// Reset clears all tracked windows, used by tests.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.windows = make(map[string]*creditWindow)
}
