// Package ratelog rate-limits log lines emitted from the packet hot
// path. The source this system replaces rate-limited its log lines
// with plain non-atomic counters shared across threads — a data race.
// §9's design note calls for either per-thread counters merged
// periodically, or a small lock-protected structure; since the
// capture path in this daemon is a single goroutine (§5: "packets from
// a single source are processed in capture-arrival order (single
// capture thread)"), the lock-protected structure is the simpler
// correct choice and is what every call site here uses — modeled on
// the teacher's own small mutex-guarded accumulators (e.g.
// engine.MetricsStore) rather than a bespoke atomic scheme.
package ratelog

import (
	"sync"
	"time"
)

// Limiter allows at most Max events through per Window, independent of
// how many goroutines call Allow concurrently.
type Limiter struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	windowStart time.Time
	count       int
}

// NewLimiter creates a Limiter permitting max events per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{max: max, window: window}
}

// Allow reports whether the caller should emit its log line now,
// given the current time. It always returns true for max <= 0
// (unlimited).
func (l *Limiter) Allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.windowStart.IsZero() || now.Sub(l.windowStart) > l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.max {
		return false
	}
	l.count++
	return true
}
