// Package ratelimit provides a small sliding-window rate check for
// user-initiated operations like manual reclassification.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most limit events per window.
type Limiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration

	now func() time.Time
}

// New creates a limiter allowing limit events per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, now: time.Now}
}

// Allow records one event and reports whether it is within the budget.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	kept := l.events[:0]
	for _, t := range l.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.events = kept

	if len(l.events) >= l.limit {
		return false
	}
	l.events = append(l.events, l.now())
	return true
}

// Remaining reports how many events the current window still admits.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	active := 0
	for _, t := range l.events {
		if t.After(cutoff) {
			active++
		}
	}
	if active >= l.limit {
		return 0
	}
	return l.limit - active
}
