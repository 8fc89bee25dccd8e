package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a per-process sliding-window limiter. It is the
// fallback when the coordination store is unreachable: each process
// then enforces its own budget independently, which is not
// distributed-correct but keeps the system available instead of
// failing open or closed entirely.
type MemoryLimiter struct {
	cfg     Config
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory sliding-window limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow consumes one point if the identifier's window has budget left.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	window := l.prune(identifier, now)

	if len(window) >= l.cfg.Max {
		l.windows[identifier] = window
		return false
	}

	l.windows[identifier] = append(window, now)
	return true
}

// Remaining returns the points left in the identifier's window.
func (l *MemoryLimiter) Remaining(_ context.Context, identifier string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.prune(identifier, l.now())
	l.windows[identifier] = window

	remaining := l.cfg.Max - len(window)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ResetTime returns when the identifier regains at least one point.
func (l *MemoryLimiter) ResetTime(_ context.Context, identifier string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	window := l.prune(identifier, now)
	l.windows[identifier] = window

	if len(window) == 0 {
		return now
	}
	return window[0].Add(l.cfg.Window)
}

// Limit returns the configured point budget.
func (l *MemoryLimiter) Limit() int {
	return l.cfg.Max
}

// prune drops timestamps that have slid out of the window. Caller holds
// the lock.
func (l *MemoryLimiter) prune(identifier string, now time.Time) []time.Time {
	cut := now.Add(-l.cfg.Window)
	window := l.windows[identifier]

	i := 0
	for i < len(window) && !window[i].After(cut) {
		i++
	}
	return window[i:]
}

// Sweep removes identifiers whose windows are fully expired. Called
// periodically by the process janitor; Allow also prunes lazily.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id := range l.windows {
		if window := l.prune(id, now); len(window) == 0 {
			delete(l.windows, id)
		} else {
			l.windows[id] = window
		}
	}
}
