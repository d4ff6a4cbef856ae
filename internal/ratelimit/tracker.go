// Package ratelimit tracks per-executable rate-limit windows reported by
// running sessions. The dispatch daemon and the steward scheduler both
// consult the same tracker before routing work through an executable.
package ratelimit

import (
	"sync"
	"time"
)

// Tracker records the limitedUntil timestamp per executable path.
type Tracker struct {
	mu      sync.RWMutex
	limited map[string]time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{limited: make(map[string]time.Time)}
}

// SetLimited records a rate-limit window for an executable. Windows only
// ever extend: an earlier resetsAt never shortens a recorded one.
func (t *Tracker) SetLimited(executable string, resetsAt time.Time) {
	if executable == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.limited[executable]; !ok || resetsAt.After(cur) {
		t.limited[executable] = resetsAt
	}
}

// IsLimited reports whether the executable is inside a rate-limit window.
func (t *Tracker) IsLimited(executable string, now time.Time) bool {
	if executable == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	until, ok := t.limited[executable]
	return ok && now.Before(until)
}

// LimitedUntil returns the recorded window end for an executable, if any.
func (t *Tracker) LimitedUntil(executable string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	until, ok := t.limited[executable]
	return until, ok
}

// Clear drops the window for an executable.
func (t *Tracker) Clear(executable string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limited, executable)
}

// Snapshot returns the currently active windows, pruning expired entries.
func (t *Tracker) Snapshot(now time.Time) map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.limited))
	for exe, until := range t.limited {
		if now.Before(until) {
			out[exe] = until
		} else {
			delete(t.limited, exe)
		}
	}
	return out
}
