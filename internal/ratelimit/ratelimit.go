// Package ratelimit provides the per-client request throttle.
//
// The proxy only needs "approximate, cheap, per-process throttling with no
// external dependency", so the implementation here is a fixed-window
// counter over a guarded map. The Admitter interface exists so a shared
// store (Redis, etc.) could be swapped in later without touching callers.
package ratelimit

import (
	"sync"
	"time"
)

// Admitter decides whether one more request from a client is allowed.
// Implementations never return an error: a limiter that can't decide
// should fail open or closed internally, not push that choice onto the
// request path.
type Admitter interface {
	Admit(clientID string) bool
}

// entry is one client's live window. A client has at most one entry at a
// time; an expired entry is replaced in place on the next Admit call.
type entry struct {
	count   int
	resetAt time.Time
}

// FixedWindow is a fixed-window counter keyed by client identifier.
//
// The enforced limit is per process instance. Under horizontal scaling
// each instance keeps its own map, so the configured number is a soft
// approximation of the global rate, and a process restart forgets all
// counts. Both are accepted properties of this design.
type FixedWindow struct {
	limit  int
	window time.Duration

	// now is injectable so tests can drive the clock.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewFixedWindow creates a limiter admitting at most limit requests per
// client per window.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Admit records one request from clientID and reports whether it is
// within the limit. The first call in a window (or the first call ever)
// opens a fresh window with count 1.
func (f *FixedWindow) Admit(clientID string) bool {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[clientID]
	if !ok || e.resetAt.Before(now) {
		f.entries[clientID] = &entry{count: 1, resetAt: now.Add(f.window)}
		// Opening a new window is also when we pay for housekeeping:
		// drop other clients' expired windows so the map doesn't grow
		// without bound across many distinct client IDs.
		f.pruneLocked(now)
		return true
	}

	if e.count < f.limit {
		e.count++
		return true
	}

	return false
}

// pruneLocked removes expired entries. Caller must hold f.mu.
func (f *FixedWindow) pruneLocked(now time.Time) {
	for id, e := range f.entries {
		if e.resetAt.Before(now) {
			delete(f.entries, id)
		}
	}
}
