// Package counter implements the Counter Window (C1): a single sliding
// quota window for one (model, dimension) pair.
package counter

import (
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// nowFunc is swappable in tests so window-roll behavior can be driven
// deterministically instead of waiting on the wall clock.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// Snapshot is the read-only view returned by Window.Snapshot.
type Snapshot struct {
	Reserved    int
	Committed   int
	Limit       int
	Remaining   int
	ResetsInMs  int64
}

// Window is one sliding quota window. All operations are safe for
// concurrent use; callers that need atomicity across several windows
// (Model Limiter does, across all configured dimensions) must hold their
// own outer lock.
type Window struct {
	mu sync.Mutex

	dimension ratelimit.Dimension
	limit     int
	windowMs  int64

	state ratelimit.CounterState
}

// New creates a window for one dimension with the given limit.
func New(dim ratelimit.Dimension, limit int) *Window {
	w := &Window{
		dimension: dim,
		limit:     limit,
		windowMs:  dim.WindowMs(),
	}
	w.state.WindowStart = alignedWindowStart(nowFunc(), w.windowMs)
	return w
}

// alignedWindowStart aligns to epoch-milliseconds-modulo-window, per
// spec.md §4.1, so independent processes agree on window boundaries
// without coordinating with each other.
func alignedWindowStart(now, windowMs int64) int64 {
	return now - (now % windowMs)
}

// rollIfNeeded resets committed (never reserved) when the window has
// elapsed. Must be called with mu held.
func (w *Window) rollIfNeeded() {
	now := nowFunc()
	if now >= w.state.WindowStart+w.windowMs {
		w.state.WindowStart = alignedWindowStart(now, w.windowMs)
		w.state.Committed = 0
	}
}

// TryReserve attempts to reserve n units. It succeeds iff
// reserved+committed+n <= limit.
func (w *Window) TryReserve(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()

	if w.state.Reserved+w.state.Committed+n > w.limit {
		return false
	}
	w.state.Reserved += n
	return true
}

// Release gives back a reservation that was never executed (failure
// before invocation, or rollback of a partial multi-dimension reserve).
func (w *Window) Release(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()
	w.state.Reserved -= n
	if w.state.Reserved < 0 {
		w.state.Reserved = 0
	}
}

// Commit converts a reservation into committed usage. actual may be more
// or less than reserved; over-use is allowed to push committed past
// limit (it only throttles the *next* reservation). The returned
// adjustment is reserved-actual: positive for under-use (the refund),
// negative for over-use.
func (w *Window) Commit(actual, reserved int) (adjustment int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()

	w.state.Reserved -= reserved
	if w.state.Reserved < 0 {
		w.state.Reserved = 0
	}
	w.state.Committed += actual

	adjustment = reserved - actual
	return adjustment
}

// Reset clears committed and reserved state immediately, independent of
// window roll. Used by tests and administrative resets.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.Reserved = 0
	w.state.Committed = 0
	w.state.WindowStart = alignedWindowStart(nowFunc(), w.windowMs)
}

// SetLimit mutates the limit in place. Values already reserved/committed
// are not rescaled, per spec.md §4.2's per-model equivalent — only future
// calls see the new limit.
func (w *Window) SetLimit(limit int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limit = limit
}

// Snapshot returns a point-in-time read of the window's state.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rollIfNeeded()

	remaining := w.limit - w.state.Reserved - w.state.Committed
	if remaining < 0 {
		remaining = 0
	}
	resetsIn := w.state.WindowStart + w.windowMs - nowFunc()
	if resetsIn < 0 {
		resetsIn = 0
	}

	return Snapshot{
		Reserved:   w.state.Reserved,
		Committed:  w.state.Committed,
		Limit:      w.limit,
		Remaining:  remaining,
		ResetsInMs: resetsIn,
	}
}

// HasCapacity is a cheap, non-reserving predicate; its answer can become
// stale the instant it is returned (spec.md §4.2).
func (w *Window) HasCapacity(n int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollIfNeeded()
	return w.state.Reserved+w.state.Committed+n <= w.limit
}
