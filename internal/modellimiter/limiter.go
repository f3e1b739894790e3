// Package modellimiter implements the Model Limiter (C2): one model's
// counter windows plus its concurrency semaphore, reserved and released
// atomically across all configured dimensions.
package modellimiter

import (
	"fmt"
	"sync"

	"github.com/aiserve/ratelimitd/internal/counter"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// dimensionConcurrency is the pseudo-dimension name reservation metrics
// use for the concurrency semaphore, which has no ratelimit.Dimension of
// its own.
const dimensionConcurrency = "concurrency"

// Reservation is a handle bound to exactly one (model, jobId); it must be
// released exactly once, either via ReleaseReservation (failure before
// execution) or Commit (after execution).
type Reservation struct {
	ModelID  string
	JobID    string
	Tokens   int
	Requests int

	released bool
}

// Limiter aggregates up to four counter windows (TPM, RPM, TPD, RPD) and
// a concurrency semaphore for a single model. All operations are
// serialized by a single mutex, matching the teacher's per-resource-lock
// style in compute.ReservationClient.
type Limiter struct {
	mu sync.Mutex

	modelID string

	windows map[ratelimit.Dimension]*counter.Window

	concurrencyLimit   int
	concurrencyCurrent int

	onChange func()
}

// OnChange registers a callback invoked after every state transition that
// can affect hasCapacity's answer. This is the one-way event bus from
// spec.md §9: the limiter emits, the Availability Tracker subscribes and
// pulls a snapshot on demand to work out which dimension actually moved
// — the limiter never reads tracker state. Callbacks from successive
// calls are all kept and run in registration order.
func (l *Limiter) OnChange(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev := l.onChange; prev != nil {
		l.onChange = func() { prev(); fn() }
		return
	}
	l.onChange = fn
}

// New builds a Model Limiter from a static ModelConfig.
func New(cfg ratelimit.ModelConfig) *Limiter {
	l := &Limiter{
		modelID: cfg.ID,
		windows: make(map[ratelimit.Dimension]*counter.Window),
	}
	for _, d := range ratelimit.CheckOrder {
		if limit, ok := cfg.Limit(d); ok {
			l.windows[d] = counter.New(d, limit)
		}
	}
	if cfg.MaxConcurrent != nil {
		l.concurrencyLimit = *cfg.MaxConcurrent
	} else {
		l.concurrencyLimit = 0 // 0 means unbounded concurrency
	}
	return l
}

// tokenCost and requestCost return how much of each dimension an
// estimate consumes; a dimension the model does not configure is simply
// skipped (no window exists for it).
func tokenCost(dim ratelimit.Dimension, est ratelimit.Estimate) int {
	switch dim {
	case ratelimit.DimensionTPM, ratelimit.DimensionTPD:
		return est.Tokens
	default:
		return est.Requests
	}
}

// TryReserve attempts an all-or-nothing reservation across concurrency
// and every configured dimension, in the fixed order TPM, RPM, TPD, RPD.
// On any failure, partial state is rolled back before returning nil.
func (l *Limiter) TryReserve(jobID string, est ratelimit.Estimate) *Reservation {
	l.mu.Lock()

	if l.concurrencyLimit > 0 && l.concurrencyCurrent >= l.concurrencyLimit {
		l.mu.Unlock()
		metrics.GetMetrics().RecordReservationRefused(l.modelID, dimensionConcurrency)
		return nil
	}

	reservedSoFar := make([]ratelimit.Dimension, 0, len(ratelimit.CheckOrder))
	for _, d := range ratelimit.CheckOrder {
		w, ok := l.windows[d]
		if !ok {
			continue
		}
		n := tokenCost(d, est)
		if !w.TryReserve(n) {
			for _, done := range reservedSoFar {
				l.windows[done].Release(tokenCost(done, est))
			}
			l.mu.Unlock()
			metrics.GetMetrics().RecordReservationRefused(l.modelID, string(d))
			return nil
		}
		reservedSoFar = append(reservedSoFar, d)
	}

	l.concurrencyCurrent++
	cb := l.onChange
	l.mu.Unlock()

	m := metrics.GetMetrics()
	for _, d := range reservedSoFar {
		m.RecordReservationGranted(l.modelID, string(d))
	}
	m.RecordReservationGranted(l.modelID, dimensionConcurrency)

	if cb != nil {
		cb()
	}
	return &Reservation{
		ModelID:  l.modelID,
		JobID:    jobID,
		Tokens:   est.Tokens,
		Requests: est.Requests,
	}
}

// ReleaseReservation gives back a reservation that was never executed.
func (l *Limiter) ReleaseReservation(r *Reservation) {
	l.mu.Lock()
	l.releaseLocked(r)
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (l *Limiter) releaseLocked(r *Reservation) {
	if r == nil || r.released {
		return
	}
	r.released = true

	for _, d := range ratelimit.CheckOrder {
		w, ok := l.windows[d]
		if !ok {
			continue
		}
		w.Release(tokenCost(d, ratelimit.Estimate{Tokens: r.Tokens, Requests: r.Requests}))
	}
	if l.concurrencyCurrent > 0 {
		l.concurrencyCurrent--
	}
}

// Commit converts a reservation into actual usage and frees the
// concurrency slot. Calling Commit twice, or Commit after
// ReleaseReservation, on the same Reservation is a programming error per
// spec.md §8 and panics rather than silently corrupting state.
func (l *Limiter) Commit(r *Reservation, actualTokens, actualRequests int) {
	l.mu.Lock()

	if r == nil {
		l.mu.Unlock()
		return
	}
	if r.released {
		l.mu.Unlock()
		panic(fmt.Sprintf("modellimiter: double release/commit of reservation for job %s on model %s", r.JobID, r.ModelID))
	}
	r.released = true

	for _, d := range ratelimit.CheckOrder {
		w, ok := l.windows[d]
		if !ok {
			continue
		}
		actual := actualRequests
		reserved := r.Requests
		if d == ratelimit.DimensionTPM || d == ratelimit.DimensionTPD {
			actual = actualTokens
			reserved = r.Tokens
		}
		w.Commit(actual, reserved)
	}
	if l.concurrencyCurrent > 0 {
		l.concurrencyCurrent--
	}
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// HasCapacity is a cheap, non-reserving predicate: true iff every
// configured dimension currently has room for est and the concurrency
// semaphore is not saturated. Its answer can become stale immediately.
func (l *Limiter) HasCapacity(est ratelimit.Estimate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.concurrencyLimit > 0 && l.concurrencyCurrent >= l.concurrencyLimit {
		return false
	}
	for _, d := range ratelimit.CheckOrder {
		w, ok := l.windows[d]
		if !ok {
			continue
		}
		if !w.HasCapacity(tokenCost(d, est)) {
			return false
		}
	}
	return true
}

// SetRateLimits mutates per-instance quotas in place; values currently
// reserved or committed are not rescaled (spec.md §4.2) — only
// subsequent TryReserve calls observe the new limits.
func (l *Limiter) SetRateLimits(pool ratelimit.ModelPool) {
	l.mu.Lock()

	if w, ok := l.windows[ratelimit.DimensionTPM]; ok {
		w.SetLimit(pool.TokensPerMinute)
	}
	if w, ok := l.windows[ratelimit.DimensionRPM]; ok {
		w.SetLimit(pool.RequestsPerMinute)
	}
	if w, ok := l.windows[ratelimit.DimensionTPD]; ok {
		w.SetLimit(pool.TokensPerDay)
	}
	if w, ok := l.windows[ratelimit.DimensionRPD]; ok {
		w.SetLimit(pool.RequestsPerDay)
	}
	if pool.TotalSlots > 0 {
		l.concurrencyLimit = pool.TotalSlots
	}
	cb := l.onChange
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ModelStats is the public snapshot returned by Snapshot.
type ModelStats struct {
	ModelID            string
	ConcurrencyCurrent int
	ConcurrencyLimit   int
	Dimensions         map[ratelimit.Dimension]counter.Snapshot
}

// Snapshot returns a point-in-time read of every configured dimension
// plus the concurrency semaphore.
func (l *Limiter) Snapshot() ModelStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	dims := make(map[ratelimit.Dimension]counter.Snapshot, len(l.windows))
	for d, w := range l.windows {
		dims[d] = w.Snapshot()
	}
	return ModelStats{
		ModelID:            l.modelID,
		ConcurrencyCurrent: l.concurrencyCurrent,
		ConcurrencyLimit:   l.concurrencyLimit,
		Dimensions:         dims,
	}
}
