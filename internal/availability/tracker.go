// Package availability implements the Availability Tracker (C5): a
// derived view over one model's Model Limiter, Memory Manager budget,
// and (eventually) distributed allocation, reduced to a single "slots"
// scalar plus per-dimension residuals, with change events suppressed
// unless something actually moved.
//
// Grounded on spec.md §9's note that the natural cyclic reference
// between tracker and limiters ("tracker reads limiters' snapshots,
// limiters notify tracker on change") is broken by a one-way event bus:
// limiters/memory/job-type managers call OnChange callbacks installed by
// this package (the Delegation Executor also hooks each model limiter,
// only to wake its wait loop); the Tracker always pulls a
// fresh Snapshot rather than being handed derived state, so nothing
// downstream can call back into a limiter and create a cycle. The
// mechanics mirror the teacher's loadbalancer.HealthChecker pattern
// (internal/loadbalancer/loadbalancer.go): a background-notified
// recompute that fans out to registered listeners, generalized from
// backend health flips to multi-dimension availability deltas.
package availability

import (
	"sync"

	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Dimension extends ratelimit.Dimension with the non-counter axes the
// tracker also watches, so a change event can name exactly what moved.
type Dimension string

const (
	DimensionAdjustment  Dimension = "adjustment"
	DimensionTPM         Dimension = Dimension(ratelimit.DimensionTPM)
	DimensionTPD         Dimension = Dimension(ratelimit.DimensionTPD)
	DimensionRPM         Dimension = Dimension(ratelimit.DimensionRPM)
	DimensionRPD         Dimension = Dimension(ratelimit.DimensionRPD)
	DimensionConcurrency Dimension = "concurrency"
	DimensionMemory      Dimension = "memory"
	DimensionDistributed Dimension = "distributed"
)

// priority is the fixed tie-break order from spec.md §4.6, most
// important first; the event emitted for a recompute is labeled with the
// highest-priority dimension among those that changed.
var priority = []Dimension{
	DimensionAdjustment,
	DimensionTPM,
	DimensionTPD,
	DimensionRPM,
	DimensionRPD,
	DimensionConcurrency,
	DimensionMemory,
	DimensionDistributed,
}

// Snapshot is one model's derived availability as of the last recompute.
type Snapshot struct {
	ModelID string
	// Slots is floor(min over configured dimensions of remaining/estimate).
	// -1 means no dimension is configured for this model (unbounded).
	Slots int
	// Residuals holds the remaining capacity for every dimension this
	// model configures, plus "memory" and, once known, "distributed".
	Residuals map[Dimension]int
}

// Event is delivered to subscribers on every observed change.
type Event struct {
	ModelID   string
	Dimension Dimension
	Snapshot  Snapshot
}

type watchedModel struct {
	limiter  *modellimiter.Limiter
	jobType  string
	estimate ratelimit.Estimate

	mu               sync.Mutex
	last             Snapshot
	haveLast         bool
	distributed      int
	distributedKnown bool
}

// Tracker aggregates availability across every model it has been asked
// to Watch.
type Tracker struct {
	mu          sync.Mutex
	models      map[string]*watchedModel
	mem         *memmgr.Manager
	subscribers []chan Event
}

// New creates a Tracker reading job-type memory budgets from mem. A
// memory release can change every watched model's memory residual
// without any model limiter changing, so the tracker also wires itself
// to mem's OnChange hook and recomputes every watched model when it
// fires.
func New(mem *memmgr.Manager) *Tracker {
	t := &Tracker{
		models: make(map[string]*watchedModel),
		mem:    mem,
	}
	if mem != nil {
		mem.OnChange(t.recomputeAll)
	}
	return t
}

// RecomputeAll re-derives availability for every watched model on
// demand. Exported for callers that wire a change source the Tracker
// doesn't observe directly (e.g. the Job-Type Manager's ratio-adjustment
// loop, which shifts the Memory Manager's per-job-type budget without
// any single model limiter changing).
func (t *Tracker) RecomputeAll() {
	t.recomputeAll()
}

// recomputeAll re-derives availability for every currently watched
// model, used when a change (like a memory release) isn't scoped to one
// model's limiter.
func (t *Tracker) recomputeAll() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.models))
	for id := range t.models {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	for _, id := range ids {
		t.recompute(id)
	}
}

// Watch registers a model's limiter for tracking against a representative
// (jobType, estimate) pair — the same estimate the Delegation Executor
// would reserve for that job type on that model. Installing the watch
// wires the limiter's OnChange callback to this tracker's recompute path.
func (t *Tracker) Watch(modelID string, limiter *modellimiter.Limiter, jobType string, estimate ratelimit.Estimate) {
	wm := &watchedModel{limiter: limiter, jobType: jobType, estimate: estimate}

	t.mu.Lock()
	t.models[modelID] = wm
	t.mu.Unlock()

	limiter.OnChange(func() { t.recompute(modelID) })
	t.recompute(modelID)
}

// SetDistributedResidual records the coordination layer's last-known
// remaining slot count for a model (C7/C8's pushed Allocation), and
// triggers a recompute so a distributed-only change still emits an
// event.
func (t *Tracker) SetDistributedResidual(modelID string, remaining int) {
	t.mu.Lock()
	wm, ok := t.models[modelID]
	t.mu.Unlock()
	if !ok {
		return
	}
	wm.mu.Lock()
	wm.distributed = remaining
	wm.distributedKnown = true
	wm.mu.Unlock()
	t.recompute(modelID)
}

// Subscribe returns a channel of change events. The channel is buffered;
// a slow subscriber drops events rather than blocking recompute — this
// is a derived-metrics feed, not a delivery-guaranteed queue.
func (t *Tracker) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	return ch
}

func (t *Tracker) publish(ev Event) {
	t.mu.Lock()
	subs := t.subscribers
	t.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Snapshot returns the last-computed availability for a model, or a
// Snapshot carrying only the model ID and Slots -1 if it isn't watched.
func (t *Tracker) Snapshot(modelID string) Snapshot {
	t.mu.Lock()
	wm, ok := t.models[modelID]
	t.mu.Unlock()
	if !ok {
		return Snapshot{ModelID: modelID, Slots: -1}
	}
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return wm.last
}

// recompute pulls a fresh snapshot for modelID, diffs it against the
// last-published one, and emits a suppressed-on-no-change Event labeled
// by the highest-priority dimension that moved.
func (t *Tracker) recompute(modelID string) {
	t.mu.Lock()
	wm, ok := t.models[modelID]
	t.mu.Unlock()
	if !ok {
		return
	}

	stats := wm.limiter.Snapshot()
	memRemaining := int64(0)
	if t.mem != nil {
		memRemaining = t.mem.Remaining(wm.jobType)
	}

	residuals := make(map[Dimension]int, len(stats.Dimensions)+2)
	minSlots := -1

	for _, d := range ratelimit.CheckOrder {
		snap, has := stats.Dimensions[d]
		if !has {
			continue
		}
		residuals[Dimension(d)] = snap.Remaining

		estimate := tokenCost(d, wm.estimate)
		if estimate <= 0 {
			continue
		}
		slots := snap.Remaining / estimate
		if minSlots < 0 || slots < minSlots {
			minSlots = slots
		}
	}

	if stats.ConcurrencyLimit > 0 {
		concRemaining := stats.ConcurrencyLimit - stats.ConcurrencyCurrent
		if concRemaining < 0 {
			concRemaining = 0
		}
		residuals[DimensionConcurrency] = concRemaining
		if minSlots < 0 || concRemaining < minSlots {
			minSlots = concRemaining
		}
	}

	if wm.estimate.MemoryKB > 0 {
		memSlots := int(memRemaining / wm.estimate.MemoryKB)
		residuals[DimensionMemory] = memSlots
		if minSlots < 0 || memSlots < minSlots {
			minSlots = memSlots
		}
	} else {
		residuals[DimensionMemory] = int(memRemaining)
	}

	wm.mu.Lock()
	if wm.distributedKnown {
		residuals[DimensionDistributed] = wm.distributed
		if minSlots < 0 || wm.distributed < minSlots {
			minSlots = wm.distributed
		}
	}
	wm.mu.Unlock()

	next := Snapshot{ModelID: modelID, Slots: minSlots, Residuals: residuals}

	wm.mu.Lock()
	prev := wm.last
	hadLast := wm.haveLast
	changedDim, changed := diff(prev, next, hadLast)
	wm.last = next
	wm.haveLast = true
	wm.mu.Unlock()

	if changed {
		t.publish(Event{ModelID: modelID, Dimension: changedDim, Snapshot: next})
	}
}

// diff reports whether next differs from prev (treating a first
// observation as a change) and, if so, the highest-priority dimension
// responsible, per spec.md §4.6's required suppression-on-no-change.
func diff(prev, next Snapshot, hadPrev bool) (Dimension, bool) {
	if !hadPrev {
		return DimensionAdjustment, true
	}
	if prev.Slots != next.Slots {
		// The scalar itself changed; attribute it to the highest-priority
		// residual that also moved, defaulting to "adjustment" if none of
		// the tracked residuals individually differ (e.g. a job-type ratio
		// adjustment changed the estimate-relative slot count).
		for _, d := range priority {
			if prev.Residuals[d] != next.Residuals[d] {
				return d, true
			}
		}
		return DimensionAdjustment, true
	}
	for _, d := range priority {
		if prev.Residuals[d] != next.Residuals[d] {
			return d, true
		}
	}
	return "", false
}

func tokenCost(dim ratelimit.Dimension, est ratelimit.Estimate) int {
	switch dim {
	case ratelimit.DimensionTPM, ratelimit.DimensionTPD:
		return est.Tokens
	default:
		return est.Requests
	}
}
