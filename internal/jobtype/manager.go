// Package jobtype implements the Job-Type Manager (C4): a per-job-type
// integer slot pool derived from a shared capacity total, plus the
// flexible-ratio smoothing loop from spec.md §4.3. The slot pool itself
// is grounded on the teacher's compute.PortAllocator (a free-list queue
// behind a mutex); the demand-driven ratio adjustment has no teacher
// analogue and is grounded on loadbalancer's weight-recalculation style
// (WeightedRoundRobinLB.calculateWeight) generalized from per-request
// weights to per-job-type ratios.
package jobtype

import (
	"context"
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Token is returned by AcquireSlot and must be passed to Release exactly
// once.
type Token struct {
	jobType  string
	released bool
}

type poolState struct {
	cfg       ratelimit.JobTypeConfig
	ratio     float64
	issued    int // slots currently held
	demand    int // callers currently inside AcquireSlot (waiting for a slot), sampled each tick; slots already issued are not counted
}

// Manager owns the slot pools for every configured job type and runs the
// ratio-adjustment loop over the flexible subset.
type Manager struct {
	mu sync.Mutex

	capacity int // total per-instance capacity, from the Availability Tracker / Allocation

	pools map[string]*poolState

	changeCh chan struct{} // closed+replaced on every capacity-relevant change

	alpha      float64
	tickPeriod time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}

	onChange func()
}

// OnChange registers a callback invoked whenever capacity or ratios
// change. Part of the one-way event bus feeding the Availability
// Tracker (C5): the tracker subscribes here and pulls a Snapshot on
// demand rather than the manager reaching into the tracker.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// New builds a Job-Type Manager. alpha is the exponential smoothing
// factor from spec.md §4.3 (default 0.2 if <= 0); tickPeriod is the
// ratio-sampling interval (default 250ms if <= 0).
func New(configs []ratelimit.JobTypeConfig, alpha float64, tickPeriod time.Duration) *Manager {
	if alpha <= 0 {
		alpha = 0.2
	}
	if tickPeriod <= 0 {
		tickPeriod = 250 * time.Millisecond
	}

	m := &Manager{
		pools:      make(map[string]*poolState, len(configs)),
		changeCh:   make(chan struct{}),
		alpha:      alpha,
		tickPeriod: tickPeriod,
		stopCh:     make(chan struct{}),
	}

	normalizeRatios(configs)
	for _, c := range configs {
		m.pools[c.ID] = &poolState{cfg: c, ratio: c.Ratio}
	}

	return m
}

// normalizeRatios rescales ratios to sum to 1 if the caller's
// configuration does not, per spec.md §3's "implementer MUST normalize".
func normalizeRatios(configs []ratelimit.JobTypeConfig) {
	var sum float64
	for _, c := range configs {
		sum += c.Ratio
	}
	if sum <= 0 || sum == 1 {
		return
	}
	for i := range configs {
		configs[i].Ratio /= sum
	}
}

// Start launches the ratio-adjustment loop in the background. Callers
// own the returned cancellation via Stop.
func (m *Manager) Start(ctx context.Context) {
	go m.adjustLoop(ctx)
}

// Stop terminates the adjustment loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// SetCapacity installs a new total slot capacity, as pushed down from the
// Availability Tracker / Allocation. Recomputing slot counts happens
// lazily on the next AcquireSlot/HasCapacity call.
func (m *Manager) SetCapacity(capacity int) {
	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	m.mu.Lock()
	old := m.changeCh
	m.changeCh = make(chan struct{})
	cb := m.onChange
	m.mu.Unlock()
	close(old)
	if cb != nil {
		cb()
	}
}

// slotsLocked computes floor(capacity * ratio) clamped to
// [minCapacity, maxCapacity], per spec.md §4.3.
func (m *Manager) slotsLocked(p *poolState) int {
	slots := int(float64(m.capacity) * p.ratio)
	if slots < p.cfg.MinCapacity {
		slots = p.cfg.MinCapacity
	}
	if p.cfg.MaxCapacity > 0 && slots > p.cfg.MaxCapacity {
		slots = p.cfg.MaxCapacity
	}
	return slots
}

// HasCapacity is a cheap, non-reserving predicate.
func (m *Manager) HasCapacity(jobType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[jobType]
	if !ok {
		return false
	}
	return p.issued < m.slotsLocked(p)
}

// AcquireSlot blocks (cooperatively, honoring ctx) until a slot for
// jobType is available, or ctx is cancelled. It rechecks on every
// capacity-change signal and on a poll interval bounded by 100ms, per
// spec.md §4.3.
func (m *Manager) AcquireSlot(ctx context.Context, jobType string) (*Token, error) {
	m.mu.Lock()
	p, ok := m.pools[jobType]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownJobType
	}
	p.demand++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		p.demand--
		m.mu.Unlock()
	}()

	const pollInterval = 100 * time.Millisecond
	timer := time.NewTicker(pollInterval)
	defer timer.Stop()

	waited := false
	for {
		m.mu.Lock()
		changeCh := m.changeCh
		if p.issued < m.slotsLocked(p) {
			p.issued++
			m.mu.Unlock()
			return &Token{jobType: jobType}, nil
		}
		m.mu.Unlock()

		if !waited {
			waited = true
			metrics.GetMetrics().RecordJobTypeSlotWait()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changeCh:
		case <-timer.C:
		}
	}
}

// Release gives back a slot token.
func (m *Manager) Release(t *Token) {
	if t == nil || t.released {
		return
	}
	m.mu.Lock()
	t.released = true
	if p, ok := m.pools[t.jobType]; ok && p.issued > 0 {
		p.issued--
	}
	m.mu.Unlock()
	m.notify()
}

// adjustLoop is the ratio-adjustment loop from spec.md §4.3: it samples
// demand for flexible job types on a fixed tick, computes each flexible
// type's demand share, smooths toward the target with factor alpha, and
// re-normalizes so flexible ratios plus the fixed-ratio budget sum to 1.
func (m *Manager) adjustLoop(ctx context.Context) {
	ticker := time.NewTicker(m.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.adjustOnce()
		}
	}
}

func (m *Manager) adjustOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fixedBudget float64
	var totalFlexDemand int
	flexible := make([]*poolState, 0, len(m.pools))

	for _, p := range m.pools {
		if p.cfg.Flexible {
			flexible = append(flexible, p)
			totalFlexDemand += p.demand
		} else {
			fixedBudget += p.ratio
		}
	}
	if len(flexible) == 0 {
		return
	}

	changed := false
	for _, p := range flexible {
		var demandShare float64
		if totalFlexDemand > 0 {
			demandShare = float64(p.demand) / float64(totalFlexDemand)
		} else {
			demandShare = 1.0 / float64(len(flexible))
		}
		target := (1 - fixedBudget) * demandShare
		next := (1-m.alpha)*p.ratio + m.alpha*target
		if next != p.ratio {
			changed = true
		}
		p.ratio = next
	}

	// Re-normalize flexible ratios so that sum(flexible)+fixedBudget == 1.
	var flexSum float64
	for _, p := range flexible {
		flexSum += p.ratio
	}
	wantFlexSum := 1 - fixedBudget
	if flexSum > 0 && wantFlexSum >= 0 {
		scale := wantFlexSum / flexSum
		for _, p := range flexible {
			p.ratio *= scale
		}
	}

	if changed {
		go m.notify()
	}
}

// Ratios returns the current ratio of every job type, for the Memory
// Manager and the distributed Allocation divider to consume.
func (m *Manager) Ratios() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.pools))
	for id, p := range m.pools {
		out[id] = p.ratio
	}
	return out
}

// Stats is a point-in-time snapshot for one job type.
type Stats struct {
	Ratio  float64
	Slots  int
	Issued int
	Demand int
}

// Snapshot returns a snapshot of every job type's pool.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.pools))
	for id, p := range m.pools {
		out[id] = Stats{Ratio: p.ratio, Slots: m.slotsLocked(p), Issued: p.issued, Demand: p.demand}
	}
	return out
}
