// Package memmgr implements the Memory Manager (C3): the one
// process-wide resource in the system, partitioned across job types by
// their capacity ratio. Grounded on the teacher's
// storage.QuotaManager — a map of per-key usage counters behind a
// package-level mutex, with a periodic cleanup loop — adapted from
// per-user storage quotas to per-job-type memory budgets.
package memmgr

import (
	"sync"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Handle is returned by Acquire and must be passed to Release exactly
// once.
type Handle struct {
	jobType  string
	sizeKB   int64
	released bool
}

// Manager tracks host memory reserved per job type against a
// ratio-partitioned budget of a single total. The ratios mirror the
// Job-Type Manager's (§4.3) so a job type can never starve another job
// type's memory budget even when distributed slots are available,
// per spec.md §5's "strict" shared-resource policy.
type Manager struct {
	mu sync.Mutex

	totalKB int64
	usedKB  map[string]int64 // jobType -> currently reserved KB
	ratios  map[string]float64

	onChange func()
}

// OnChange registers a callback invoked after a Release frees budget.
// Part of the one-way event bus feeding the Availability Tracker (C5).
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// New creates a Memory Manager with a fixed total budget in KB.
func New(totalKB int64) *Manager {
	return &Manager{
		totalKB: totalKB,
		usedKB:  make(map[string]int64),
		ratios:  make(map[string]float64),
	}
}

// SetRatios installs the job-type ratio snapshot used to compute each
// job type's share of totalKB. It is safe to call this repeatedly as the
// Job-Type Manager's ratio-adjustment loop recomputes ratios.
func (m *Manager) SetRatios(ratios map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratios = ratios
}

func (m *Manager) budgetLocked(jobType string) int64 {
	ratio, ok := m.ratios[jobType]
	if !ok {
		return m.totalKB
	}
	return int64(float64(m.totalKB) * ratio)
}

// Acquire reserves sizeKB for jobType. It fails (returns nil) if the
// job type's ratio-partitioned budget is already exhausted, even though
// the process-wide total may have room — per spec.md §5.
func (m *Manager) Acquire(jobType string, sizeKB int64) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget := m.budgetLocked(jobType)
	if m.usedKB[jobType]+sizeKB > budget {
		return nil
	}
	m.usedKB[jobType] += sizeKB
	return &Handle{jobType: jobType, sizeKB: sizeKB}
}

// Release gives back a memory reservation. Safe to call once; subsequent
// calls on an already-released handle are no-ops, matching the
// "released exactly once" contract of modellimiter.Reservation but
// tolerating the executor's best-effort cleanup-on-cancel paths.
func (m *Manager) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	m.mu.Lock()

	h.released = true
	m.usedKB[h.jobType] -= h.sizeKB
	if m.usedKB[h.jobType] < 0 {
		m.usedKB[h.jobType] = 0
	}
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// HasCapacity is a cheap, non-reserving predicate.
func (m *Manager) HasCapacity(jobType string, sizeKB int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedKB[jobType]+sizeKB <= m.budgetLocked(jobType)
}

// Remaining reports the unused portion of a job type's ratio-partitioned
// budget, for the Availability Tracker's memory residual.
func (m *Manager) Remaining(jobType string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.budgetLocked(jobType) - m.usedKB[jobType]
	if r < 0 {
		return 0
	}
	return r
}

// JobTypeStats is a point-in-time snapshot for one job type.
type JobTypeStats struct {
	UsedKB   int64
	BudgetKB int64
}

// Snapshot returns usage for every job type known to the manager.
func (m *Manager) Snapshot() map[string]JobTypeStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]JobTypeStats, len(m.usedKB))
	for jt, used := range m.usedKB {
		out[jt] = JobTypeStats{UsedKB: used, BudgetKB: m.budgetLocked(jt)}
	}
	return out
}

// EstimateKB extracts the memory estimate from a job type's static
// configuration, for callers that only have the config in hand.
func EstimateKB(cfg ratelimit.JobTypeConfig) int64 {
	return cfg.EstimatedMemoryKB
}
