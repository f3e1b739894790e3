package ratelimiter

import (
	"github.com/aiserve/ratelimitd/internal/jobtype"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// ModelStats is one model's point-in-time reservation/concurrency
// snapshot.
type ModelStats = modellimiter.ModelStats

// JobTypeStats is one job type's slot-pool snapshot.
type JobTypeStats = jobtype.Stats

// Allocation is the distributed pool budget pushed by the Allocator
// (C8) to this instance.
type Allocation = ratelimit.Allocation

// Stats aggregates every component's point-in-time snapshot, for
// spec.md §6's `getStats()`.
type Stats struct {
	Models     map[string]ModelStats
	JobTypes   map[string]JobTypeStats
	Allocation Allocation
}

// GetStats returns a full snapshot across every model and job type.
func (l *Limiter) GetStats() Stats {
	models := make(map[string]ModelStats, len(l.limiters))
	for id, lim := range l.limiters {
		models[id] = lim.Snapshot()
	}
	alloc, _ := l.coord.Allocation()
	return Stats{
		Models:     models,
		JobTypes:   l.jtMgr.Snapshot(),
		Allocation: alloc,
	}
}

// GetModelStats returns one model's snapshot, or false if modelID is
// not configured.
func (l *Limiter) GetModelStats(modelID string) (ModelStats, bool) {
	lim, ok := l.limiters[modelID]
	if !ok {
		return ModelStats{}, false
	}
	return lim.Snapshot(), true
}

// GetJobTypeStats returns every job type's slot-pool snapshot.
func (l *Limiter) GetJobTypeStats() map[string]JobTypeStats {
	return l.jtMgr.Snapshot()
}

// GetActiveJobs reports, per job type, how many Job-Type Manager slots
// are currently issued — one per in-flight queueJob call for that job
// type, since a slot is held for exactly the job's lifetime.
func (l *Limiter) GetActiveJobs() map[string]int {
	snap := l.jtMgr.Snapshot()
	out := make(map[string]int, len(snap))
	for id, s := range snap {
		out[id] = s.Issued
	}
	return out
}

// GetAllocation returns the last-known distributed Allocation and
// whether one has ever been applied (false before Start or before the
// first successful Register).
func (l *Limiter) GetAllocation() (Allocation, bool) {
	return l.coord.Allocation()
}
