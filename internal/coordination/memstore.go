package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// MemStore is an in-process Store, for deterministic tests and the
// single-instance demo mode. It implements the same RECOMPUTE math as
// every networked backend so behavior observed against MemStore
// generalizes to redisstore/pgstore/sqlitestore — see
// conformance_test.go, which runs one test suite against all of them.
type MemStore struct {
	mu sync.Mutex

	models   map[string]ModelCapacity
	jobTypes map[string]JobTypeResource

	instances   map[string]*ratelimit.InstanceRegistration
	allocations map[string]ratelimit.Allocation
	actuals     map[string]map[windowKey]int64 // modelId -> (dim,windowStart) -> sum

	subscribers map[string]chan Update

	windowMs struct{ minute, day int64 }
}

type windowKey struct {
	dim   ratelimit.Dimension
	start int64
}

// NewMemStore builds a MemStore seeded with static model and job-type
// configuration — the coordination layer's view of modelCapacities and
// jobTypeResources from spec.md §4.5.
func NewMemStore(models []ratelimit.ModelConfig, jobTypes []ratelimit.JobTypeConfig) *MemStore {
	s := &MemStore{
		models:      make(map[string]ModelCapacity, len(models)),
		jobTypes:    make(map[string]JobTypeResource, len(jobTypes)),
		instances:   make(map[string]*ratelimit.InstanceRegistration),
		allocations: make(map[string]ratelimit.Allocation),
		actuals:     make(map[string]map[windowKey]int64),
		subscribers: make(map[string]chan Update),
	}
	for _, m := range models {
		s.models[m.ID] = ModelCapacity{m}
	}
	for _, jt := range jobTypes {
		s.jobTypes[jt.ID] = JobTypeResource{
			EstimatedTokens:   jt.EstimatedTokens,
			EstimatedRequests: jt.EstimatedRequests,
			Ratio:             jt.Ratio,
		}
	}
	return s
}

func windowStart(now time.Time, windowMs int64) int64 {
	ms := now.UnixMilli()
	return ms - (ms % windowMs)
}

func (s *MemStore) actualsLocked(modelID string) WindowActuals {
	dims := s.actuals[modelID]
	var wa WindowActuals
	now := time.Now()
	if v, ok := dims[windowKey{ratelimit.DimensionTPM, windowStart(now, ratelimit.DimensionTPM.WindowMs())}]; ok {
		wa.TPM = v
	}
	if v, ok := dims[windowKey{ratelimit.DimensionRPM, windowStart(now, ratelimit.DimensionRPM.WindowMs())}]; ok {
		wa.RPM = v
	}
	if v, ok := dims[windowKey{ratelimit.DimensionTPD, windowStart(now, ratelimit.DimensionTPD.WindowMs())}]; ok {
		wa.TPD = v
	}
	if v, ok := dims[windowKey{ratelimit.DimensionRPD, windowStart(now, ratelimit.DimensionRPD.WindowMs())}]; ok {
		wa.RPD = v
	}
	return wa
}

// recomputeLocked runs RECOMPUTE and writes the resulting Allocation to
// every registered instance, publishing an Update to each subscriber.
// Must be called with s.mu held.
func (s *MemStore) recomputeLocked() {
	in := recomputeInput{
		instanceCount: len(s.instances),
		models:        s.models,
		jobTypes:      s.jobTypes,
		actuals:       make(map[string]WindowActuals, len(s.models)),
	}
	for modelID := range s.models {
		in.actuals[modelID] = s.actualsLocked(modelID)
	}
	out := recompute(in)

	metrics.GetMetrics().RecordRecompute()
	logging.Debug("RECOMPUTE ran", map[string]interface{}{
		"backend": "mem", "instance_count": in.instanceCount, "models": len(out.pools),
	})

	alloc := ratelimit.Allocation{InstanceCount: in.instanceCount, Pools: out.pools}
	for instanceID := range s.instances {
		s.allocations[instanceID] = alloc
		if ch, ok := s.subscribers[instanceID]; ok {
			select {
			case ch <- Update{InstanceID: instanceID, Allocation: alloc}:
			default:
			}
		}
	}
}

func (s *MemStore) Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances[instanceID] = &ratelimit.InstanceRegistration{
		InstanceID:      instanceID,
		LastHeartbeat:   now,
		InFlightByModel: make(map[string]int),
	}
	s.recomputeLocked()
	return s.allocations[instanceID], nil
}

func (s *MemStore) Unregister(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.instances, instanceID)
	delete(s.allocations, instanceID)
	s.recomputeLocked()
	return nil
}

func (s *MemStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[instanceID]
	if !ok {
		return false, nil
	}
	alloc, ok := s.allocations[instanceID]
	if !ok {
		return false, nil
	}
	pool, ok := alloc.Pools[modelID]
	if !ok || pool.TotalSlots <= 0 {
		return false, nil
	}

	pool.TotalSlots--
	alloc.Pools[modelID] = pool
	s.allocations[instanceID] = alloc
	inst.InFlightByModel[modelID]++
	return true, nil
}

func (s *MemStore) Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instances[instanceID]; ok {
		if inst.InFlightByModel[modelID] > 0 {
			inst.InFlightByModel[modelID]--
		}
	}

	if s.actuals[modelID] == nil {
		s.actuals[modelID] = make(map[windowKey]int64)
	}
	tokens := int64(usage.TotalTokens())
	s.actuals[modelID][windowKey{ratelimit.DimensionTPM, windowStart(now, ratelimit.DimensionTPM.WindowMs())}] += tokens
	s.actuals[modelID][windowKey{ratelimit.DimensionRPM, windowStart(now, ratelimit.DimensionRPM.WindowMs())}] += int64(usage.Requests)
	s.actuals[modelID][windowKey{ratelimit.DimensionTPD, windowStart(now, ratelimit.DimensionTPD.WindowMs())}] += tokens
	s.actuals[modelID][windowKey{ratelimit.DimensionRPD, windowStart(now, ratelimit.DimensionRPD.WindowMs())}] += int64(usage.Requests)

	s.recomputeLocked()
	return nil
}

func (s *MemStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[instanceID]; ok {
		inst.LastHeartbeat = now
	}
	return nil
}

func (s *MemStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := false
	for id, inst := range s.instances {
		if inst.LastHeartbeat.Before(cutoff) {
			delete(s.instances, id)
			delete(s.allocations, id)
			evicted = true
		}
	}
	if evicted {
		s.recomputeLocked()
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, instanceID string) (<-chan Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Update, 16)
	s.subscribers[instanceID] = ch
	return ch, nil
}

func (s *MemStore) Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocations[instanceID], nil
}

func (s *MemStore) Close() error { return nil }
