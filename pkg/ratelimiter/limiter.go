// Package ratelimiter is the public contract from spec.md §6: the only
// surface external callers use. It wires together the Job-Type Manager
// (C4), every configured model's Model Limiter (C2), the Memory Manager
// (C3), the Availability Tracker (C5), the Delegation Executor (C6) and
// a Coordination Client (C7) talking to a pluggable Store (C7/C8
// backend), and exposes queueJob/queueJobForModel/hasCapacity*/
// getStats-family/start/stop/Watch exactly as spec.md §6 and §8
// describe, adapted to Go naming.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/aiserve/ratelimitd/internal/availability"
	"github.com/aiserve/ratelimitd/internal/coordination"
	"github.com/aiserve/ratelimitd/internal/executor"
	"github.com/aiserve/ratelimitd/internal/jobtype"
	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Limiter is the assembled rate limiter for one instance.
type Limiter struct {
	escalationOrder []string

	jtMgr *jobtype.Manager
	mem   *memmgr.Manager
	coord *coordination.Client
	exec  *executor.Executor

	tracker *availability.Tracker

	limiters map[string]*modellimiter.Limiter
	models   map[string]ratelimit.ModelConfig
	jobTypes map[string]ratelimit.JobTypeConfig
}

// New assembles every component from cfg. It does not start any
// background loop or register with the coordination backend — call
// Start for that.
func New(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errors.New("ratelimiter: Config.Store is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("ratelimiter: Config.InstanceID is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("ratelimiter: Config.Models must not be empty")
	}
	if len(cfg.JobTypes) == 0 {
		return nil, errors.New("ratelimiter: Config.JobTypes must not be empty")
	}

	jtMgr := jobtype.New(cfg.JobTypes, cfg.Alpha, cfg.TickPeriod)
	mem := memmgr.New(cfg.MemoryTotalKB)
	mem.SetRatios(jtMgr.Ratios())

	limiters := make(map[string]*modellimiter.Limiter, len(cfg.Models))
	models := make(map[string]ratelimit.ModelConfig, len(cfg.Models))
	for _, m := range cfg.Models {
		limiters[m.ID] = modellimiter.New(m)
		models[m.ID] = m
	}

	jobTypes := make(map[string]ratelimit.JobTypeConfig, len(cfg.JobTypes))
	for _, jt := range cfg.JobTypes {
		jobTypes[jt.ID] = jt
	}

	escalation := cfg.EscalationOrder
	if len(escalation) == 0 {
		for _, m := range cfg.Models {
			escalation = append(escalation, m.ID)
		}
	}
	for _, m := range escalation {
		if _, ok := models[m]; !ok {
			return nil, fmt.Errorf("ratelimiter: EscalationOrder names unknown model %q", m)
		}
	}

	coordClient := coordination.NewClient(cfg.Store, cfg.InstanceID, cfg.HeartbeatEvery, cfg.StaleAfter)

	tracker := availability.New(mem)
	primaryJobType := cfg.JobTypes[0]
	for _, m := range cfg.Models {
		est := ratelimit.Estimate{
			Tokens:   primaryJobType.EstimatedTokens,
			Requests: primaryJobType.EstimatedRequests,
			MemoryKB: primaryJobType.EstimatedMemoryKB,
		}
		tracker.Watch(m.ID, limiters[m.ID], primaryJobType.ID, est)
	}
	jtMgr.OnChange(func() {
		mem.SetRatios(jtMgr.Ratios())
		tracker.RecomputeAll()
	})

	// The Job-Type Manager's total per-instance capacity C (spec.md
	// §4.3) and the Availability Tracker's distributed residual both
	// derive from the same pushed Allocation: C is the sum of every
	// model's totalSlots (Open Question decision, DESIGN.md), and each
	// model's own totalSlots is its distributed residual directly.
	coordClient.OnAllocation(func(alloc ratelimit.Allocation) {
		var total int
		for modelID, pool := range alloc.Pools {
			total += pool.TotalSlots
			tracker.SetDistributedResidual(modelID, pool.TotalSlots)
		}
		jtMgr.SetCapacity(total)
	})

	exec := executor.New(escalation, jtMgr, mem, coordClient, limiters, models, jobTypes)

	return &Limiter{
		escalationOrder: escalation,
		jtMgr:           jtMgr,
		mem:             mem,
		coord:           coordClient,
		exec:            exec,
		tracker:         tracker,
		limiters:        limiters,
		models:          models,
		jobTypes:        jobTypes,
	}, nil
}

// QueueJob runs the full escalation/delegation state machine
// (spec.md §4.4) for one job.
func (l *Limiter) QueueJob(ctx context.Context, opts JobOpts) (Result, error) {
	job := executor.Job{
		ID:              opts.ID,
		JobType:         opts.JobType,
		Args:            opts.Args,
		Func:            opts.Func,
		EscalationOrder: opts.EscalationOrder,
	}
	res, err := l.exec.QueueJob(ctx, job)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err, res.Usage)
		}
		return res, err
	}
	if opts.OnComplete != nil {
		opts.OnComplete(res)
	}
	return res, nil
}

// QueueJobForModel dispatches directly to modelID with no escalation
// and no Job-Type Manager involvement, per spec.md §6's
// `queueJobForModel(modelId, job)`.
func (l *Limiter) QueueJobForModel(ctx context.Context, modelID string, opts JobOpts) (Result, error) {
	job := executor.Job{ID: opts.ID, JobType: opts.JobType, Args: opts.Args, Func: opts.Func}
	res, err := l.exec.QueueJobForModel(ctx, modelID, job)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err, res.Usage)
		}
		return res, err
	}
	if opts.OnComplete != nil {
		opts.OnComplete(res)
	}
	return res, nil
}

func (l *Limiter) estimate(jobType string) ratelimit.Estimate {
	cfg := l.jobTypes[jobType]
	return ratelimit.Estimate{Tokens: cfg.EstimatedTokens, Requests: cfg.EstimatedRequests, MemoryKB: cfg.EstimatedMemoryKB}
}

// HasCapacity is true iff at least one (model, job type) pair currently
// reports local capacity. It is a cheap, non-reserving predicate whose
// answer can become stale immediately, per spec.md §4.2.
func (l *Limiter) HasCapacity() bool {
	for jtID := range l.jobTypes {
		if !l.jtMgr.HasCapacity(jtID) {
			continue
		}
		est := l.estimate(jtID)
		for _, m := range l.escalationOrder {
			if l.limiters[m].HasCapacity(est) {
				return true
			}
		}
	}
	return false
}

// HasCapacityForModel checks one model against one job type's estimate.
// Go's explicit-arguments idiom needs the job type spelled out, unlike
// spec.md §6's single-argument `hasCapacityForModel(m)` — the estimate a
// model is checked against is inherently job-type-specific.
func (l *Limiter) HasCapacityForModel(modelID, jobType string) bool {
	limiter, ok := l.limiters[modelID]
	if !ok {
		return false
	}
	return limiter.HasCapacity(l.estimate(jobType))
}

// HasCapacityForJobType checks only the Job-Type Manager's slot pool,
// independent of any model.
func (l *Limiter) HasCapacityForJobType(jobType string) bool {
	return l.jtMgr.HasCapacity(jobType)
}

// Start registers this instance with the coordination backend and
// launches the Job-Type Manager's ratio-adjustment loop, per spec.md
// §6's "start registers" contract.
func (l *Limiter) Start(ctx context.Context) error {
	if err := l.coord.Start(ctx); err != nil {
		return err
	}
	l.jtMgr.Start(ctx)
	return nil
}

// Stop unregisters this instance and halts background loops, per
// spec.md §6's "stop unregisters" contract.
func (l *Limiter) Stop(ctx context.Context) error {
	l.jtMgr.Stop()
	return l.coord.Stop(ctx)
}

// Event is one Availability Tracker change notification.
type Event = availability.Event

// Watch subscribes to the Availability Tracker's change-event bus
// (spec.md §8's Go-native addition over the programmatic contract).
func (l *Limiter) Watch(ctx context.Context) (<-chan Event, error) {
	return l.tracker.Subscribe(), nil
}
