// Package executor implements the Delegation Executor (C6): the state
// machine from spec.md §4.4 that turns one queued job into a sequence
// of reservation attempts across an escalation order of models,
// coordinating the Job-Type Manager, the Model Limiter, the Memory
// Manager and the Coordination Client. Grounded on the teacher's
// compute.ReservationClient.Reserve (internal/compute/reservation.go):
// same "try primary, fall back through alternates, roll back whatever
// was partially acquired" shape, generalized from GPU-provider fallback
// to model-escalation fallback.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/coordination"
	"github.com/aiserve/ratelimitd/internal/jobtype"
	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// changeSignal is a tiny one-to-many broadcast: notify() closes and
// replaces the channel every waiter is blocked on. Used to wake the
// escalation loop whenever any model limiter's state changes, instead
// of spinning.
type changeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newChangeSignal() *changeSignal {
	return &changeSignal{ch: make(chan struct{})}
}

func (c *changeSignal) notify() {
	c.mu.Lock()
	old := c.ch
	c.ch = make(chan struct{})
	c.mu.Unlock()
	close(old)
}

func (c *changeSignal) wait() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Executor is the Delegation Executor. One Executor serves every job
// type and model configured on an instance.
type Executor struct {
	escalationOrder []string

	jobTypeMgr *jobtype.Manager
	memMgr     *memmgr.Manager
	coord      *coordination.Client

	limiters map[string]*modellimiter.Limiter
	models   map[string]ratelimit.ModelConfig
	jobTypes map[string]ratelimit.JobTypeConfig

	changes *changeSignal
}

// New builds a Delegation Executor. escalationOrder is the default
// model try-order for queueJob; limiters/models must contain every
// model named in escalationOrder. The Executor installs an OnChange
// hook on every limiter so the escalation loop wakes as soon as any
// model's capacity changes, rather than polling blindly.
func New(
	escalationOrder []string,
	jobTypeMgr *jobtype.Manager,
	memMgr *memmgr.Manager,
	coord *coordination.Client,
	limiters map[string]*modellimiter.Limiter,
	models map[string]ratelimit.ModelConfig,
	jobTypes map[string]ratelimit.JobTypeConfig,
) *Executor {
	e := &Executor{
		escalationOrder: escalationOrder,
		jobTypeMgr:      jobTypeMgr,
		memMgr:          memMgr,
		coord:           coord,
		limiters:        limiters,
		models:          models,
		jobTypes:        jobTypes,
		changes:         newChangeSignal(),
	}
	for _, l := range limiters {
		l.OnChange(e.changes.notify)
	}
	return e
}

func (e *Executor) estimate(jobType string) ratelimit.Estimate {
	cfg := e.jobTypes[jobType]
	return ratelimit.Estimate{Tokens: cfg.EstimatedTokens, Requests: cfg.EstimatedRequests, MemoryKB: cfg.EstimatedMemoryKB}
}

// QueueJob runs the full escalation state machine from spec.md §4.4.
func (e *Executor) QueueJob(ctx context.Context, job Job) (Result, error) {
	cfg, ok := e.jobTypes[job.JobType]
	if !ok {
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUnknownJobType}
	}

	jtToken, err := e.jobTypeMgr.AcquireSlot(ctx, job.JobType)
	if err != nil {
		if errors.Is(err, jobtype.ErrUnknownJobType) {
			return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUnknownJobType}
		}
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrCancelled, Err: err}
	}
	defer e.jobTypeMgr.Release(jtToken)

	escalation := job.EscalationOrder
	if len(escalation) == 0 {
		escalation = e.escalationOrder
	}
	for _, m := range escalation {
		if _, ok := e.models[m]; !ok {
			return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUnknownModel}
		}
	}

	est := e.estimate(job.JobType)
	triedModels := make(map[string]bool, len(escalation))
	remoteExhaustionPasses := 0
	var usageLog []ratelimit.UsageEntry
	var totalCost float64

	for {
		select {
		case <-ctx.Done():
			return Result{}, &ratelimit.Error{Kind: ratelimit.ErrCancelled, Err: ctx.Err()}
		default:
		}

		m, found := e.nextCandidate(escalation, triedModels, est)
		if !found {
			if !e.waitForChange(ctx) {
				return Result{}, &ratelimit.Error{Kind: ratelimit.ErrCancelled, Err: ctx.Err()}
			}
			if allTried(escalation, triedModels) {
				triedModels = make(map[string]bool, len(escalation))
			}
			continue
		}
		triedModels[m] = true

		limiter := e.limiters[m]

		var memHandle *memmgr.Handle
		if cfg.EstimatedMemoryKB > 0 {
			memHandle = e.memMgr.Acquire(job.JobType, cfg.EstimatedMemoryKB)
			if memHandle == nil {
				continue
			}
		}

		r := limiter.TryReserve(job.ID, est)
		if r == nil {
			if memHandle != nil {
				e.memMgr.Release(memHandle)
			}
			continue
		}

		acquired, acqErr := e.coord.Acquire(ctx, m)
		if acqErr != nil || !acquired {
			limiter.ReleaseReservation(r)
			if memHandle != nil {
				e.memMgr.Release(memHandle)
			}
			if acqErr != nil {
				logging.Warn("coordination backend unavailable during Acquire", map[string]interface{}{
					"job_id": job.ID, "model": m, "error": acqErr.Error(),
				})
			}
			if len(triedModels) == len(escalation) {
				remoteExhaustionPasses++
				if remoteExhaustionPasses >= 2 {
					logging.Info("all models exhausted after remote coordination retry pass", map[string]interface{}{
						"job_id": job.ID, "job_type": job.JobType,
					})
					return Result{}, &ratelimit.Error{Kind: ratelimit.ErrAllModelsExhausted}
				}
				triedModels = make(map[string]bool, len(escalation))
			}
			continue
		}

		result, outcomeErr, shouldDelegate := e.runAttempt(ctx, job, m, cfg, r, memHandle)
		if outcomeErr == nil && !shouldDelegate {
			result.Usage = append(usageLog, result.Usage...)
			result.TotalCost += totalCost
			return result, nil
		}

		// Fold this attempt's usage/cost into the running total
		// regardless of outcome: a rejected or errored attempt may
		// still have consumed tokens before failing.
		usageLog = append(usageLog, result.Usage...)
		totalCost += result.TotalCost

		if shouldDelegate {
			continue
		}
		return Result{Usage: usageLog, TotalCost: totalCost}, outcomeErr
	}
}

// QueueJobForModel dispatches directly to one model, bypassing the
// Job-Type Manager's slot accounting and the escalation loop entirely
// (Open Question decision, see DESIGN.md): it still draws against the
// job type's memory budget and estimate, since those are per-job-type
// quantities independent of which model executes the job.
func (e *Executor) QueueJobForModel(ctx context.Context, modelID string, job Job) (Result, error) {
	cfg, ok := e.jobTypes[job.JobType]
	if !ok {
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUnknownJobType}
	}
	limiter, ok := e.limiters[modelID]
	if !ok {
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUnknownModel}
	}

	est := e.estimate(job.JobType)

	var memHandle *memmgr.Handle
	if cfg.EstimatedMemoryKB > 0 {
		memHandle = e.memMgr.Acquire(job.JobType, cfg.EstimatedMemoryKB)
		if memHandle == nil {
			return Result{}, &ratelimit.Error{Kind: ratelimit.ErrAllModelsExhausted}
		}
	}
	r := limiter.TryReserve(job.ID, est)
	if r == nil {
		if memHandle != nil {
			e.memMgr.Release(memHandle)
		}
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrAllModelsExhausted}
	}
	acquired, err := e.coord.Acquire(ctx, modelID)
	if err != nil || !acquired {
		limiter.ReleaseReservation(r)
		if memHandle != nil {
			e.memMgr.Release(memHandle)
		}
		if err != nil {
			logging.Warn("coordination backend unavailable during Acquire", map[string]interface{}{
				"job_id": job.ID, "model": modelID, "error": err.Error(),
			})
			return Result{}, &ratelimit.Error{Kind: ratelimit.ErrCoordinationUnavailable, Err: err}
		}
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrAllModelsExhausted}
	}

	result, outcomeErr, _ := e.runAttempt(ctx, job, modelID, cfg, r, memHandle)
	return result, outcomeErr
}

// nextCandidate returns the first model in escalation that has not been
// tried and currently reports local capacity for est.
func (e *Executor) nextCandidate(escalation []string, tried map[string]bool, est ratelimit.Estimate) (string, bool) {
	for _, m := range escalation {
		if tried[m] {
			continue
		}
		if e.limiters[m].HasCapacity(est) {
			return m, true
		}
	}
	return "", false
}

func allTried(escalation []string, tried map[string]bool) bool {
	for _, m := range escalation {
		if !tried[m] {
			return false
		}
	}
	return true
}

// waitForChange blocks until a limiter reports a change, a bounded poll
// interval elapses, or ctx is cancelled (returns false in that case).
func (e *Executor) waitForChange(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-e.changes.wait():
		return true
	case <-time.After(100 * time.Millisecond):
		return true
	}
}
