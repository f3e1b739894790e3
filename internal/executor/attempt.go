package executor

import (
	"context"
	"fmt"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// releaseCoordSlot releases modelID's remote slot and warns (rather than
// silently dropping the error) since a failed Release leaks that slot
// from the coordination backend's point of view until its TTL/cleanup
// reclaims it.
func (e *Executor) releaseCoordSlot(ctx context.Context, job Job, modelID string, entry ratelimit.UsageEntry) {
	if err := e.coord.Release(ctx, modelID, entry); err != nil {
		logging.Warn("coordination backend Release failed, remote slot will age out via cleanup", map[string]interface{}{
			"job_id": job.ID, "model": modelID, "error": err.Error(),
		})
	}
}

// runAttempt runs job.Func once on modelID against an already-acquired
// local reservation r and memory handle memHandle, and settles all three
// (limiter, memory, remote slot) according to what the Reporter says
// happened. It returns this attempt's partial Result (usage/cost only;
// Data/ModelUsed are set only on outcomeResolved), the terminal error for
// this attempt (nil if it resolved or asked to delegate), and whether
// the caller should try the next model in the escalation order.
func (e *Executor) runAttempt(
	ctx context.Context,
	job Job,
	modelID string,
	cfg ratelimit.JobTypeConfig,
	r *modellimiter.Reservation,
	memHandle *memmgr.Handle,
) (Result, error, bool) {
	limiter := e.limiters[modelID]
	modelCfg := e.models[modelID]

	reporter := &Reporter{}
	panicVal := e.invoke(ctx, job, modelID, reporter)

	if panicVal != nil {
		limiter.ReleaseReservation(r)
		e.releaseCoordSlot(ctx, job, modelID, ratelimit.UsageEntry{ModelID: modelID})
		if memHandle != nil {
			e.memMgr.Release(memHandle)
		}
		logging.Error("job panicked", map[string]interface{}{
			"job_id": job.ID, "model": modelID, "error": panicToError(panicVal).Error(),
		})
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrUserJobError, Err: panicToError(panicVal)}, false
	}

	outcome, usage, data, delegate := reporter.snapshot()

	if outcome == outcomeNone {
		limiter.ReleaseReservation(r)
		e.releaseCoordSlot(ctx, job, modelID, ratelimit.UsageEntry{ModelID: modelID})
		if memHandle != nil {
			e.memMgr.Release(memHandle)
		}
		logging.Error("job returned without calling Resolve or Reject", map[string]interface{}{
			"job_id": job.ID, "model": modelID,
		})
		return Result{}, &ratelimit.Error{Kind: ratelimit.ErrJobProtocolViolation}, false
	}

	entry := ratelimit.UsageEntry{
		ModelID:      modelID,
		InputTokens:  usage.InputTokens,
		CachedTokens: usage.CachedTokens,
		OutputTokens: usage.OutputTokens,
		Requests:     usage.Requests,
	}
	entry.Cost = ratelimit.Cost(modelCfg, entry)

	limiter.Commit(r, entry.TotalTokens(), entry.Requests)
	e.releaseCoordSlot(ctx, job, modelID, entry)
	if memHandle != nil {
		e.memMgr.Release(memHandle)
	}

	partial := Result{Usage: []ratelimit.UsageEntry{entry}, TotalCost: entry.Cost}

	switch outcome {
	case outcomeResolved:
		partial.Data = data
		partial.ModelUsed = modelID
		return partial, nil, false
	case outcomeRejected:
		if delegate {
			metrics.GetMetrics().RecordDelegationHop()
			logging.Info("job delegated to next model", map[string]interface{}{
				"job_id": job.ID, "model": modelID,
			})
			return partial, nil, true
		}
		logging.Debug("job rejected, not delegating", map[string]interface{}{"job_id": job.ID, "model": modelID})
		return partial, &ratelimit.Error{Kind: ratelimit.ErrUserJobError}, false
	default:
		logging.Error("reporter reached an unknown outcome", map[string]interface{}{"job_id": job.ID, "model": modelID})
		return partial, &ratelimit.Error{Kind: ratelimit.ErrJobProtocolViolation}, false
	}
}

// invoke runs job.Func, converting a panic into a returned value instead
// of propagating it, so a user job's bug fails only its own job.
func (e *Executor) invoke(ctx context.Context, job Job, modelID string, r *Reporter) (panicVal any) {
	defer func() {
		panicVal = recover()
	}()
	job.Func(ctx, modelID, job.Args, r)
	return nil
}

func panicToError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", v)
}
