package ratelimiter

import (
	"github.com/aiserve/ratelimitd/internal/executor"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Reporter is injected into every job Func; the job must call exactly
// one of Resolve or Reject before returning (spec.md §9's Reporter
// pattern, Go's stand-in for an Outcome sum type).
type Reporter = executor.Reporter

// UsageReport is what a job hands back through a Reporter.
type UsageReport = executor.UsageReport

// UsageEntry records actual usage and cost for one model attempt.
type UsageEntry = ratelimit.UsageEntry

// JobFunc is the user-supplied work for one queueJob call. It is
// invoked once per model attempted.
type JobFunc = executor.Func

// JobOpts is the argument to QueueJob, mirroring
// `Limiter.queueJob({jobId, jobType, job, args, onComplete?, onError?})`
// from spec.md §6.
type JobOpts struct {
	ID      string
	JobType string
	Args    any
	Func    JobFunc

	// EscalationOrder overrides the Limiter's default for this job only.
	EscalationOrder []string

	// OnComplete and OnError are fired synchronously before QueueJob
	// returns, carrying the same Result/error/usage QueueJob returns —
	// a convenience for callers that prefer callback style to checking
	// the returned error, per spec.md §6's contract.
	OnComplete func(Result)
	OnError    func(err error, usage []UsageEntry)
}

// Result is what QueueJob/QueueJobForModel return on success.
type Result = executor.Result
