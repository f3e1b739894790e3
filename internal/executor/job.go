package executor

import (
	"context"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Func is a user job. It receives the model the executor selected for
// this attempt and must call exactly one of reporter.Resolve or
// reporter.Reject before returning. Panicking instead is treated as a
// non-delegating failure (ErrUserJobError), same as an explicit
// reject(delegate=false).
type Func func(ctx context.Context, modelID string, args any, reporter *Reporter)

// Job is one unit of work submitted to queueJob.
type Job struct {
	ID      string
	JobType string
	Args    any
	Func    Func

	// EscalationOrder overrides the Executor's default escalation list
	// for this job only. Empty means "use the default".
	EscalationOrder []string
}

// Result is what queueJob returns on success.
type Result struct {
	Data      any
	ModelUsed string
	TotalCost float64
	Usage     []ratelimit.UsageEntry
}
