package executor

import "sync"

// UsageReport is what a user job hands back to the executor through a
// Reporter, describing what it actually consumed.
type UsageReport struct {
	InputTokens  int
	CachedTokens int
	OutputTokens int
	Requests     int
}

type outcomeKind int

const (
	outcomeNone outcomeKind = iota
	outcomeResolved
	outcomeRejected
)

// Reporter is injected into every user job in place of a language-level
// Outcome sum type (spec.md §9's "languages without algebraic sums"
// fallback): the job calls Resolve or Reject exactly once before
// returning, and the executor checks afterward. Calling either method a
// second time is a programming error and panics, matching
// modellimiter.Reservation's double-commit rule.
type Reporter struct {
	mu       sync.Mutex
	outcome  outcomeKind
	usage    UsageReport
	data     any
	delegate bool
}

// Resolve reports successful completion: usage is committed against the
// model that ran the job, and data is returned to the caller of
// queueJob.
func (r *Reporter) Resolve(usage UsageReport, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != outcomeNone {
		panic("executor: Reporter.Resolve/Reject called more than once")
	}
	r.outcome = outcomeResolved
	r.usage = usage
	r.data = data
}

// Reject reports that the job did not complete on this model. usage
// still commits (the attempt may have partially consumed tokens before
// failing). delegate=true asks the executor to retry on another model;
// delegate=false fails the job outright.
func (r *Reporter) Reject(usage UsageReport, delegate bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome != outcomeNone {
		panic("executor: Reporter.Resolve/Reject called more than once")
	}
	r.outcome = outcomeRejected
	r.usage = usage
	r.delegate = delegate
}

func (r *Reporter) snapshot() (outcomeKind, UsageReport, any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome, r.usage, r.data, r.delegate
}
