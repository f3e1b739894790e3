// Package ratelimit holds the data model shared by the rate limiter's
// local components (counter windows, model limiters, job-type manager)
// and its distributed coordination backends.
package ratelimit

import "time"

// Dimension is one of the four windowed quota axes a model can be
// limited on; concurrency is tracked separately.
type Dimension string

const (
	DimensionTPM Dimension = "tpm"
	DimensionRPM Dimension = "rpm"
	DimensionTPD Dimension = "tpd"
	DimensionRPD Dimension = "rpd"
)

// CheckOrder is the fixed, deterministic order the Model Limiter checks
// dimensions in during tryReserve. Concurrency is checked first and is
// not part of this slice.
var CheckOrder = []Dimension{DimensionTPM, DimensionRPM, DimensionTPD, DimensionRPD}

// WindowMs returns the nominal window length for a dimension.
func (d Dimension) WindowMs() int64 {
	switch d {
	case DimensionTPD, DimensionRPD:
		return 86400_000
	default:
		return 60_000
	}
}

// ModelConfig is the static configuration of one back-end model.
type ModelConfig struct {
	ID string

	RPM *int
	RPD *int
	TPM *int
	TPD *int

	MaxConcurrent *int

	PriceInputPer1M  float64
	PriceCachedPer1M float64
	PriceOutputPer1M float64
}

// Limit returns the configured limit for a dimension, or (0, false) if
// the model does not configure that dimension.
func (m ModelConfig) Limit(d Dimension) (int, bool) {
	var p *int
	switch d {
	case DimensionTPM:
		p = m.TPM
	case DimensionRPM:
		p = m.RPM
	case DimensionTPD:
		p = m.TPD
	case DimensionRPD:
		p = m.RPD
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// ConfiguredDimensions returns the dimensions this model has a limit for,
// in CheckOrder.
func (m ModelConfig) ConfiguredDimensions() []Dimension {
	out := make([]Dimension, 0, len(CheckOrder))
	for _, d := range CheckOrder {
		if _, ok := m.Limit(d); ok {
			out = append(out, d)
		}
	}
	return out
}

// JobTypeConfig is the static configuration of one job type.
type JobTypeConfig struct {
	ID                string
	EstimatedTokens   int
	EstimatedRequests int
	EstimatedMemoryKB int64
	Ratio             float64
	Flexible          bool
	MinCapacity       int
	MaxCapacity       int // 0 means unbounded
}

// CounterState is the mutable state of a single (model, dimension)
// counter window.
type CounterState struct {
	Reserved    int
	Committed   int
	WindowStart int64 // epoch milliseconds, aligned to the window boundary
}

// Estimate is the per-dimension estimate of one job attempt on one model.
type Estimate struct {
	Tokens        int
	Requests      int
	MemoryKB      int64
}

// UsageEntry records actual usage + cost for a single attempt on a
// single model.
type UsageEntry struct {
	ModelID       string
	InputTokens   int
	CachedTokens  int
	OutputTokens  int
	Requests      int
	Cost          float64
}

// TotalTokens returns the entry's input, cached and output tokens
// summed, the token count a counter window commits.
func (u UsageEntry) TotalTokens() int {
	return u.InputTokens + u.CachedTokens + u.OutputTokens
}

// Cost computes the dollar cost of a usage entry against a model's
// pricing triple (dollars per 10^6 tokens), per spec.md §4.4.
func Cost(cfg ModelConfig, u UsageEntry) float64 {
	return (float64(u.InputTokens)*cfg.PriceInputPer1M +
		float64(u.CachedTokens)*cfg.PriceCachedPer1M +
		float64(u.OutputTokens)*cfg.PriceOutputPer1M) / 1_000_000
}

// Allocation is what the distributed Allocator (C8) computes and pushes
// to one instance.
type Allocation struct {
	InstanceCount int
	Pools         map[string]ModelPool // modelId -> pool
}

// ModelPool is the per-model slot budget and the per-instance rate
// residuals it was derived from.
type ModelPool struct {
	TotalSlots        int
	TokensPerMinute   int
	RequestsPerMinute int
	TokensPerDay      int
	RequestsPerDay    int
}

// InstanceRegistration is the coordinator's view of one live instance.
type InstanceRegistration struct {
	InstanceID      string
	LastHeartbeat   time.Time
	InFlightByModel map[string]int
}
