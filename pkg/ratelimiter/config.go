package ratelimiter

import (
	"time"

	"github.com/aiserve/ratelimitd/internal/coordination"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// ModelConfig and JobTypeConfig are the static configuration entities
// from the data model (spec.md §3). Aliased here so callers never need
// to import internal/ratelimit directly.
type ModelConfig = ratelimit.ModelConfig
type JobTypeConfig = ratelimit.JobTypeConfig

// Store is the Coordination Protocol backend (C7/C8) a Limiter talks to.
// internal/coordination ships MemStore, RedisStore, PgStore and
// SqliteStore implementations, any of which (or a BreakerStore wrapping
// one) may be passed here.
type Store = coordination.Store

// Config is everything New needs to assemble a Limiter.
type Config struct {
	// Models and JobTypes are this instance's static configuration.
	// Both must be non-empty.
	Models   []ModelConfig
	JobTypes []JobTypeConfig

	// EscalationOrder is the default model try-order for queueJob.
	// Defaults to Models in the order given.
	EscalationOrder []string

	// Store is the coordination backend. Required.
	Store Store

	// InstanceID identifies this process to the coordination backend.
	// Required.
	InstanceID string

	// MemoryTotalKB is the process-wide memory budget partitioned
	// across job types by their ratio.
	MemoryTotalKB int64

	// Alpha and TickPeriod tune the Job-Type Manager's flexible-ratio
	// smoothing loop; zero values fall back to the documented defaults
	// (0.2, 250ms).
	Alpha      float64
	TickPeriod time.Duration

	// HeartbeatEvery and StaleAfter tune the Coordination Client; zero
	// values fall back to 5s/30s.
	HeartbeatEvery time.Duration
	StaleAfter     time.Duration
}
