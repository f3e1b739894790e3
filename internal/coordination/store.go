// Package coordination implements the distributed Coordination Protocol
// (C7/C8): five atomic operations plus a maintenance sweep and the
// RECOMPUTE allocation algorithm, specified in spec.md §4.5 as a
// black-box any serializable store can implement. This file holds the
// Store interface every backend (redisstore, pgstore, sqlitestore,
// memstore) satisfies; the shared RECOMPUTE math used by the Go
// backends lives in allocator.go.
package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// ErrUnavailable wraps any transient backend failure. Per spec.md §7's
// CoordinationUnavailable semantics, callers should proceed on the
// last-known Allocation rather than treat this as fatal.
var ErrUnavailable = errors.New("coordination: backend unavailable")

// Update is delivered on the subscription channel returned by Subscribe,
// mirroring the pub-sub channel in spec.md §4.5.
type Update struct {
	InstanceID string
	Allocation ratelimit.Allocation
}

// Store is the black-box interface the five atomic coordination
// operations must satisfy. Every method must execute as a single
// serialized step with respect to every other Store method — the
// specific mechanism (Lua script, SERIALIZABLE transaction, or a Go
// mutex for an in-process store) is the backend's concern, not the
// caller's.
type Store interface {
	// Register inserts instanceID with an empty inFlightByModel, triggers
	// RECOMPUTE, and returns that instance's freshly computed Allocation.
	Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error)

	// Unregister removes instanceID and its allocation, then triggers
	// RECOMPUTE.
	Unregister(ctx context.Context, instanceID string) error

	// Acquire attempts to take one slot of modelID's current allocation
	// for instanceID. False means no slot was available; nothing changed.
	Acquire(ctx context.Context, instanceID, modelID string) (bool, error)

	// Release gives back one in-flight slot and records actual usage
	// against the dimension counters for the current window(s), then
	// triggers RECOMPUTE.
	Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error

	// Heartbeat updates instanceID's liveness timestamp.
	Heartbeat(ctx context.Context, instanceID string, now time.Time) error

	// Cleanup evicts any instance whose last heartbeat is older than
	// cutoff, and triggers RECOMPUTE if anything was evicted.
	Cleanup(ctx context.Context, cutoff time.Time) error

	// Subscribe returns a channel of allocation push updates. Backends
	// that cannot push (sqlitestore, pgstore) return a channel that
	// delivers nothing and is closed when ctx is done.
	Subscribe(ctx context.Context, instanceID string) (<-chan Update, error)

	// Snapshot returns the current Allocation for instanceID without
	// mutating anything, for getAllocation()/getStats() callers.
	Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error)

	// Close releases backend resources.
	Close() error
}

// ModelCapacity is model m's static configuration as known to the
// coordination layer: the limits RECOMPUTE divides across instances.
type ModelCapacity struct {
	ratelimit.ModelConfig
}

// JobTypeResource is one job type's estimate + ratio, as needed by
// RECOMPUTE's avgEstimatedTokens/avgEstimatedRequests computation.
type JobTypeResource struct {
	EstimatedTokens   int
	EstimatedRequests int
	Ratio             float64
}

// defaultPoolCapacity is the implementation-defined fallback from
// spec.md §4.5 ("If no dimension is configured, fall back to a
// deployment-configured default... reference value 100").
const defaultPoolCapacity = 100
