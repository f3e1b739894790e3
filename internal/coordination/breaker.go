package coordination

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/aiserve/ratelimitd/internal/resilience"
)

// breakerService names the single gobreaker instance resilience.CircuitBreaker
// tracks for a wrapped Store (the teacher's CircuitBreaker keys breakers by
// service name; a BreakerStore only ever wraps one Store, so it uses one name).
const breakerService = "coordination-store"

// BreakerSettings configures the circuit breaker wrapping a Store's calls.
type BreakerSettings = resilience.Settings

// DefaultBreakerSettings mirrors resilience.DefaultSettings.
var DefaultBreakerSettings = resilience.DefaultSettings

// BreakerStore wraps a Store so that a struggling backend trips a
// circuit breaker instead of having every caller pile up on a slow or
// down connection. Built directly on the teacher's
// resilience.CircuitBreaker (internal/resilience/circuit_breaker.go),
// keyed under a single service name since a BreakerStore only ever
// guards one Store.
type BreakerStore struct {
	inner   Store
	breaker *resilience.CircuitBreaker
}

// NewBreakerStore wraps inner with a circuit breaker using settings (or
// DefaultBreakerSettings if MaxRequests is zero).
func NewBreakerStore(inner Store, settings BreakerSettings) *BreakerStore {
	return &BreakerStore{inner: inner, breaker: resilience.NewCircuitBreaker(settings)}
}

func (b *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.breaker.Execute(breakerService, fn)
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		logging.Warn("coordination store unavailable: circuit open", map[string]interface{}{
			"breaker": breakerService,
		})
		return nil, ErrUnavailable
	}
	return res, err
}

func (b *BreakerStore) Register(ctx context.Context, instanceID string, now time.Time) (ratelimit.Allocation, error) {
	res, err := b.execute(func() (interface{}, error) { return b.inner.Register(ctx, instanceID, now) })
	if err != nil {
		return ratelimit.Allocation{}, err
	}
	return res.(ratelimit.Allocation), nil
}

func (b *BreakerStore) Unregister(ctx context.Context, instanceID string) error {
	_, err := b.execute(func() (interface{}, error) { return nil, b.inner.Unregister(ctx, instanceID) })
	return err
}

func (b *BreakerStore) Acquire(ctx context.Context, instanceID, modelID string) (bool, error) {
	res, err := b.execute(func() (interface{}, error) { return b.inner.Acquire(ctx, instanceID, modelID) })
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (b *BreakerStore) Release(ctx context.Context, instanceID, modelID string, usage ratelimit.UsageEntry, now time.Time) error {
	_, err := b.execute(func() (interface{}, error) { return nil, b.inner.Release(ctx, instanceID, modelID, usage, now) })
	return err
}

func (b *BreakerStore) Heartbeat(ctx context.Context, instanceID string, now time.Time) error {
	_, err := b.execute(func() (interface{}, error) { return nil, b.inner.Heartbeat(ctx, instanceID, now) })
	return err
}

func (b *BreakerStore) Cleanup(ctx context.Context, cutoff time.Time) error {
	_, err := b.execute(func() (interface{}, error) { return nil, b.inner.Cleanup(ctx, cutoff) })
	return err
}

func (b *BreakerStore) Subscribe(ctx context.Context, instanceID string) (<-chan Update, error) {
	return b.inner.Subscribe(ctx, instanceID)
}

func (b *BreakerStore) Snapshot(ctx context.Context, instanceID string) (ratelimit.Allocation, error) {
	res, err := b.execute(func() (interface{}, error) { return b.inner.Snapshot(ctx, instanceID) })
	if err != nil {
		return ratelimit.Allocation{}, err
	}
	return res.(ratelimit.Allocation), nil
}

func (b *BreakerStore) Close() error { return b.inner.Close() }

// State exposes the breaker's current state for getStats()-style
// observability.
func (b *BreakerStore) State() gobreaker.State { return b.breaker.GetState(breakerService) }

var _ Store = (*BreakerStore)(nil)
