package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiserve/ratelimitd/internal/logging"
	"github.com/aiserve/ratelimitd/internal/metrics"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
)

// Client is the Coordination Client (C7): the Delegation Executor's only
// entry point into the distributed protocol. It owns the stale
// allocation guard from spec.md §4.5 ("the client tracks the largest
// instanceCount it has ever applied and ignores allocations whose
// instanceCount is smaller"), the CoordinationUnavailable fallback from
// spec.md §7 ("local operation proceeds using last-known allocation"),
// and the heartbeat/cleanup timers.
type Client struct {
	store      Store
	instanceID string

	heartbeatEvery time.Duration
	staleAfter     time.Duration

	mu              sync.RWMutex
	lastAllocation  ratelimit.Allocation
	haveAllocation  bool
	maxSeenInstances int

	stopCh   chan struct{}
	stopOnce sync.Once

	onAllocation func(ratelimit.Allocation)
}

// OnAllocation registers a callback invoked every time a new Allocation
// is applied (on Start and on every subsequent push), after the stale
// allocation guard has accepted it. Used by pkg/ratelimiter to feed the
// Job-Type Manager's total capacity and the Availability Tracker's
// distributed residual from the same source of truth.
func (c *Client) OnAllocation(fn func(ratelimit.Allocation)) {
	c.mu.Lock()
	c.onAllocation = fn
	c.mu.Unlock()
}

// NewClient builds a Coordination Client over store. heartbeatEvery and
// staleAfter default to 5s/30s (a 1:6 ratio similar to the teacher's
// health-check cadence in loadbalancer.go) when zero.
func NewClient(store Store, instanceID string, heartbeatEvery, staleAfter time.Duration) *Client {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 5 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Client{
		store:          store,
		instanceID:     instanceID,
		heartbeatEvery: heartbeatEvery,
		staleAfter:     staleAfter,
		stopCh:         make(chan struct{}),
	}
}

// Start registers the instance, applies the initial Allocation, and
// launches the heartbeat loop. Matches Limiter.start()'s "start
// registers" contract from spec.md §6.
func (c *Client) Start(ctx context.Context) error {
	alloc, err := c.store.Register(ctx, c.instanceID, time.Now())
	if err != nil {
		return err
	}
	c.applyAllocation(alloc)

	go c.heartbeatLoop()
	go c.subscribeLoop()
	return nil
}

// Stop unregisters the instance and halts background loops. Matches
// Limiter.stop()'s "stop unregisters" contract.
func (c *Client) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	return c.store.Unregister(ctx, c.instanceID)
}

func (c *Client) heartbeatLoop() {
	const cleanupEveryTicks = 3
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	var ticks int
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatEvery)
			if err := c.store.Heartbeat(ctx, c.instanceID, time.Now()); err != nil {
				metrics.GetMetrics().RecordHeartbeatMiss()
				logging.Warn("coordination backend heartbeat failed", map[string]interface{}{
					"instance_id": c.instanceID, "error": err.Error(),
				})
			}
			ticks++
			if ticks%cleanupEveryTicks == 0 {
				if err := c.RunCleanup(ctx); err != nil {
					logging.Warn("coordination backend cleanup failed", map[string]interface{}{
						"instance_id": c.instanceID, "error": err.Error(),
					})
				}
			}
			cancel()
		}
	}
}

func (c *Client) subscribeLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-c.stopCh
		cancel()
	}()

	updates, err := c.store.Subscribe(ctx, c.instanceID)
	if err != nil {
		return
	}
	for up := range updates {
		c.applyAllocation(up.Allocation)
	}
}

// applyAllocation installs alloc as the last-known Allocation unless the
// stale allocation guard rejects it.
func (c *Client) applyAllocation(alloc ratelimit.Allocation) {
	c.mu.Lock()
	if alloc.InstanceCount < c.maxSeenInstances {
		c.mu.Unlock()
		return
	}
	c.maxSeenInstances = alloc.InstanceCount
	c.lastAllocation = alloc
	c.haveAllocation = true
	cb := c.onAllocation
	c.mu.Unlock()

	metrics.GetMetrics().SetInstanceCount(int64(alloc.InstanceCount))

	if cb != nil {
		cb(alloc)
	}
}

// Allocation returns the last-known (guard-filtered) Allocation.
func (c *Client) Allocation() (ratelimit.Allocation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAllocation, c.haveAllocation
}

// Acquire attempts to take one remote slot for modelID. On
// CoordinationUnavailable it falls back to the last-known Allocation's
// pool for modelID: if that pool still shows open capacity, Acquire
// optimistically succeeds without confirming against the backend,
// exactly as spec.md §7 prescribes ("local operation proceeds using
// last-known allocation"). If that pool is missing or empty it returns
// (false, nil); only when no Allocation is known yet is the error
// surfaced. Either way the executor treats the model as exhausted this
// pass.
func (c *Client) Acquire(ctx context.Context, modelID string) (bool, error) {
	ok, err := c.store.Acquire(ctx, c.instanceID, modelID)
	if err == nil {
		return ok, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return false, err
	}

	alloc, have := c.Allocation()
	if !have {
		return false, err
	}
	pool, ok2 := alloc.Pools[modelID]
	if !ok2 || pool.TotalSlots <= 0 {
		return false, nil
	}
	return true, nil
}

// Release gives back a remote slot and reports actual usage.
// CoordinationUnavailable is swallowed (logged here, not the caller's
// job) since a release must never block job completion: the remote
// slot is left to age out via the backend's own cleanup/TTL instead.
func (c *Client) Release(ctx context.Context, modelID string, usage ratelimit.UsageEntry) error {
	err := c.store.Release(ctx, c.instanceID, modelID, usage, time.Now())
	if errors.Is(err, ErrUnavailable) {
		logging.Warn("coordination backend unavailable during Release, remote slot will age out via cleanup", map[string]interface{}{
			"instance_id": c.instanceID, "model": modelID,
		})
		return nil
	}
	return err
}

// RunCleanup is the maintenance task that evicts instances whose
// heartbeat has gone stale, per spec.md §4.5's CLEANUP. The heartbeat
// loop runs it every third heartbeat; it can also be called directly.
func (c *Client) RunCleanup(ctx context.Context) error {
	return c.store.Cleanup(ctx, time.Now().Add(-c.staleAfter))
}
