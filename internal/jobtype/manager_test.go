package jobtype

import (
	"context"
	"testing"
	"time"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSlotRespectsRatioPartitionedCapacity(t *testing.T) {
	m := New([]ratelimit.JobTypeConfig{
		{ID: "chat", Ratio: 0.5},
		{ID: "batch", Ratio: 0.5},
	}, 0.2, 0)
	m.SetCapacity(10)

	ctx := context.Background()
	var tokens []*Token
	for i := 0; i < 5; i++ {
		tok, err := m.AcquireSlot(ctx, "chat")
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	assert.False(t, m.HasCapacity("chat"), "chat's 50%% share of 10 slots is exhausted at 5")

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := m.AcquireSlot(ctx2, "chat")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	for _, tok := range tokens {
		m.Release(tok)
	}
	assert.True(t, m.HasCapacity("chat"))
}

func TestAcquireSlotUnknownJobType(t *testing.T) {
	m := New([]ratelimit.JobTypeConfig{{ID: "chat", Ratio: 1}}, 0.2, 0)
	m.SetCapacity(10)

	_, err := m.AcquireSlot(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrUnknownJobType)
}

func TestAcquireSlotUnblocksOnRelease(t *testing.T) {
	m := New([]ratelimit.JobTypeConfig{{ID: "chat", Ratio: 1}}, 0.2, 0)
	m.SetCapacity(1)

	tok, err := m.AcquireSlot(context.Background(), "chat")
	require.NoError(t, err)

	done := make(chan struct{})
	var secondErr error
	go func() {
		_, secondErr = m.AcquireSlot(context.Background(), "chat")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second acquire should have blocked while the only slot is held")
	case <-time.After(150 * time.Millisecond):
	}

	m.Release(tok)

	select {
	case <-done:
		assert.NoError(t, secondErr)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never unblocked after release")
	}
}

func TestMinCapacityFloor(t *testing.T) {
	m := New([]ratelimit.JobTypeConfig{
		{ID: "chat", Ratio: 0.01, MinCapacity: 2},
		{ID: "bulk", Ratio: 0.99},
	}, 0.2, 0)
	m.SetCapacity(10) // 1% of 10 rounds to 0, but MinCapacity guarantees 2

	assert.True(t, m.HasCapacity("chat"))
	tok1, err := m.AcquireSlot(context.Background(), "chat")
	require.NoError(t, err)
	tok2, err := m.AcquireSlot(context.Background(), "chat")
	require.NoError(t, err)
	assert.False(t, m.HasCapacity("chat"))

	m.Release(tok1)
	m.Release(tok2)
}

func TestAdjustOnceShiftsFlexibleRatiosTowardDemand(t *testing.T) {
	m := New([]ratelimit.JobTypeConfig{
		{ID: "fixed", Ratio: 0.5, Flexible: false},
		{ID: "flexA", Ratio: 0.25, Flexible: true},
		{ID: "flexB", Ratio: 0.25, Flexible: true},
	}, 0.5, 0)
	m.SetCapacity(100)

	// Drive demand entirely onto flexA.
	m.pools["flexA"].demand = 10
	m.pools["flexB"].demand = 0

	m.adjustOnce()

	ratios := m.Ratios()
	assert.InDelta(t, 0.5, ratios["fixed"], 1e-9, "fixed job type's ratio is untouched by demand")
	assert.Greater(t, ratios["flexA"], ratios["flexB"], "all flexible demand went to flexA")
	sum := ratios["fixed"] + ratios["flexA"] + ratios["flexB"]
	assert.InDelta(t, 1.0, sum, 1e-9, "ratios stay normalized to 1 after adjustment")
}
