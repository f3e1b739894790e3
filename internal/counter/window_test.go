package counter

import (
	"testing"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withClock(t *testing.T, start int64) *int64 {
	t.Helper()
	clock := start
	old := nowFunc
	nowFunc = func() int64 { return clock }
	t.Cleanup(func() { nowFunc = old })
	return &clock
}

func TestTryReserveAllOrNothing(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionRPM, 5)

	for i := 0; i < 5; i++ {
		require.True(t, w.TryReserve(1))
	}
	assert.False(t, w.TryReserve(1))

	snap := w.Snapshot()
	assert.Equal(t, 5, snap.Reserved)
	assert.Equal(t, 0, snap.Remaining)
}

func TestReleaseRestoresCapacity(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionRPM, 1)

	require.True(t, w.TryReserve(1))
	assert.False(t, w.TryReserve(1))

	w.Release(1)
	assert.True(t, w.TryReserve(1))
}

func TestCommitTracksOverAndUnderUse(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionTPM, 1000)

	require.True(t, w.TryReserve(100))
	adj := w.Commit(1100, 100)
	assert.Equal(t, -1000, adj, "over-use reports a negative adjustment")

	snap := w.Snapshot()
	assert.Equal(t, 0, snap.Reserved)
	assert.Equal(t, 1100, snap.Committed)
	assert.False(t, w.HasCapacity(1), "committed already exceeds limit")
}

func TestUnderUseRefund(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionTPM, 1000)

	require.True(t, w.TryReserve(100))
	adj := w.Commit(40, 100)
	assert.Equal(t, 60, adj)

	snap := w.Snapshot()
	assert.Equal(t, 0, snap.Reserved)
	assert.Equal(t, 40, snap.Committed)
}

func TestWindowRollResetsCommittedNotReserved(t *testing.T) {
	clock := withClock(t, 0)
	w := New(ratelimit.DimensionRPM, 5)

	require.True(t, w.TryReserve(2))
	w.Commit(2, 0) // committed=2, still 2 reserved from a separate in-flight job
	require.True(t, w.TryReserve(1))

	*clock += 60_000 // roll the minute window

	snap := w.Snapshot()
	assert.Equal(t, 0, snap.Committed, "committed resets on window roll")
	assert.Equal(t, 3, snap.Reserved, "in-flight reservations survive the roll")
}

func TestReleaseThenReserveIsIdempotentWithinWindow(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionRPM, 3)

	before := w.Snapshot().Remaining

	require.True(t, w.TryReserve(3))
	w.Release(3)
	require.True(t, w.TryReserve(3))
	w.Release(3)
	after := w.Snapshot().Remaining

	assert.Equal(t, before, after, "an unrelated reserve+release round trip leaves capacity unchanged")
}

func TestSetLimitDoesNotRescaleInFlight(t *testing.T) {
	withClock(t, 0)
	w := New(ratelimit.DimensionRPM, 10)
	require.True(t, w.TryReserve(8))

	w.SetLimit(5)

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.Reserved, "existing reservation is untouched")
	assert.False(t, w.TryReserve(1), "new limit applies to subsequent calls")
}
