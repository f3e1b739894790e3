package modellimiter

import (
	"testing"

	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func TestTryReserveAllOrNothingAcrossDimensions(t *testing.T) {
	cfg := ratelimit.ModelConfig{
		ID:  "mA",
		TPM: intp(100),
		RPM: intp(1),
	}
	l := New(cfg)

	// First reservation consumes the only RPM slot.
	r1 := l.TryReserve("job-1", ratelimit.Estimate{Tokens: 10, Requests: 1})
	require.NotNil(t, r1)

	// Second reservation would fit TPM (90 remaining) but not RPM (0
	// remaining) — the whole reservation must roll back, including TPM.
	r2 := l.TryReserve("job-2", ratelimit.Estimate{Tokens: 10, Requests: 1})
	assert.Nil(t, r2)

	snap := l.Snapshot()
	assert.Equal(t, 10, snap.Dimensions[ratelimit.DimensionTPM].Reserved, "TPM reservation from the failed attempt must have rolled back")
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := ratelimit.ModelConfig{ID: "mA", RPM: intp(100), MaxConcurrent: intp(1)}
	l := New(cfg)

	r1 := l.TryReserve("job-1", ratelimit.Estimate{Requests: 1})
	require.NotNil(t, r1)

	assert.Nil(t, l.TryReserve("job-2", ratelimit.Estimate{Requests: 1}))

	l.Commit(r1, 1, 1)
	r2 := l.TryReserve("job-2", ratelimit.Estimate{Requests: 1})
	assert.NotNil(t, r2)
}

func TestCommitTwiceIsProgrammingError(t *testing.T) {
	cfg := ratelimit.ModelConfig{ID: "mA", RPM: intp(10)}
	l := New(cfg)
	r := l.TryReserve("job-1", ratelimit.Estimate{Requests: 1})
	require.NotNil(t, r)

	l.Commit(r, 1, 1)
	assert.Panics(t, func() { l.Commit(r, 1, 1) })
}

func TestSetRateLimitsDoesNotRescaleInFlight(t *testing.T) {
	cfg := ratelimit.ModelConfig{ID: "mA", RPM: intp(10)}
	l := New(cfg)
	r := l.TryReserve("job-1", ratelimit.Estimate{Requests: 8})
	require.NotNil(t, r)

	l.SetRateLimits(ratelimit.ModelPool{RequestsPerMinute: 5})

	snap := l.Snapshot()
	assert.Equal(t, 8, snap.Dimensions[ratelimit.DimensionRPM].Reserved)
	assert.False(t, l.HasCapacity(ratelimit.Estimate{Requests: 1}), "new, lower limit applies to subsequent reservations")
}
