package availability

import (
	"testing"

	"github.com/aiserve/ratelimitd/internal/memmgr"
	"github.com/aiserve/ratelimitd/internal/modellimiter"
	"github.com/aiserve/ratelimitd/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

func TestWatchEmitsInitialSnapshot(t *testing.T) {
	mem := memmgr.New(1000)
	mem.SetRatios(map[string]float64{"chat": 1})

	lim := modellimiter.New(ratelimit.ModelConfig{ID: "mA", RPM: intp(10)})
	tr := New(mem)

	events := tr.Subscribe()
	tr.Watch("mA", lim, "chat", ratelimit.Estimate{Requests: 1})

	select {
	case ev := <-events:
		assert.Equal(t, "mA", ev.ModelID)
		assert.Equal(t, 10, ev.Snapshot.Slots)
	default:
		t.Fatal("expected an initial event on Watch")
	}
}

func TestReservationChangeEmitsSuppressedEvents(t *testing.T) {
	mem := memmgr.New(1000)
	mem.SetRatios(map[string]float64{"chat": 1})

	lim := modellimiter.New(ratelimit.ModelConfig{ID: "mA", RPM: intp(10)})
	tr := New(mem)
	events := tr.Subscribe()
	tr.Watch("mA", lim, "chat", ratelimit.Estimate{Requests: 1})
	<-events // drain initial

	r := lim.TryReserve("job-1", ratelimit.Estimate{Requests: 1})
	require.NotNil(t, r)

	ev := <-events
	assert.Equal(t, DimensionRPM, ev.Dimension)
	assert.Equal(t, 9, ev.Snapshot.Slots)

	// Releasing restores the prior state; this is a real, observable
	// change and must emit again (not suppressed, since slots moved back).
	lim.ReleaseReservation(r)
	ev2 := <-events
	assert.Equal(t, 10, ev2.Snapshot.Slots)
}

func TestSetDistributedResidualLowersSlotsWhenTighter(t *testing.T) {
	mem := memmgr.New(1000)
	mem.SetRatios(map[string]float64{"chat": 1})

	lim := modellimiter.New(ratelimit.ModelConfig{ID: "mA", RPM: intp(100)})
	tr := New(mem)
	events := tr.Subscribe()
	tr.Watch("mA", lim, "chat", ratelimit.Estimate{Requests: 1})
	<-events

	tr.SetDistributedResidual("mA", 3)
	ev := <-events
	assert.Equal(t, DimensionDistributed, ev.Dimension)
	assert.Equal(t, 3, ev.Snapshot.Slots, "distributed residual is the tightest bound")
}
