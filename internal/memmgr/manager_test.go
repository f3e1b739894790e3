package memmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatioPartitionedBudget(t *testing.T) {
	m := New(1000)
	m.SetRatios(map[string]float64{"chat": 0.4, "batch": 0.6})

	h1 := m.Acquire("chat", 500)
	assert.Nil(t, h1, "chat's budget is only 400KB even though the 1000KB total has room")

	h2 := m.Acquire("chat", 400)
	require.NotNil(t, h2)
	assert.Nil(t, m.Acquire("chat", 1))

	m.Release(h2)
	assert.NotNil(t, m.Acquire("chat", 400))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := New(1000)
	m.SetRatios(map[string]float64{"chat": 1})

	h := m.Acquire("chat", 100)
	require.NotNil(t, h)

	m.Release(h)
	m.Release(h)

	snap := m.Snapshot()
	assert.Equal(t, int64(0), snap["chat"].UsedKB)
}
