package tracker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/tracker"
)

func TestRollingBaseline_WarmUp(t *testing.T) {
	b := tracker.NewRollingBaseline(3)

	b.Push(flatTick(50))
	assert.Nil(t, b.Snapshot())
	b.Push(flatTick(51))
	assert.Nil(t, b.Snapshot())
	assert.False(t, b.Full())

	b.Push(flatTick(52))
	require.True(t, b.Full())
	snap := b.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.PerpBidMean.Equal(dec(51)), "mean %s", snap.PerpBidMean)
	assert.Equal(t, 3, snap.Window)
}

func TestRollingBaseline_EvictsOldest(t *testing.T) {
	b := tracker.NewRollingBaseline(3)

	for _, px := range []float64{50, 51, 52} {
		b.Push(flatTick(px))
	}
	// Pushing 56 evicts 50: mean of {51, 52, 56} = 53
	b.Push(flatTick(56))

	snap := b.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.PerpBidMean.Equal(dec(53)), "mean %s", snap.PerpBidMean)
}
