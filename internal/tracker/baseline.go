package tracker

import (
	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// RollingBaseline is a fixed-capacity FIFO over the last N ticks holding
// running per-side sums. Reads return nil until the buffer is full.
type RollingBaseline struct {
	capacity int
	ticks    []core.Tick
	idx      int
	count    int

	perpBidSum decimal.Decimal
	perpAskSum decimal.Decimal
	spotBidSum decimal.Decimal
	spotAskSum decimal.Decimal
}

// NewRollingBaseline creates a baseline over a window of n ticks
func NewRollingBaseline(n int) *RollingBaseline {
	return &RollingBaseline{
		capacity: n,
		ticks:    make([]core.Tick, n),
	}
}

// Push adds a tick, evicting the oldest once the window is full
func (b *RollingBaseline) Push(t core.Tick) {
	if b.count == b.capacity {
		old := b.ticks[b.idx]
		b.perpBidSum = b.perpBidSum.Sub(old.PerpBid)
		b.perpAskSum = b.perpAskSum.Sub(old.PerpAsk)
		b.spotBidSum = b.spotBidSum.Sub(old.SpotBid)
		b.spotAskSum = b.spotAskSum.Sub(old.SpotAsk)
	} else {
		b.count++
	}

	b.ticks[b.idx] = t
	b.idx = (b.idx + 1) % b.capacity

	b.perpBidSum = b.perpBidSum.Add(t.PerpBid)
	b.perpAskSum = b.perpAskSum.Add(t.PerpAsk)
	b.spotBidSum = b.spotBidSum.Add(t.SpotBid)
	b.spotAskSum = b.spotAskSum.Add(t.SpotAsk)
}

// Full reports whether the window has seen capacity ticks
func (b *RollingBaseline) Full() bool {
	return b.count == b.capacity
}

// Snapshot returns the per-side means, or nil while the window is warming up
func (b *RollingBaseline) Snapshot() *core.BaselineSnapshot {
	if !b.Full() {
		return nil
	}
	n := decimal.NewFromInt(int64(b.count))
	return &core.BaselineSnapshot{
		PerpBidMean: b.perpBidSum.Div(n),
		PerpAskMean: b.perpAskSum.Div(n),
		SpotBidMean: b.spotBidSum.Div(n),
		SpotAskMean: b.spotAskSum.Div(n),
		Window:      b.capacity,
	}
}
