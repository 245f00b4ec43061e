package dispatch

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"perparb/internal/core"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testTick() core.Tick {
	return core.Tick{
		PerpBid: d(50.00),
		PerpAsk: d(50.01),
		SpotBid: d(49.985),
		SpotAsk: d(50.005),
	}
}

func testConfig() Config {
	return Config{Base: "SOL", SpotIndex: "SOL/USDC", SlippageBps: d(10)}
}

func TestOpenSpecs_Sides(t *testing.T) {
	perp, spot := openSpecs(testConfig(), core.PerpToSpot, d(0.72), testTick())
	assert.False(t, perp.IsBuy)
	assert.True(t, perp.LimitPx.Equal(d(50.00)))
	assert.True(t, spot.IsBuy)
	assert.True(t, spot.LimitPx.Equal(d(50.005)))
	assert.Equal(t, core.AddLiquidityOnly, perp.TIF)
	assert.False(t, perp.ReduceOnly)
	assert.False(t, spot.ReduceOnly)

	perp, spot = openSpecs(testConfig(), core.SpotToPerp, d(0.72), testTick())
	assert.True(t, perp.IsBuy)
	assert.True(t, perp.LimitPx.Equal(d(50.01)))
	assert.False(t, spot.IsBuy)
	assert.True(t, spot.LimitPx.Equal(d(49.985)))
}

func TestCloseSpecs_ReversesAndReduceOnly(t *testing.T) {
	pos := &core.HedgedPosition{
		Direction: core.PerpToSpot,
		PerpSize:  d(0.72),
		SpotSize:  d(0.72),
	}
	perp, spot := closeSpecs(testConfig(), pos, testTick())
	assert.True(t, perp.IsBuy, "short perp closes with a buy")
	assert.True(t, perp.ReduceOnly)
	assert.False(t, spot.IsBuy)
	assert.False(t, spot.ReduceOnly)

	pos.Direction = core.SpotToPerp
	perp, spot = closeSpecs(testConfig(), pos, testTick())
	assert.False(t, perp.IsBuy)
	assert.True(t, perp.ReduceOnly)
	assert.True(t, spot.IsBuy)
}

func TestAggressivePrice(t *testing.T) {
	buy := core.OrderSpec{Market: core.MarketPerp, IsBuy: true}
	sell := core.OrderSpec{Market: core.MarketPerp, IsBuy: false}

	// 10 bps through the touch
	assert.True(t, aggressivePrice(buy, testTick(), d(10)).Equal(d(50.01).Mul(d(1.001))))
	assert.True(t, aggressivePrice(sell, testTick(), d(10)).Equal(d(50.00).Mul(d(0.999))))

	spotSell := core.OrderSpec{Market: core.MarketSpot, IsBuy: false}
	assert.True(t, aggressivePrice(spotSell, testTick(), d(10)).Equal(d(49.985).Mul(d(0.999))))
}

func TestFloorToStep(t *testing.T) {
	assert.True(t, floorToStep(d(0.729), d(0.01)).Equal(d(0.72)))
	assert.True(t, floorToStep(d(0.72), d(0.1)).Equal(d(0.7)))
	assert.True(t, floorToStep(d(0.72), decimal.Zero).Equal(d(0.72)), "zero step passes through")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		ack      core.OrderAck
		err      error
		expected core.LegStatus
	}{
		{
			name:     "transport error is unknown",
			err:      errors.New("connection reset"),
			expected: core.LegUnknown,
		},
		{
			name:     "inner rejected status wins over filled size",
			ack:      core.OrderAck{FilledSize: d(0.72), Rejected: true, Reason: "post only"},
			expected: core.LegRejected,
		},
		{
			name:     "non-zero fill without rejection is filled",
			ack:      core.OrderAck{FilledSize: d(0.72), AvgPx: d(50)},
			expected: core.LegFilled,
		},
		{
			name:     "resting ack is not terminal",
			ack:      core.OrderAck{Resting: true, OrderID: 7},
			expected: core.LegUnknown,
		},
		{
			name:     "zero fill without rejection is cancelled",
			ack:      core.OrderAck{},
			expected: core.LegCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := classify(tt.ack, tt.err)
			assert.Equal(t, tt.expected, res.Status)
		})
	}
}

func TestIsPostOnlyReject(t *testing.T) {
	assert.True(t, core.IsPostOnlyReject("Post only order would cross"))
	assert.True(t, core.IsPostOnlyReject("order could not immediately match"))
	assert.False(t, core.IsPostOnlyReject("insufficient margin"))
}
