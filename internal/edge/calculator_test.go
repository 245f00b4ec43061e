package edge_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/core"
	"perparb/internal/edge"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func tick(perpBid, perpAsk, spotBid, spotAsk float64) core.Tick {
	return core.Tick{
		PerpBid: dec(perpBid),
		PerpAsk: dec(perpAsk),
		SpotBid: dec(spotBid),
		SpotAsk: dec(spotAsk),
	}
}

func TestCalculator_Compute(t *testing.T) {
	fees := core.FeeSchedule{
		PerpTakerBps: dec(3.5),
		SpotTakerBps: dec(4),
	}
	calc := edge.NewCalculator(fees)

	// Round trip taker-taker: 2 * (3.5 + 4) = 15 bps
	require.True(t, calc.RoundTripFeesBps().Equal(dec(15)))

	// Mid = (50.2 + 50.21 + 50.0 + 50.01) / 4 = 50.105
	// edge_ps = 1e4 * (50.2 - 50.01) / 50.105 - 15
	e := calc.Compute(tick(50.2, 50.21, 50.0, 50.01))

	assert.True(t, e.MidRef.Equal(dec(50.105)), "mid %s", e.MidRef)

	grossPS := dec(0.19).Mul(dec(10000)).Div(dec(50.105))
	assert.True(t, e.PerpToSpotBps.Equal(grossPS.Sub(dec(15))), "edge_ps %s", e.PerpToSpotBps)

	grossSP := dec(-0.21).Mul(dec(10000)).Div(dec(50.105))
	assert.True(t, e.SpotToPerpBps.Equal(grossSP.Sub(dec(15))), "edge_sp %s", e.SpotToPerpBps)

	dir, best := e.Best()
	assert.Equal(t, core.PerpToSpot, dir)
	assert.True(t, best.Equal(e.PerpToSpotBps))
}

func TestCalculator_RoundTripIdentity(t *testing.T) {
	// In an uncrossed market the two gross edges sum to a negative number,
	// so net edges satisfy edge_ps + edge_sp <= -2*fees
	fees := core.FeeSchedule{PerpTakerBps: dec(2), SpotTakerBps: dec(3)}
	calc := edge.NewCalculator(fees)

	ticks := []core.Tick{
		tick(50.2, 50.21, 50.0, 50.01),
		tick(50.0, 50.01, 50.2, 50.25),
		tick(100, 100.1, 99.9, 100.05),
	}
	bound := calc.RoundTripFeesBps().Mul(dec(-2))
	for _, tk := range ticks {
		e := calc.Compute(tk)
		sum := e.PerpToSpotBps.Add(e.SpotToPerpBps)
		assert.True(t, sum.LessThanOrEqual(bound), "sum %s bound %s", sum, bound)
	}
}

func TestCalculator_SpotToPerpPositive(t *testing.T) {
	calc := edge.NewCalculator(core.FeeSchedule{PerpTakerBps: dec(1), SpotTakerBps: dec(1)})

	// Spot trades rich: spot_bid well above perp_ask
	e := calc.Compute(tick(50.0, 50.01, 50.2, 50.21))

	dir, best := e.Best()
	assert.Equal(t, core.SpotToPerp, dir)
	assert.True(t, best.IsPositive())
	assert.True(t, e.PerpToSpotBps.IsNegative())
}

func TestCalculator_ExplicitFeeOverride(t *testing.T) {
	fees := core.FeeSchedule{PerpTakerBps: dec(3.5), SpotTakerBps: dec(4)}
	calc := edge.NewCalculatorWithFees(fees, dec(10))

	assert.True(t, calc.RoundTripFeesBps().Equal(dec(10)))

	e := calc.Compute(tick(50.2, 50.21, 50.0, 50.01))
	withDefault := edge.NewCalculator(fees).Compute(tick(50.2, 50.21, 50.0, 50.01))
	assert.True(t, e.PerpToSpotBps.Sub(withDefault.PerpToSpotBps).Equal(dec(5)))
}

func TestEdge_ForDirection(t *testing.T) {
	e := core.Edge{PerpToSpotBps: dec(7), SpotToPerpBps: dec(-9)}
	assert.True(t, e.ForDirection(core.PerpToSpot).Equal(dec(7)))
	assert.True(t, e.ForDirection(core.SpotToPerp).Equal(dec(-9)))
}

func TestTick_Valid(t *testing.T) {
	assert.True(t, tick(50.0, 50.01, 49.9, 50.0).Valid())
	assert.False(t, tick(50.01, 50.0, 49.9, 50.0).Valid(), "crossed perp book")
	assert.False(t, tick(50.0, 50.01, 50.0, 49.9).Valid(), "crossed spot book")
	assert.False(t, tick(0, 50.01, 49.9, 50.0).Valid(), "zero bid")
}
