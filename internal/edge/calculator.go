// Package edge computes directional arbitrage edges from merged book ticks
package edge

import (
	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

var bpsFactor = decimal.NewFromInt(10000)

// Calculator converts ticks into fee-adjusted directional edges. It is
// stateless; the fee constant is fixed at construction.
type Calculator struct {
	fees             core.FeeSchedule
	roundTripFeesBps decimal.Decimal
}

// NewCalculator builds a calculator using the taker-taker round trip as the
// dominant-mode fee constant
func NewCalculator(fees core.FeeSchedule) *Calculator {
	return &Calculator{
		fees:             fees,
		roundTripFeesBps: fees.RoundTripTakerBps(),
	}
}

// NewCalculatorWithFees builds a calculator with an explicit round-trip fee
// constant, overriding the taker-taker default
func NewCalculatorWithFees(fees core.FeeSchedule, roundTripBps decimal.Decimal) *Calculator {
	return &Calculator{
		fees:             fees,
		roundTripFeesBps: roundTripBps,
	}
}

// RoundTripFeesBps returns the fee constant subtracted from both edges
func (c *Calculator) RoundTripFeesBps() decimal.Decimal {
	return c.roundTripFeesBps
}

// Fees returns the underlying fee schedule
func (c *Calculator) Fees() core.FeeSchedule {
	return c.fees
}

// Compute returns both directional edges and the mid reference.
//
//	edge_ps = 1e4 * (perp_bid - spot_ask) / mid - fees   (sell perp, buy spot)
//	edge_sp = 1e4 * (spot_bid - perp_ask) / mid - fees   (sell spot, buy perp)
func (c *Calculator) Compute(tick core.Tick) core.Edge {
	mid := tick.Mid()

	edgePS := tick.PerpBid.Sub(tick.SpotAsk).Mul(bpsFactor).Div(mid).Sub(c.roundTripFeesBps)
	edgeSP := tick.SpotBid.Sub(tick.PerpAsk).Mul(bpsFactor).Div(mid).Sub(c.roundTripFeesBps)

	return core.Edge{
		PerpToSpotBps: edgePS,
		SpotToPerpBps: edgeSP,
		MidRef:        mid,
		Tick:          tick,
	}
}
