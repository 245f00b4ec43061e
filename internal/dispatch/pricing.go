package dispatch

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

var bpsDenominator = decimal.NewFromInt(10000)

// openSpecs builds the two maker legs for an open in the given direction.
//
// PerpToSpot sells the rich perp and buys spot; SpotToPerp sells the rich
// spot and buys the perp. Maker prices sit at the side's own executable
// touch: sells at the bid, buys at the ask. Post-only semantics reject the
// order if it would cross at submission.
func openSpecs(cfg Config, dir core.Direction, size decimal.Decimal, tick core.Tick) (core.OrderSpec, core.OrderSpec) {
	perp := core.OrderSpec{
		Market:        core.MarketPerp,
		Coin:          cfg.Base,
		Size:          size,
		TIF:           core.AddLiquidityOnly,
		ClientOrderID: uuid.NewString(),
	}
	spot := core.OrderSpec{
		Market:        core.MarketSpot,
		Coin:          cfg.SpotIndex,
		Size:          size,
		TIF:           core.AddLiquidityOnly,
		ClientOrderID: uuid.NewString(),
	}

	switch dir {
	case core.SpotToPerp:
		perp.IsBuy = true
		perp.LimitPx = tick.PerpAsk
		spot.IsBuy = false
		spot.LimitPx = tick.SpotBid
	default: // PerpToSpot
		perp.IsBuy = false
		perp.LimitPx = tick.PerpBid
		spot.IsBuy = true
		spot.LimitPx = tick.SpotAsk
	}

	return perp, spot
}

// closeSpecs builds the two maker legs that flatten an open hedge. Sides
// reverse the open; the perp leg is reduce-only.
func closeSpecs(cfg Config, pos *core.HedgedPosition, tick core.Tick) (core.OrderSpec, core.OrderSpec) {
	perp := core.OrderSpec{
		Market:        core.MarketPerp,
		Coin:          cfg.Base,
		Size:          pos.PerpSize,
		TIF:           core.AddLiquidityOnly,
		ReduceOnly:    true,
		ClientOrderID: uuid.NewString(),
	}
	spot := core.OrderSpec{
		Market:        core.MarketSpot,
		Coin:          cfg.SpotIndex,
		Size:          pos.SpotSize,
		TIF:           core.AddLiquidityOnly,
		ClientOrderID: uuid.NewString(),
	}

	switch pos.Direction {
	case core.SpotToPerp:
		// Open was long perp + short spot, so close sells perp, buys spot
		perp.IsBuy = false
		perp.LimitPx = tick.PerpBid
		spot.IsBuy = true
		spot.LimitPx = tick.SpotAsk
	default: // PerpToSpot: open was short perp + long spot
		perp.IsBuy = true
		perp.LimitPx = tick.PerpAsk
		spot.IsBuy = false
		spot.LimitPx = tick.SpotBid
	}

	return perp, spot
}

// aggressivePrice prices an IOC leg through the touch by the slippage
// allowance: buys above the ask, sells below the bid
func aggressivePrice(spec core.OrderSpec, tick core.Tick, slippageBps decimal.Decimal) decimal.Decimal {
	var base decimal.Decimal
	if spec.Market == core.MarketPerp {
		if spec.IsBuy {
			base = tick.PerpAsk
		} else {
			base = tick.PerpBid
		}
	} else {
		if spec.IsBuy {
			base = tick.SpotAsk
		} else {
			base = tick.SpotBid
		}
	}
	return applySlippage(base, spec.IsBuy, slippageBps)
}

// aggressiveFromMaker derives an IOC price from a maker spec when no fresh
// tick is available
func aggressiveFromMaker(spec core.OrderSpec, slippageBps decimal.Decimal) decimal.Decimal {
	return applySlippage(spec.LimitPx, spec.IsBuy, slippageBps)
}

func applySlippage(px decimal.Decimal, isBuy bool, slippageBps decimal.Decimal) decimal.Decimal {
	adj := px.Mul(slippageBps).Div(bpsDenominator)
	if isBuy {
		return px.Add(adj)
	}
	return px.Sub(adj)
}

// floorToStep rounds a size down to the instrument lot step
func floorToStep(size, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return size
	}
	return size.Div(step).Floor().Mul(step)
}

// classify maps a venue acknowledgement onto a leg status. The venue can
// acknowledge with an inner rejected status inside a successful envelope,
// so the filled size alone is never trusted.
func classify(ack core.OrderAck, err error) core.LegResult {
	if err != nil {
		return core.LegResult{Status: core.LegUnknown, Reason: err.Error()}
	}
	if ack.Rejected {
		return core.LegResult{Status: core.LegRejected, Reason: ack.Reason, OrderID: ack.OrderID}
	}
	if ack.FilledSize.IsPositive() {
		return core.LegResult{
			Status:     core.LegFilled,
			SizeFilled: ack.FilledSize,
			AvgPx:      ack.AvgPx,
			OrderID:    ack.OrderID,
		}
	}
	if ack.Resting {
		return core.LegResult{Status: core.LegUnknown, Reason: "resting", OrderID: ack.OrderID}
	}
	return core.LegResult{Status: core.LegCancelled, Reason: ack.Reason, OrderID: ack.OrderID}
}
