// Package tracker classifies the volatility source of above-threshold edges
package tracker

import (
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

var (
	bpsFactor      = decimal.NewFromInt(10000)
	ratioHigh      = decimal.NewFromFloat(1.5)
	ratioLow       = decimal.NewFromFloat(0.67)
	quietThreshold = decimal.NewFromFloat(0.1) // bps; below this neither side really moved
	epsilon        = decimal.NewFromFloat(1e-9)
)

// Config holds the tracker parameters
type Config struct {
	ObservationThresholdBps decimal.Decimal
	BaselineWindow          int
	Fees                    core.FeeSchedule
	RoundTripFeesBps        decimal.Decimal
}

// Tracker is a read-only observer on the tick stream. It records every edge
// above the observation threshold with a rolling-baseline deviation
// analysis and never touches the trading path: panics are contained and
// records are written asynchronously.
type Tracker struct {
	cfg      Config
	baseline *RollingBaseline
	store    core.IStore
	logger   core.ILogger
	now      func() time.Time
}

// NewTracker creates an opportunity tracker
func NewTracker(cfg Config, store core.IStore, logger core.ILogger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		baseline: NewRollingBaseline(cfg.BaselineWindow),
		store:    store,
		logger:   logger.WithField("component", "opportunity_tracker"),
		now:      time.Now,
	}
}

// OnEdge consumes one edge. Safe to call from the hot path: any failure is
// logged and swallowed.
func (t *Tracker) OnEdge(e core.Edge) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tracker panic recovered", "panic", r)
		}
	}()

	// Analyze against the window of prior ticks, then admit this one
	snapshot := t.baseline.Snapshot()
	t.baseline.Push(e.Tick)

	dir, best := e.Best()
	if best.LessThan(t.cfg.ObservationThresholdBps) {
		return
	}
	if snapshot == nil {
		return
	}

	started := t.now()
	opp := t.analyze(dir, best, e, *snapshot)
	opp.AnalysisUS = time.Since(started).Microseconds()

	t.store.RecordOpportunity(opp)
}

func (t *Tracker) analyze(dir core.Direction, best decimal.Decimal, e core.Edge, base core.BaselineSnapshot) core.Opportunity {
	opp := core.Opportunity{
		DetectedAt: t.now(),
		Direction:  dir,
		EdgeBps:    best,
		Tick:       e.Tick,
		Baseline:   base,

		PerpBidDevBps: deviationBps(e.Tick.PerpBid, base.PerpBidMean),
		PerpAskDevBps: deviationBps(e.Tick.PerpAsk, base.PerpAskMean),
		SpotBidDevBps: deviationBps(e.Tick.SpotBid, base.SpotBidMean),
		SpotAskDevBps: deviationBps(e.Tick.SpotAsk, base.SpotAskMean),
	}

	// The movement sides follow the direction being observed: for a rich
	// perp the opposing quote sides carry the signal, mirrored otherwise
	if dir == core.PerpToSpot {
		opp.PerpMovementBps = opp.PerpAskDevBps.Abs()
		opp.SpotMovementBps = opp.SpotBidDevBps.Abs()
	} else {
		opp.PerpMovementBps = opp.PerpBidDevBps.Abs()
		opp.SpotMovementBps = opp.SpotAskDevBps.Abs()
	}

	opp.Source, opp.SourceRatio = classifySource(opp.PerpMovementBps, opp.SpotMovementBps)
	opp.Sims = t.simulate(best)

	return opp
}

// classifySource attributes the dislocation to the side that moved
func classifySource(perpMove, spotMove decimal.Decimal) (core.VolatilitySource, decimal.Decimal) {
	if perpMove.LessThan(quietThreshold) && spotMove.LessThan(quietThreshold) {
		return core.SourceBoth, decimal.NewFromInt(1)
	}

	denom := spotMove
	if denom.LessThan(epsilon) {
		denom = epsilon
	}
	ratio := perpMove.Div(denom)

	switch {
	case ratio.GreaterThan(ratioHigh):
		return core.SourcePerp, ratio
	case ratio.LessThan(ratioLow):
		return core.SourceSpot, ratio
	default:
		return core.SourceBoth, ratio
	}
}

// simulate prices the observation under the three execution modes. The
// observed edge is net of the round-trip taker constant, so the gross
// dislocation is recovered before subtracting each mode's cost.
func (t *Tracker) simulate(netEdgeBps decimal.Decimal) []core.ExecutionSim {
	gross := netEdgeBps.Add(t.cfg.RoundTripFeesBps)
	two := decimal.NewFromInt(2)

	costIOCBoth := t.cfg.Fees.PerpTakerBps.Add(t.cfg.Fees.SpotTakerBps).Mul(two)
	costMixed := t.cfg.Fees.PerpTakerBps.Add(t.cfg.Fees.SpotMakerBps).Mul(two)
	costMakerBoth := t.cfg.Fees.PerpMakerBps.Add(t.cfg.Fees.SpotMakerBps).Mul(two)

	return []core.ExecutionSim{
		{Mode: "ioc_both", CostBps: costIOCBoth, ExpectedProfitBps: gross.Sub(costIOCBoth)},
		{Mode: "ioc_perp_maker_spot", CostBps: costMixed, ExpectedProfitBps: gross.Sub(costMixed)},
		{Mode: "maker_both", CostBps: costMakerBoth, ExpectedProfitBps: gross.Sub(costMakerBoth)},
	}
}

func deviationBps(value, mean decimal.Decimal) decimal.Decimal {
	if !mean.IsPositive() {
		return decimal.Zero
	}
	return value.Sub(mean).Div(mean).Mul(bpsFactor)
}
