// Package core defines the shared types and interfaces for the arbitrage engine
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market identifies which book an instrument trades on
type Market int

const (
	MarketPerp Market = iota
	MarketSpot
)

func (m Market) String() string {
	if m == MarketSpot {
		return "spot"
	}
	return "perp"
}

// Direction identifies which side of the dislocation is being traded.
//
// PerpToSpot: the perp trades rich, so open SHORT perp + BUY spot.
// SpotToPerp: the spot trades rich, so open SELL spot + LONG perp.
// Close directions reverse both legs.
type Direction int

const (
	DirectionUnspecified Direction = iota
	PerpToSpot
	SpotToPerp
)

func (d Direction) String() string {
	switch d {
	case PerpToSpot:
		return "perp->spot"
	case SpotToPerp:
		return "spot->perp"
	default:
		return "unspecified"
	}
}

// Reverse returns the close direction for an open direction
func (d Direction) Reverse() Direction {
	switch d {
	case PerpToSpot:
		return SpotToPerp
	case SpotToPerp:
		return PerpToSpot
	default:
		return DirectionUnspecified
	}
}

// ParseDirection parses the external string form ("perp->spot", "spot->perp")
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "perp->spot":
		return PerpToSpot, nil
	case "spot->perp":
		return SpotToPerp, nil
	default:
		return DirectionUnspecified, fmt.Errorf("invalid direction: %q", s)
	}
}

// TimeInForce is the execution mode of an order
type TimeInForce int

const (
	// AddLiquidityOnly is a post-only maker order, rejected if it would cross
	AddLiquidityOnly TimeInForce = iota
	// ImmediateOrCancel executes what it can immediately and cancels the rest
	ImmediateOrCancel
)

func (t TimeInForce) String() string {
	if t == ImmediateOrCancel {
		return "ioc"
	}
	return "alo"
}

// Tick is a merged top-of-book snapshot across the perp and spot books.
// RecvMS is the local wall-clock receive time; SendMS is the source send
// time when the venue provides one (0 otherwise).
type Tick struct {
	PerpBid decimal.Decimal
	PerpAsk decimal.Decimal
	SpotBid decimal.Decimal
	SpotAsk decimal.Decimal
	RecvMS  int64
	SendMS  int64
}

// Valid reports whether both books are positive and uncrossed
func (t Tick) Valid() bool {
	if !t.PerpBid.IsPositive() || !t.SpotBid.IsPositive() {
		return false
	}
	return t.PerpBid.LessThan(t.PerpAsk) && t.SpotBid.LessThan(t.SpotAsk)
}

// Mid returns the four-way mid reference used for edge normalization
func (t Tick) Mid() decimal.Decimal {
	return t.PerpBid.Add(t.PerpAsk).Add(t.SpotBid).Add(t.SpotAsk).Div(decimal.NewFromInt(4))
}

// LatencyMS returns the feed latency when the source send time is known
func (t Tick) LatencyMS() int64 {
	if t.SendMS <= 0 {
		return 0
	}
	return t.RecvMS - t.SendMS
}

// FeeSchedule holds per-leg fee rates in basis points
type FeeSchedule struct {
	PerpTakerBps decimal.Decimal
	SpotTakerBps decimal.Decimal
	PerpMakerBps decimal.Decimal
	SpotMakerBps decimal.Decimal
}

// RoundTripTakerBps is the taker-taker cost of an open plus a close
func (f FeeSchedule) RoundTripTakerBps() decimal.Decimal {
	return f.PerpTakerBps.Add(f.SpotTakerBps).Mul(decimal.NewFromInt(2))
}

// Edge carries the two directional edges net of the round-trip fee constant
type Edge struct {
	PerpToSpotBps decimal.Decimal
	SpotToPerpBps decimal.Decimal
	MidRef        decimal.Decimal
	Tick          Tick
}

// ForDirection returns the edge for the given open direction
func (e Edge) ForDirection(d Direction) decimal.Decimal {
	if d == SpotToPerp {
		return e.SpotToPerpBps
	}
	return e.PerpToSpotBps
}

// Best returns the stronger direction and its edge. When both edges are
// positive (impossible under correct fees but guarded) the larger magnitude
// wins.
func (e Edge) Best() (Direction, decimal.Decimal) {
	if e.SpotToPerpBps.GreaterThan(e.PerpToSpotBps) {
		return SpotToPerp, e.SpotToPerpBps
	}
	return PerpToSpot, e.PerpToSpotBps
}

// OrderSpec describes a single leg to be placed on the venue
type OrderSpec struct {
	Market        Market
	Coin          string
	IsBuy         bool
	Size          decimal.Decimal
	LimitPx       decimal.Decimal
	TIF           TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the venue acknowledgement envelope for a single order.
// The venue can report success at the transport level while carrying an
// inner rejected status, so both are surfaced.
type OrderAck struct {
	OrderID    int64
	FilledSize decimal.Decimal
	AvgPx      decimal.Decimal
	Resting    bool
	Rejected   bool
	Reason     string
	Raw        string
}

// LegStatus classifies the terminal state of one leg
type LegStatus int

const (
	// LegUnknown means the acknowledgement was ambiguous and must be
	// resolved by querying positions
	LegUnknown LegStatus = iota
	LegFilled
	LegRejected
	LegCancelled
)

func (s LegStatus) String() string {
	switch s {
	case LegFilled:
		return "filled"
	case LegRejected:
		return "rejected"
	case LegCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LegResult is the classified outcome of one leg of a dispatch
type LegResult struct {
	Status     LegStatus
	SizeFilled decimal.Decimal
	AvgPx      decimal.Decimal
	Reason     string
	OrderID    int64
}

// PositionStatus is the lifecycle state of a hedged position
type PositionStatus int

const (
	PositionOpen PositionStatus = iota
	PositionClosing
	PositionClosed
	// PositionBroken marks an unrecoverable hedge: one leg could not be
	// flattened and the position needs manual review
	PositionBroken
)

func (s PositionStatus) String() string {
	switch s {
	case PositionOpen:
		return "open"
	case PositionClosing:
		return "closing"
	case PositionClosed:
		return "closed"
	case PositionBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// HedgedPosition is a delta-neutral perp/spot pair owned by the position
// manager. While open, |PerpSize - SpotSize| stays within one lot step.
type HedgedPosition struct {
	ID          string
	Direction   Direction
	OpenedAt    time.Time
	ClosedAt    time.Time
	NotionalUSD decimal.Decimal
	PerpSize    decimal.Decimal
	SpotSize    decimal.Decimal
	PerpEntryPx decimal.Decimal
	SpotEntryPx decimal.Decimal
	OpenEdgeBps decimal.Decimal

	CloseEdgeBps   decimal.Decimal
	RealizedPnLUSD decimal.Decimal
	Status         PositionStatus
}

// IsDeltaNeutral reports whether the two legs match within the lot step
func (p *HedgedPosition) IsDeltaNeutral(lotStep decimal.Decimal) bool {
	return p.PerpSize.Sub(p.SpotSize).Abs().LessThanOrEqual(lotStep)
}

// PerpPosition is one perp position reported by the venue, signed size
type PerpPosition struct {
	Coin    string
	Size    decimal.Decimal
	EntryPx decimal.Decimal
}

// PerpState is the margin-account snapshot used by the capital guard
type PerpState struct {
	FreeUSDC  decimal.Decimal
	TotalUSDC decimal.Decimal
	Positions []PerpPosition
}

// SpotBalances is the spot-wallet snapshot used by the capital guard
type SpotBalances struct {
	USDC decimal.Decimal
	Base decimal.Decimal
}

// InstrumentInfo carries the venue sizing constraints for one instrument
type InstrumentInfo struct {
	LotStep        decimal.Decimal
	MinNotionalUSD decimal.Decimal
}

// BookTop is a single-book top-of-book update from a subscription
type BookTop struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	SendMS int64
}

// VolatilitySource classifies which side moved to create a dislocation
type VolatilitySource int

const (
	SourceBoth VolatilitySource = iota
	SourcePerp
	SourceSpot
)

func (v VolatilitySource) String() string {
	switch v {
	case SourcePerp:
		return "perp"
	case SourceSpot:
		return "spot"
	default:
		return "both"
	}
}

// BaselineSnapshot holds the per-side rolling means behind an observation
type BaselineSnapshot struct {
	PerpBidMean decimal.Decimal
	PerpAskMean decimal.Decimal
	SpotBidMean decimal.Decimal
	SpotAskMean decimal.Decimal
	Window      int
}

// ExecutionSim is the simulated cost and expected profit of one execution
// mode for an observed opportunity
type ExecutionSim struct {
	Mode              string
	CostBps           decimal.Decimal
	ExpectedProfitBps decimal.Decimal
}

// Opportunity is an observational record of an above-threshold edge with
// its volatility-source classification. It never triggers a trade.
type Opportunity struct {
	DetectedAt time.Time
	Direction  Direction
	EdgeBps    decimal.Decimal
	Tick       Tick
	Baseline   BaselineSnapshot

	PerpBidDevBps decimal.Decimal
	PerpAskDevBps decimal.Decimal
	SpotBidDevBps decimal.Decimal
	SpotAskDevBps decimal.Decimal

	PerpMovementBps decimal.Decimal
	SpotMovementBps decimal.Decimal
	Source          VolatilitySource
	SourceRatio     decimal.Decimal

	Sims       []ExecutionSim
	AnalysisUS int64
}

// EdgeRecord is the persisted and broadcast form of one computed edge
type EdgeRecord struct {
	TS           time.Time
	Base         string
	SpotIndex    string
	EdgePSBps    decimal.Decimal
	EdgeSPBps    decimal.Decimal
	MidRef       decimal.Decimal
	RecvMS       int64
	SendMS       int64
	ThresholdBps decimal.Decimal
}

// TradeRole identifies which stage of a hedge a trade record belongs to
type TradeRole string

const (
	RoleOpen     TradeRole = "open"
	RoleClose    TradeRole = "close"
	RoleRecovery TradeRole = "recovery"
)

// TradeRecord is the synchronous audit row for one dispatched leg pair
type TradeRecord struct {
	TS           time.Time
	Base         string
	Direction    Direction
	ThresholdBps decimal.Decimal
	BestBps      decimal.Decimal
	NotionalUSD  decimal.Decimal
	Role         TradeRole
	RequestID    string
	RequestJSON  string
	ResponseJSON string
	Status       string
}
