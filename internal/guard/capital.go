// Package guard validates balances and margin ahead of every dispatch
package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

var (
	marginBuffer = decimal.NewFromFloat(1.2)  // absorbs margin fluctuation between check and dispatch
	spotBuffer   = decimal.NewFromFloat(1.05) // absorbs price drift on the spot leg
)

// Snapshot holds the four quantities a dispatch admissibility check needs
type Snapshot struct {
	PerpFreeUSDC decimal.Decimal
	SpotUSDC     decimal.Decimal
	SpotBase     decimal.Decimal
	Mid          decimal.Decimal
	FetchedAt    time.Time
}

// Refusal is the structured reason a dispatch was ruled inadmissible
type Refusal struct {
	Direction core.Direction
	Need      decimal.Decimal
	Have      decimal.Decimal
	Resource  string
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("%s: %s need %s have %s: %s",
		core.ErrInsufficientCapital, r.Resource, r.Need.StringFixed(4), r.Have.StringFixed(4), r.Direction)
}

func (r *Refusal) Unwrap() error { return core.ErrInsufficientCapital }

// CapitalGuard queries balances on demand and rules dispatches admissible.
// Balance snapshots are reused for at most two seconds.
type CapitalGuard struct {
	exchange  core.IExchange
	spotIndex string
	leverage  decimal.Decimal
	logger    core.ILogger

	mu       sync.Mutex
	cached   Snapshot
	cacheTTL time.Duration
	now      func() time.Time
}

// NewCapitalGuard creates a guard bound to one venue account
func NewCapitalGuard(exchange core.IExchange, spotIndex string, leverage int, logger core.ILogger) *CapitalGuard {
	return &CapitalGuard{
		exchange:  exchange,
		spotIndex: spotIndex,
		leverage:  decimal.NewFromInt(int64(leverage)),
		logger:    logger.WithField("component", "capital_guard"),
		cacheTTL:  2 * time.Second,
		now:       time.Now,
	}
}

// Snapshot returns current balances, reusing a fetch younger than the TTL
func (g *CapitalGuard) Snapshot(ctx context.Context, mid decimal.Decimal) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.now().Sub(g.cached.FetchedAt) < g.cacheTTL {
		return g.cached, nil
	}

	perp, err := g.exchange.PerpState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: perp state: %v", core.ErrExchange, err)
	}
	spot, err := g.exchange.SpotBalances(ctx, g.spotIndex)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: spot balances: %v", core.ErrExchange, err)
	}

	g.cached = Snapshot{
		PerpFreeUSDC: perp.FreeUSDC,
		SpotUSDC:     spot.USDC,
		SpotBase:     spot.Base,
		Mid:          mid,
		FetchedAt:    g.now(),
	}
	return g.cached, nil
}

// Admit rules an open dispatch of the given notional admissible or returns
// a structured refusal.
//
// Both directions reserve perp margin of notional/leverage with a 20%
// buffer. PerpToSpot additionally needs spot USDC to buy the base;
// SpotToPerp needs base inventory to sell.
func (g *CapitalGuard) Admit(ctx context.Context, dir core.Direction, notionalUSD, mid decimal.Decimal) error {
	snap, err := g.Snapshot(ctx, mid)
	if err != nil {
		return err
	}

	marginNeed := notionalUSD.Div(g.leverage).Mul(marginBuffer)
	if snap.PerpFreeUSDC.LessThan(marginNeed) {
		return &Refusal{Direction: dir, Need: marginNeed, Have: snap.PerpFreeUSDC, Resource: "perp_free_usdc"}
	}

	switch dir {
	case core.PerpToSpot:
		spotNeed := notionalUSD.Mul(spotBuffer)
		if snap.SpotUSDC.LessThan(spotNeed) {
			return &Refusal{Direction: dir, Need: spotNeed, Have: snap.SpotUSDC, Resource: "spot_usdc"}
		}
	case core.SpotToPerp:
		baseNeed := notionalUSD.Div(mid).Mul(spotBuffer)
		if snap.SpotBase.LessThan(baseNeed) {
			return &Refusal{Direction: dir, Need: baseNeed, Have: snap.SpotBase, Resource: "spot_base"}
		}
	default:
		return fmt.Errorf("unspecified direction")
	}

	return nil
}

// Invalidate drops the cached snapshot, forcing the next check to refetch
func (g *CapitalGuard) Invalidate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cached = Snapshot{}
}
