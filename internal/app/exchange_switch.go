package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// exchangeSwitch routes market data to the live venue while the trading
// and account surface flips between live and paper with the dry-run flag
type exchangeSwitch struct {
	live   core.IExchange
	paper  core.IExchange
	dryRun atomic.Bool
}

func newExchangeSwitch(live, paper core.IExchange, dryRun bool) *exchangeSwitch {
	s := &exchangeSwitch{live: live, paper: paper}
	s.dryRun.Store(dryRun)
	return s
}

func (s *exchangeSwitch) trading() core.IExchange {
	if s.dryRun.Load() {
		return s.paper
	}
	return s.live
}

func (s *exchangeSwitch) Name() string { return s.trading().Name() }

func (s *exchangeSwitch) SubscribePerpBook(ctx context.Context, coin string, cb func(core.BookTop)) error {
	return s.live.SubscribePerpBook(ctx, coin, cb)
}

func (s *exchangeSwitch) SubscribeSpotBook(ctx context.Context, spotIndex string, cb func(core.BookTop)) error {
	return s.live.SubscribeSpotBook(ctx, spotIndex, cb)
}

func (s *exchangeSwitch) PlaceOrder(ctx context.Context, spec core.OrderSpec) (core.OrderAck, error) {
	return s.trading().PlaceOrder(ctx, spec)
}

func (s *exchangeSwitch) CancelOrder(ctx context.Context, market core.Market, coin string, orderID int64) error {
	return s.trading().CancelOrder(ctx, market, coin, orderID)
}

func (s *exchangeSwitch) OrderStatus(ctx context.Context, market core.Market, coin string, orderID int64) (core.OrderAck, error) {
	return s.trading().OrderStatus(ctx, market, coin, orderID)
}

func (s *exchangeSwitch) SetLeverage(ctx context.Context, coin string, factor int, isCross bool) error {
	return s.trading().SetLeverage(ctx, coin, factor, isCross)
}

func (s *exchangeSwitch) PerpState(ctx context.Context) (core.PerpState, error) {
	return s.trading().PerpState(ctx)
}

func (s *exchangeSwitch) SpotBalances(ctx context.Context, spotIndex string) (core.SpotBalances, error) {
	return s.trading().SpotBalances(ctx, spotIndex)
}

func (s *exchangeSwitch) TransferUSDC(ctx context.Context, toPerp bool, amount decimal.Decimal) error {
	return s.trading().TransferUSDC(ctx, toPerp, amount)
}

func (s *exchangeSwitch) InstrumentInfo(ctx context.Context, market core.Market, coin string) (core.InstrumentInfo, error) {
	return s.trading().InstrumentInfo(ctx, market, coin)
}

func (s *exchangeSwitch) ScheduleCancelAll(ctx context.Context, at time.Time) error {
	return s.trading().ScheduleCancelAll(ctx, at)
}
