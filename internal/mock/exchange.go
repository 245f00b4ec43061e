// Package mock provides an in-memory venue used by tests and dry-run
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// PlaceOrderFunc lets a test script per-order acknowledgements
type PlaceOrderFunc func(spec core.OrderSpec) (core.OrderAck, error)

// Exchange is an in-memory core.IExchange. By default every order fills
// immediately and fully at its limit price; tests override PlaceOrderFunc
// to script rejections, resting makers and partial fills.
type Exchange struct {
	mu sync.Mutex

	perpCB func(core.BookTop)
	spotCB func(core.BookTop)

	placeFunc   PlaceOrderFunc
	placed      []core.OrderSpec
	cancelled   []int64
	nextOrderID int64

	orderStatuses map[int64]core.OrderAck

	perpState core.PerpState
	spotBals  core.SpotBalances
	transfers []Transfer

	perpInfo core.InstrumentInfo
	spotInfo core.InstrumentInfo

	leverage     int
	cancelAllAt  time.Time
	deadmanArmed int
}

// Transfer records one TransferUSDC call
type Transfer struct {
	ToPerp bool
	Amount decimal.Decimal
}

// NewExchange creates a mock venue with permissive defaults
func NewExchange() *Exchange {
	return &Exchange{
		orderStatuses: make(map[int64]core.OrderAck),
		perpState: core.PerpState{
			FreeUSDC:  decimal.NewFromInt(1000),
			TotalUSDC: decimal.NewFromInt(1000),
		},
		spotBals: core.SpotBalances{
			USDC: decimal.NewFromInt(1000),
			Base: decimal.NewFromInt(100),
		},
		perpInfo: core.InstrumentInfo{
			LotStep:        decimal.NewFromFloat(0.01),
			MinNotionalUSD: decimal.NewFromInt(1),
		},
		spotInfo: core.InstrumentInfo{
			LotStep:        decimal.NewFromFloat(0.01),
			MinNotionalUSD: decimal.NewFromInt(1),
		},
	}
}

func (e *Exchange) Name() string { return "mock" }

// SubscribePerpBook registers the perp book callback
func (e *Exchange) SubscribePerpBook(ctx context.Context, coin string, cb func(core.BookTop)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perpCB = cb
	return nil
}

// SubscribeSpotBook registers the spot book callback
func (e *Exchange) SubscribeSpotBook(ctx context.Context, spotIndex string, cb func(core.BookTop)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spotCB = cb
	return nil
}

// PushPerpBook feeds a perp top-of-book update into the subscription
func (e *Exchange) PushPerpBook(top core.BookTop) {
	e.mu.Lock()
	cb := e.perpCB
	e.mu.Unlock()
	if cb != nil {
		cb(top)
	}
}

// PushSpotBook feeds a spot top-of-book update into the subscription
func (e *Exchange) PushSpotBook(top core.BookTop) {
	e.mu.Lock()
	cb := e.spotCB
	e.mu.Unlock()
	if cb != nil {
		cb(top)
	}
}

// SetPlaceOrderFunc scripts order acknowledgements
func (e *Exchange) SetPlaceOrderFunc(fn PlaceOrderFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.placeFunc = fn
}

// PlaceOrder records the order and acknowledges it
func (e *Exchange) PlaceOrder(ctx context.Context, spec core.OrderSpec) (core.OrderAck, error) {
	e.mu.Lock()
	e.placed = append(e.placed, spec)
	fn := e.placeFunc
	e.nextOrderID++
	id := e.nextOrderID
	e.mu.Unlock()

	if fn != nil {
		ack, err := fn(spec)
		if ack.OrderID == 0 {
			ack.OrderID = id
		}
		e.mu.Lock()
		e.orderStatuses[ack.OrderID] = ack
		e.mu.Unlock()
		return ack, err
	}

	ack := core.OrderAck{
		OrderID:    id,
		FilledSize: spec.Size,
		AvgPx:      spec.LimitPx,
	}
	e.mu.Lock()
	e.orderStatuses[id] = ack
	e.mu.Unlock()
	return ack, nil
}

// SetOrderStatus scripts the status returned for a resting order
func (e *Exchange) SetOrderStatus(orderID int64, ack core.OrderAck) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderStatuses[orderID] = ack
}

// OrderStatus returns the scripted status for an order
func (e *Exchange) OrderStatus(ctx context.Context, market core.Market, coin string, orderID int64) (core.OrderAck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orderStatuses[orderID], nil
}

// CancelOrder records the cancel
func (e *Exchange) CancelOrder(ctx context.Context, market core.Market, coin string, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, orderID)
	return nil
}

// SetLeverage records the requested leverage
func (e *Exchange) SetLeverage(ctx context.Context, coin string, factor int, isCross bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage = factor
	return nil
}

// SetPerpState scripts the margin account snapshot
func (e *Exchange) SetPerpState(state core.PerpState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.perpState = state
}

// PerpState returns the scripted margin account snapshot
func (e *Exchange) PerpState(ctx context.Context) (core.PerpState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perpState, nil
}

// SetSpotBalances scripts the spot wallet snapshot
func (e *Exchange) SetSpotBalances(bals core.SpotBalances) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spotBals = bals
}

// SpotBalances returns the scripted spot wallet snapshot
func (e *Exchange) SpotBalances(ctx context.Context, spotIndex string) (core.SpotBalances, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spotBals, nil
}

// TransferUSDC records the transfer and moves the scripted balances
func (e *Exchange) TransferUSDC(ctx context.Context, toPerp bool, amount decimal.Decimal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transfers = append(e.transfers, Transfer{ToPerp: toPerp, Amount: amount})
	if toPerp {
		e.spotBals.USDC = e.spotBals.USDC.Sub(amount)
		e.perpState.FreeUSDC = e.perpState.FreeUSDC.Add(amount)
	} else {
		e.perpState.FreeUSDC = e.perpState.FreeUSDC.Sub(amount)
		e.spotBals.USDC = e.spotBals.USDC.Add(amount)
	}
	return nil
}

// InstrumentInfo returns the scripted sizing constraints
func (e *Exchange) InstrumentInfo(ctx context.Context, market core.Market, coin string) (core.InstrumentInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if market == core.MarketSpot {
		return e.spotInfo, nil
	}
	return e.perpInfo, nil
}

// SetInstrumentInfo scripts the sizing constraints for one market
func (e *Exchange) SetInstrumentInfo(market core.Market, info core.InstrumentInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if market == core.MarketSpot {
		e.spotInfo = info
	} else {
		e.perpInfo = info
	}
}

// ScheduleCancelAll records the deadman arm time
func (e *Exchange) ScheduleCancelAll(ctx context.Context, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelAllAt = at
	e.deadmanArmed++
	return nil
}

// Introspection helpers for tests

// PlacedOrders returns a copy of every order placed so far
func (e *Exchange) PlacedOrders() []core.OrderSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.OrderSpec, len(e.placed))
	copy(out, e.placed)
	return out
}

// CancelledOrders returns every order id cancelled so far
func (e *Exchange) CancelledOrders() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, len(e.cancelled))
	copy(out, e.cancelled)
	return out
}

// Transfers returns every recorded USDC transfer
func (e *Exchange) Transfers() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transfer, len(e.transfers))
	copy(out, e.transfers)
	return out
}

// DeadmanArmCount returns how many times the cancel-all was scheduled
func (e *Exchange) DeadmanArmCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadmanArmed
}

// Leverage returns the last SetLeverage factor
func (e *Exchange) Leverage() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage
}
