// Package dispatch places, escalates and recovers the two legs of a hedge
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"perparb/internal/core"
)

// TickSource exposes the freshest merged tick for re-pricing
type TickSource interface {
	Current() (core.Tick, bool)
}

// Config holds the dispatcher parameters
type Config struct {
	Base            string
	SpotIndex       string
	Leverage        int
	SlippageBps     decimal.Decimal
	ALOOpenTimeout  time.Duration
	ALOCloseTimeout time.Duration
	DeadmanSeconds  int
	MakerFirst      bool
}

// CloseResult carries the close fills a position's P&L is computed from
type CloseResult struct {
	PerpFill core.LegResult
	SpotFill core.LegResult
}

// BrokenHedgeError reports the outstanding exposure of an unrecoverable leg
type BrokenHedgeError struct {
	Spec   core.OrderSpec
	Filled decimal.Decimal
	AvgPx  decimal.Decimal
	Cause  error
}

func (e *BrokenHedgeError) Error() string {
	return fmt.Sprintf("%v: %s %s size %s filled %s: %v",
		core.ErrBrokenHedge, e.Spec.Market, e.Spec.Coin, e.Spec.Size, e.Filled, e.Cause)
}

func (e *BrokenHedgeError) Unwrap() error { return core.ErrBrokenHedge }

// Dispatcher sizes and places the two legs of a hedge concurrently,
// maker-first with aggressive fallback, and recovers one-sided fills.
// Open and Close are serialised; at most one dispatch is in flight.
type Dispatcher struct {
	exchange core.IExchange
	ticks    TickSource
	store    core.IStore
	logger   core.ILogger

	cfg     Config
	cfgMu   sync.RWMutex
	limiter *rate.Limiter

	// Serialises dispatches and lets shutdown wait for the in-flight one
	opMu sync.Mutex

	pollInterval time.Duration
	now          func() time.Time

	infoMu   sync.Mutex
	perpInfo *core.InstrumentInfo
	spotInfo *core.InstrumentInfo
}

// NewDispatcher creates an order dispatcher
func NewDispatcher(exchange core.IExchange, ticks TickSource, store core.IStore, cfg Config, logger core.ILogger) *Dispatcher {
	return &Dispatcher{
		exchange:     exchange,
		ticks:        ticks,
		store:        store,
		logger:       logger.WithField("component", "dispatcher"),
		cfg:          cfg,
		limiter:      rate.NewLimiter(rate.Limit(25), 30),
		pollInterval: 25 * time.Millisecond,
		now:          time.Now,
	}
}

// SetMakerFirst switches between maker-first and aggressive-only execution
func (d *Dispatcher) SetMakerFirst(makerFirst bool) {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	d.cfg.MakerFirst = makerFirst
}

// config returns a consistent copy of the mutable configuration
func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Drain blocks until any in-flight dispatch completes or ctx expires
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.opMu.Lock()
		d.opMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open dispatches a new hedge. marginUSD is the margin allocated to the
// perp leg; both legs are sized to the leveraged notional so the hedge is
// one-to-one in units of the underlying.
func (d *Dispatcher) Open(ctx context.Context, dir core.Direction, marginUSD decimal.Decimal, edge core.Edge) (*core.HedgedPosition, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	cfg := d.config()
	mid := edge.MidRef

	size, err := d.legSize(ctx, marginUSD, mid)
	if err != nil {
		return nil, err
	}

	perpSpec, spotSpec := openSpecs(cfg, dir, size, edge.Tick)

	perpRes, spotRes, err := d.executePair(ctx, perpSpec, spotSpec, cfg.ALOOpenTimeout, cfg)
	if err != nil {
		return nil, err
	}

	d.recordPair(ctx, core.RoleOpen, dir, edge, marginUSD, perpSpec, spotSpec, perpRes, spotRes)
	d.armDeadman(ctx, cfg)

	perpFilled := perpRes.Status == core.LegFilled
	spotFilled := spotRes.Status == core.LegFilled

	switch {
	case perpFilled && spotFilled:
		pos := &core.HedgedPosition{
			ID:          uuid.NewString(),
			Direction:   dir,
			OpenedAt:    d.now(),
			NotionalUSD: marginUSD.Mul(decimal.NewFromInt(int64(cfg.Leverage))),
			PerpSize:    perpRes.SizeFilled,
			SpotSize:    spotRes.SizeFilled,
			PerpEntryPx: perpRes.AvgPx,
			SpotEntryPx: spotRes.AvgPx,
			OpenEdgeBps: edge.ForDirection(dir),
			Status:      core.PositionOpen,
		}
		d.logger.Info("Hedge opened",
			"id", pos.ID,
			"direction", dir.String(),
			"perp_size", pos.PerpSize.String(),
			"spot_size", pos.SpotSize.String(),
			"edge_bps", pos.OpenEdgeBps.String())
		return pos, nil

	case !perpFilled && !spotFilled:
		return nil, fmt.Errorf("%w: perp %s, spot %s", core.ErrNoFill, perpRes.Status, spotRes.Status)

	default:
		// Exactly one leg filled: unhedged exposure, flatten it now
		filledSpec, filledRes := perpSpec, perpRes
		if spotFilled {
			filledSpec, filledRes = spotSpec, spotRes
		}
		if err := d.CloseSingleLeg(ctx, filledSpec, filledRes); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: flattened %s leg of %s", core.ErrPartialRecovered, filledSpec.Market, dir)
	}
}

// Close flattens an open hedge using the reverse direction, reduce-only on
// the perp leg, maker-first with the close timeout.
func (d *Dispatcher) Close(ctx context.Context, pos *core.HedgedPosition) (*CloseResult, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	cfg := d.config()

	tick, ok := d.ticks.Current()
	if !ok {
		return nil, core.ErrFeedStale
	}

	perpSpec, spotSpec := closeSpecs(cfg, pos, tick)

	perpRes, spotRes, err := d.executePair(ctx, perpSpec, spotSpec, cfg.ALOCloseTimeout, cfg)
	if err != nil {
		return nil, err
	}

	closeEdge := core.Edge{Tick: tick, MidRef: tick.Mid()}
	d.recordPair(ctx, core.RoleClose, pos.Direction.Reverse(), closeEdge, pos.NotionalUSD, perpSpec, spotSpec, perpRes, spotRes)
	d.armDeadman(ctx, cfg)

	perpFilled := perpRes.Status == core.LegFilled
	spotFilled := spotRes.Status == core.LegFilled

	switch {
	case perpFilled && spotFilled:
		return &CloseResult{PerpFill: perpRes, SpotFill: spotRes}, nil

	case !perpFilled && !spotFilled:
		return nil, fmt.Errorf("%w: close %s", core.ErrNoFill, pos.ID)

	default:
		// One close leg stuck: the hedge is now one-sided, escalate
		stuckSpec := perpSpec
		stuckRes := perpRes
		if perpFilled {
			stuckSpec, stuckRes = spotSpec, spotRes
		}
		ioc := stuckSpec
		ioc.TIF = core.ImmediateOrCancel
		ioc.ClientOrderID = uuid.NewString()
		if tick, ok := d.ticks.Current(); ok {
			ioc.LimitPx = aggressivePrice(ioc, tick, cfg.SlippageBps)
		} else {
			ioc.LimitPx = aggressiveFromMaker(stuckSpec, cfg.SlippageBps)
		}
		final := d.aggressiveRetry(ctx, ioc, cfg)
		if final.Status == core.LegFilled {
			if perpFilled {
				return &CloseResult{PerpFill: perpRes, SpotFill: final}, nil
			}
			return &CloseResult{PerpFill: final, SpotFill: spotRes}, nil
		}
		return nil, &BrokenHedgeError{
			Spec:   stuckSpec,
			Filled: stuckRes.SizeFilled,
			Cause:  fmt.Errorf("close leg %s after retries", final.Status),
		}
	}
}

// CloseSingleLeg flattens one filled leg with an aggressive reverse order.
// Used only by partial-fill recovery; the perp reverse is reduce-only.
func (d *Dispatcher) CloseSingleLeg(ctx context.Context, filled core.OrderSpec, res core.LegResult) error {
	cfg := d.config()

	tick, ok := d.ticks.Current()
	if !ok {
		return &BrokenHedgeError{Spec: filled, Filled: res.SizeFilled, Cause: core.ErrFeedStale}
	}

	reverse := core.OrderSpec{
		Market:        filled.Market,
		Coin:          filled.Coin,
		IsBuy:         !filled.IsBuy,
		Size:          res.SizeFilled,
		TIF:           core.ImmediateOrCancel,
		ReduceOnly:    filled.Market == core.MarketPerp,
		ClientOrderID: uuid.NewString(),
	}
	reverse.LimitPx = aggressivePrice(reverse, tick, cfg.SlippageBps)

	out := d.aggressiveRetry(ctx, reverse, cfg)

	rec := core.TradeRecord{
		TS:          d.now(),
		Base:        cfg.Base,
		NotionalUSD: res.SizeFilled.Mul(res.AvgPx),
		Role:        core.RoleRecovery,
		RequestID:   reverse.ClientOrderID,
		RequestJSON: marshal(reverse),
		Status:      out.Status.String(),
	}
	if err := d.store.RecordTrade(ctx, rec); err != nil {
		d.logger.Error("Failed to record recovery trade", "error", err)
	}

	if out.Status != core.LegFilled {
		return &BrokenHedgeError{
			Spec:   filled,
			Filled: res.SizeFilled,
			AvgPx:  res.AvgPx,
			Cause:  fmt.Errorf("flatten %s after retries", out.Status),
		}
	}

	d.logger.Warn("Recovered one-sided fill",
		"market", filled.Market.String(),
		"size", res.SizeFilled.String(),
		"entry_px", res.AvgPx.String(),
		"exit_px", out.AvgPx.String())
	return nil
}

// legSize converts a margin allocation into a lot-step floored leg size and
// validates the venue minimum notional on both legs
func (d *Dispatcher) legSize(ctx context.Context, marginUSD, mid decimal.Decimal) (decimal.Decimal, error) {
	cfg := d.config()

	perpInfo, spotInfo, err := d.instrumentInfo(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	notional := marginUSD.Mul(decimal.NewFromInt(int64(cfg.Leverage)))
	raw := notional.Div(mid)

	step := perpInfo.LotStep
	if spotInfo.LotStep.GreaterThan(step) {
		step = spotInfo.LotStep
	}
	size := floorToStep(raw, step)

	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("size rounds to zero: notional %s at mid %s", notional, mid)
	}

	legNotional := size.Mul(mid)
	if legNotional.LessThan(perpInfo.MinNotionalUSD) || legNotional.LessThan(spotInfo.MinNotionalUSD) {
		return decimal.Zero, fmt.Errorf("leg notional %s below venue minimum", legNotional.StringFixed(2))
	}

	return size, nil
}

func (d *Dispatcher) instrumentInfo(ctx context.Context) (core.InstrumentInfo, core.InstrumentInfo, error) {
	d.infoMu.Lock()
	defer d.infoMu.Unlock()

	if d.perpInfo == nil {
		info, err := d.exchange.InstrumentInfo(ctx, core.MarketPerp, d.cfg.Base)
		if err != nil {
			return core.InstrumentInfo{}, core.InstrumentInfo{}, fmt.Errorf("%w: perp instrument info: %v", core.ErrExchange, err)
		}
		d.perpInfo = &info
	}
	if d.spotInfo == nil {
		info, err := d.exchange.InstrumentInfo(ctx, core.MarketSpot, d.cfg.SpotIndex)
		if err != nil {
			return core.InstrumentInfo{}, core.InstrumentInfo{}, fmt.Errorf("%w: spot instrument info: %v", core.ErrExchange, err)
		}
		d.spotInfo = &info
	}
	return *d.perpInfo, *d.spotInfo, nil
}

// executePair submits both legs concurrently, waits for maker fills until
// the timeout, then re-issues whatever is missing as aggressive IOC
func (d *Dispatcher) executePair(ctx context.Context, perpSpec, spotSpec core.OrderSpec, aloTimeout time.Duration, cfg Config) (core.LegResult, core.LegResult, error) {
	var perpRes, spotRes core.LegResult

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		perpRes = d.executeLeg(gctx, perpSpec, aloTimeout, cfg)
		return nil
	})
	g.Go(func() error {
		spotRes = d.executeLeg(gctx, spotSpec, aloTimeout, cfg)
		return nil
	})
	if err := g.Wait(); err != nil {
		return perpRes, spotRes, err
	}
	return perpRes, spotRes, nil
}

// executeLeg runs the full per-leg policy: maker attempt with fill wait,
// cancel on timeout, aggressive fallback
func (d *Dispatcher) executeLeg(ctx context.Context, spec core.OrderSpec, aloTimeout time.Duration, cfg Config) core.LegResult {
	if cfg.MakerFirst && spec.TIF == core.AddLiquidityOnly {
		res := d.makerAttempt(ctx, spec, aloTimeout)
		if res.Status == core.LegFilled {
			return res
		}
		// Post-only rejections and timeouts are ordinary: fall through to IOC
		d.logger.Debug("Maker leg unfilled, escalating to IOC",
			"market", spec.Market.String(),
			"status", res.Status.String(),
			"reason", res.Reason)
	}

	ioc := spec
	ioc.TIF = core.ImmediateOrCancel
	ioc.ClientOrderID = uuid.NewString()
	tick, ok := d.ticks.Current()
	if ok {
		ioc.LimitPx = aggressivePrice(ioc, tick, cfg.SlippageBps)
	} else {
		ioc.LimitPx = aggressiveFromMaker(spec, cfg.SlippageBps)
	}
	return d.aggressiveRetry(ctx, ioc, cfg)
}

// makerAttempt places a post-only order and waits for it to fill until the
// timeout, measured from the acknowledgement; leftovers are cancelled
func (d *Dispatcher) makerAttempt(ctx context.Context, spec core.OrderSpec, timeout time.Duration) core.LegResult {
	ack, err := d.place(ctx, spec)
	res := classify(ack, err)
	switch res.Status {
	case core.LegFilled, core.LegRejected, core.LegCancelled:
		return res
	case core.LegUnknown:
		if err != nil || !ack.Resting {
			return d.resolveUnknown(ctx, spec, res)
		}
	}

	// Resting on the book: poll for the fill until the timeout
	deadline := d.now().Add(timeout)
	for d.now().Before(deadline) {
		select {
		case <-ctx.Done():
			d.cancelQuiet(ctx, spec, ack.OrderID)
			return core.LegResult{Status: core.LegCancelled, OrderID: ack.OrderID}
		case <-time.After(d.pollInterval):
		}

		status, err := d.orderStatus(ctx, spec, ack.OrderID)
		if err != nil {
			continue
		}
		if status.Rejected {
			return core.LegResult{Status: core.LegRejected, Reason: status.Reason, OrderID: ack.OrderID}
		}
		if status.FilledSize.GreaterThanOrEqual(spec.Size) {
			return core.LegResult{
				Status:     core.LegFilled,
				SizeFilled: status.FilledSize,
				AvgPx:      status.AvgPx,
				OrderID:    ack.OrderID,
			}
		}
	}

	d.cancelQuiet(ctx, spec, ack.OrderID)

	// A fill can land between the last poll and the cancel
	if status, err := d.orderStatus(ctx, spec, ack.OrderID); err == nil && status.FilledSize.IsPositive() && !status.Rejected {
		return core.LegResult{
			Status:     core.LegFilled,
			SizeFilled: status.FilledSize,
			AvgPx:      status.AvgPx,
			OrderID:    ack.OrderID,
		}
	}
	return core.LegResult{Status: core.LegCancelled, Reason: "alo timeout", OrderID: ack.OrderID}
}

// aggressiveRetry submits an IOC leg, re-pricing once from the current tick
// if it came back passive, then once more with escalated slippage
func (d *Dispatcher) aggressiveRetry(ctx context.Context, spec core.OrderSpec, cfg Config) core.LegResult {
	slippage := cfg.SlippageBps

	var res core.LegResult
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			tick, ok := d.ticks.Current()
			if !ok {
				break
			}
			if attempt == 2 {
				slippage = slippage.Add(decimal.NewFromInt(10))
			}
			spec.LimitPx = aggressivePrice(spec, tick, slippage)
			spec.ClientOrderID = uuid.NewString()
		}

		ack, err := d.place(ctx, spec)
		res = classify(ack, err)
		if res.Status == core.LegUnknown {
			res = d.resolveUnknown(ctx, spec, res)
		}
		if res.Status == core.LegFilled {
			return res
		}
		if ctx.Err() != nil {
			break
		}
	}
	return res
}

func (d *Dispatcher) place(ctx context.Context, spec core.OrderSpec) (core.OrderAck, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return core.OrderAck{}, err
	}
	if spec.ClientOrderID == "" {
		spec.ClientOrderID = uuid.NewString()
	}
	return d.exchange.PlaceOrder(ctx, spec)
}

func (d *Dispatcher) orderStatus(ctx context.Context, spec core.OrderSpec, orderID int64) (core.OrderAck, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return core.OrderAck{}, err
	}
	return d.exchange.OrderStatus(ctx, spec.Market, spec.Coin, orderID)
}

func (d *Dispatcher) cancelQuiet(ctx context.Context, spec core.OrderSpec, orderID int64) {
	if orderID == 0 {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	if err := d.exchange.CancelOrder(ctx, spec.Market, spec.Coin, orderID); err != nil {
		d.logger.Warn("Cancel failed", "market", spec.Market.String(), "order_id", orderID, "error", err)
	}
}

// resolveUnknown settles an ambiguous acknowledgement by querying venue
// state: a perp fill shows up in positions, a spot fill in balances
func (d *Dispatcher) resolveUnknown(ctx context.Context, spec core.OrderSpec, res core.LegResult) core.LegResult {
	if spec.Market == core.MarketPerp {
		state, err := d.exchange.PerpState(ctx)
		if err != nil {
			d.logger.Error("Could not resolve ambiguous perp ack", "error", err)
			return res
		}
		for _, p := range state.Positions {
			if p.Coin != spec.Coin {
				continue
			}
			matches := p.Size.IsPositive() == spec.IsBuy
			if matches && p.Size.Abs().GreaterThanOrEqual(spec.Size) {
				return core.LegResult{Status: core.LegFilled, SizeFilled: spec.Size, AvgPx: p.EntryPx, OrderID: res.OrderID}
			}
		}
		return core.LegResult{Status: core.LegCancelled, Reason: "no position after ambiguous ack", OrderID: res.OrderID}
	}

	bal, err := d.exchange.SpotBalances(ctx, spec.Coin)
	if err != nil {
		d.logger.Error("Could not resolve ambiguous spot ack", "error", err)
		return res
	}
	if spec.IsBuy && bal.Base.GreaterThanOrEqual(spec.Size) {
		return core.LegResult{Status: core.LegFilled, SizeFilled: spec.Size, AvgPx: spec.LimitPx, OrderID: res.OrderID}
	}
	return core.LegResult{Status: core.LegCancelled, Reason: "no balance change after ambiguous ack", OrderID: res.OrderID}
}

// armDeadman schedules the exchange-side cancel-all safety net. Re-armed
// after every dispatch so it only fires if the process dies.
func (d *Dispatcher) armDeadman(ctx context.Context, cfg Config) {
	if cfg.DeadmanSeconds <= 0 {
		return
	}
	at := d.now().Add(time.Duration(cfg.DeadmanSeconds) * time.Second)
	if err := d.exchange.ScheduleCancelAll(ctx, at); err != nil {
		d.logger.Warn("Failed to arm deadman cancel-all", "error", err)
	}
}

func (d *Dispatcher) recordPair(ctx context.Context, role core.TradeRole, dir core.Direction, edge core.Edge, notionalUSD decimal.Decimal, perpSpec, spotSpec core.OrderSpec, perpRes, spotRes core.LegResult) {
	_, best := edge.Best()
	rec := core.TradeRecord{
		TS:           d.now(),
		Base:         d.config().Base,
		Direction:    dir,
		BestBps:      best,
		NotionalUSD:  notionalUSD,
		Role:         role,
		RequestID:    perpSpec.ClientOrderID,
		RequestJSON:  marshal(map[string]interface{}{"perp": perpSpec, "spot": spotSpec}),
		ResponseJSON: marshal(map[string]interface{}{"perp": perpRes, "spot": spotRes}),
		Status:       pairStatus(perpRes, spotRes),
	}
	if err := d.store.RecordTrade(ctx, rec); err != nil {
		d.logger.Error("Failed to record trade", "role", string(role), "error", err)
	}
}

func pairStatus(perp, spot core.LegResult) string {
	if perp.Status == core.LegFilled && spot.Status == core.LegFilled {
		return "filled"
	}
	if perp.Status == core.LegFilled || spot.Status == core.LegFilled {
		return "partial"
	}
	return "nofill"
}

func marshal(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
