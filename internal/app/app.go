// Package app wires the engine components together and runs the hot path
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/alert"
	"perparb/internal/config"
	"perparb/internal/control"
	"perparb/internal/core"
	"perparb/internal/dispatch"
	"perparb/internal/edge"
	"perparb/internal/feed"
	"perparb/internal/gate"
	"perparb/internal/guard"
	"perparb/internal/mock"
	"perparb/internal/position"
	"perparb/internal/rebalance"
	"perparb/internal/store"
	"perparb/internal/telemetry"
	"perparb/internal/tracker"
)

// App owns every component and runs the tick loop. The hot path (feed,
// edge, gate, guard, dispatcher, manager) runs on one goroutine; tracker
// analysis, persistence flushing, broadcast and the rebalancer are
// independent cooperative tasks.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	exchange   *exchangeSwitch
	feed       *feed.Feed
	calc       *edge.Calculator
	gate       *gate.Gate
	kill       *gate.KillSwitch
	limiter    *gate.SlidingWindow
	guard      *guard.CapitalGuard
	dispatcher *dispatch.Dispatcher
	positions  *position.Manager
	tracker    *tracker.Tracker
	store      core.IStore
	alerts     *alert.AlertManager
	hub        *control.Hub
	control    *control.Server
	metricsSrv *telemetry.Server
	rebalancer *rebalance.Rebalancer

	mu       sync.RWMutex
	notional decimal.Decimal // margin per trade in USD

	startedAt time.Time
	cancel    context.CancelFunc

	// Terminal outcome counters for the stats command
	statFilled    atomic.Int64
	statNoFill    atomic.Int64
	statRecovered atomic.Int64
	statBroken    atomic.Int64
	statRefused   atomic.Int64
}

// New builds the full component graph. liveExchange may be nil for a pure
// dry run; market data then comes from the mock too.
func New(cfg *config.Config, liveExchange core.IExchange, logger core.ILogger) (*App, error) {
	paper := mock.NewExchange()
	if liveExchange == nil {
		liveExchange = paper
	}
	exchange := newExchangeSwitch(liveExchange, paper, cfg.Trading.DryRun)

	st, err := store.NewSQLiteStore(store.Config{
		Path:          cfg.Store.DBPath,
		EdgeBatchSize: cfg.Store.EdgeBatchSize,
		EdgeFlushMS:   cfg.Store.EdgeFlushMS,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	alerts := alert.NewAlertManager(logger)
	if cfg.Alerts.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.TelegramBotToken, cfg.Alerts.TelegramChatID))
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.SlackWebhookURL))
	}

	calc := edge.NewCalculator(core.FeeSchedule{
		PerpTakerBps: decimal.NewFromFloat(cfg.Fees.PerpTakerBps),
		SpotTakerBps: decimal.NewFromFloat(cfg.Fees.SpotTakerBps),
		PerpMakerBps: decimal.NewFromFloat(cfg.Fees.PerpMakerBps),
		SpotMakerBps: decimal.NewFromFloat(cfg.Fees.SpotMakerBps),
	})

	kill := gate.NewKillSwitch()
	limiter := gate.NewSlidingWindow(cfg.Trading.MaxTradesPerMin, time.Minute, nil)
	g := gate.NewGate(gate.Config{
		ThresholdBps: cfg.Trading.Threshold(),
		Dwell:        cfg.Trading.Dwell(),
		CoolDown:     cfg.Trading.CoolDown(),
	}, limiter, kill, logger)

	fd := feed.NewFeed(exchange, cfg.Pair.Base, cfg.Pair.SpotIndex,
		time.Duration(cfg.Exchange.FeedStaleS)*time.Second, logger)
	fd.OnStale(func(stale bool) {
		g.SetFeedStale(stale)
		if stale {
			telemetry.GetGlobalMetrics().FeedStale.Set(1)
		} else {
			telemetry.GetGlobalMetrics().FeedStale.Set(0)
		}
	})

	dispatcher := dispatch.NewDispatcher(exchange, fd, st, dispatch.Config{
		Base:            cfg.Pair.Base,
		SpotIndex:       cfg.Pair.SpotIndex,
		Leverage:        cfg.Trading.Leverage,
		SlippageBps:     cfg.Trading.SlippageBps(),
		ALOOpenTimeout:  cfg.Trading.ALOOpenTimeout(),
		ALOCloseTimeout: cfg.Trading.ALOCloseTimeout(),
		DeadmanSeconds:  cfg.Trading.DeadmanSeconds,
		MakerFirst:      cfg.Trading.DefaultTIF == "maker",
	}, logger)

	positions := position.NewManager(dispatcher, st, alerts, kill, position.Config{
		MaxHold:           cfg.Trading.MaxHold(),
		CloseThresholdBps: cfg.Trading.CloseThreshold(),
		Fees:              calc.Fees(),
	}, logger)

	trk := tracker.NewTracker(tracker.Config{
		ObservationThresholdBps: decimal.NewFromFloat(cfg.Tracker.ObservationThresholdBps),
		BaselineWindow:          cfg.Tracker.BaselineWindow,
		Fees:                    calc.Fees(),
		RoundTripFeesBps:        calc.RoundTripFeesBps(),
	}, st, logger)

	capGuard := guard.NewCapitalGuard(exchange, cfg.Pair.SpotIndex, cfg.Trading.Leverage, logger)

	hub := control.NewHub(logger.WithField("component", "hub"))

	a := &App{
		cfg:        cfg,
		logger:     logger.WithField("component", "app"),
		exchange:   exchange,
		feed:       fd,
		calc:       calc,
		gate:       g,
		kill:       kill,
		limiter:    limiter,
		guard:      capGuard,
		dispatcher: dispatcher,
		positions:  positions,
		tracker:    trk,
		store:      st,
		alerts:     alerts,
		hub:        hub,
		rebalancer: rebalance.NewRebalancer(exchange, rebalance.Config{
			Interval:       time.Duration(cfg.Rebalance.IntervalSeconds) * time.Second,
			TriggerRatio:   decimal.NewFromFloat(cfg.Rebalance.TriggerRatio),
			MinTransferUSD: decimal.NewFromFloat(cfg.Rebalance.MinTransferUSD),
		}, logger),
		notional:   cfg.Trading.Notional(),
		metricsSrv: telemetry.NewServer(cfg.Control.MetricsPort, logger),
	}
	a.control = control.NewServer(hub, a, cfg.Control.AllowedOrigins, logger)

	return a, nil
}

// Paper returns the embedded mock venue, used by dry-run drivers
func (a *App) Paper() *mock.Exchange {
	return a.exchange.paper.(*mock.Exchange)
}

// Run starts every component and blocks on the tick loop until ctx ends
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.startedAt = time.Now()

	a.logger.Info("Starting engine",
		"base", a.cfg.Pair.Base,
		"spot_index", a.cfg.Pair.SpotIndex,
		"threshold_bps", a.cfg.Trading.ThresholdBps,
		"dry_run", a.exchange.dryRun.Load())

	if err := a.exchange.SetLeverage(ctx, a.cfg.Pair.Base, a.cfg.Trading.Leverage, a.cfg.Exchange.IsCross); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}

	go a.hub.Run(ctx)
	a.control.Start(a.cfg.Control.ListenAddr)
	a.metricsSrv.Start()
	if a.cfg.Rebalance.Enabled {
		a.rebalancer.Start(ctx)
	}

	if err := a.feed.Start(ctx); err != nil {
		return fmt.Errorf("feed start: %w", err)
	}

	a.runLoop(ctx)
	return nil
}

// runLoop is the hot path: ticks are processed in arrival order
func (a *App) runLoop(ctx context.Context) {
	metrics := telemetry.GetGlobalMetrics()
	sample := a.cfg.Store.EdgeSampleRate
	if sample < 1 {
		sample = 1
	}
	var tickCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-a.feed.Ticks():
			tickCount++
			metrics.TicksTotal.Inc()
			if lat := tick.LatencyMS(); lat > 0 {
				metrics.FeedLatency.Observe(float64(lat))
			}

			e := a.calc.Compute(tick)
			metrics.EdgeBps.WithLabelValues(core.PerpToSpot.String()).Set(e.PerpToSpotBps.InexactFloat64())
			metrics.EdgeBps.WithLabelValues(core.SpotToPerp.String()).Set(e.SpotToPerpBps.InexactFloat64())

			rec := core.EdgeRecord{
				TS:           time.Now(),
				Base:         a.cfg.Pair.Base,
				SpotIndex:    a.cfg.Pair.SpotIndex,
				EdgePSBps:    e.PerpToSpotBps,
				EdgeSPBps:    e.SpotToPerpBps,
				MidRef:       e.MidRef,
				RecvMS:       tick.RecvMS,
				SendMS:       tick.SendMS,
				ThresholdBps: a.gate.Threshold(),
			}
			if tickCount%int64(sample) == 0 {
				a.store.RecordEdge(rec)
			}
			a.control.BroadcastEdge(rec)

			// Read-side observer: contained, never blocks trading
			a.tracker.OnEdge(e)

			// Closure checks precede new entries
			a.positions.OnEdge(ctx, e)

			if req := a.gate.OnEdge(e); req != nil {
				a.handleDispatch(ctx, req)
			}
			metrics.GateState.Set(float64(a.gate.State()))
			metrics.PositionsOpen.Set(float64(a.positions.OpenCount()))
		}
	}
}

// handleDispatch runs the guard and the dispatcher for one gate firing and
// raises exactly one operator notification for the terminal outcome
func (a *App) handleDispatch(ctx context.Context, req *gate.DispatchRequest) {
	metrics := telemetry.GetGlobalMetrics()
	started := time.Now()

	margin := a.Notional()
	leveraged := margin.Mul(decimal.NewFromInt(int64(a.cfg.Trading.Leverage)))

	if err := a.guard.Admit(ctx, req.Direction, leveraged, req.Edge.MidRef); err != nil {
		a.statRefused.Add(1)
		metrics.DispatchesTotal.WithLabelValues("refused").Inc()
		a.gate.DispatchDone()
		a.logger.Warn("Dispatch refused by capital guard", "error", err)
		a.alerts.Alert(ctx, "Dispatch refused",
			fmt.Sprintf("%s dispatch at %s bps refused: %v", req.Direction, req.EdgeBps.StringFixed(2), err),
			alert.Info, nil)
		return
	}

	pos, err := a.dispatcher.Open(ctx, req.Direction, margin, req.Edge)
	a.gate.DispatchDone()
	metrics.LatencyTickToTrade.Observe(float64(time.Since(started).Milliseconds()))

	switch {
	case err == nil:
		a.statFilled.Add(1)
		metrics.DispatchesTotal.WithLabelValues("filled").Inc()
		a.positions.Track(ctx, pos)
		a.alerts.Alert(ctx, "Hedge opened",
			fmt.Sprintf("%s notional %s USD at %s bps",
				pos.Direction, pos.NotionalUSD.StringFixed(2), pos.OpenEdgeBps.StringFixed(2)),
			alert.Info,
			map[string]string{
				"direction": pos.Direction.String(),
				"edge_bps":  pos.OpenEdgeBps.StringFixed(2),
			})

	case errors.Is(err, core.ErrNoFill):
		a.statNoFill.Add(1)
		metrics.DispatchesTotal.WithLabelValues("nofill").Inc()
		a.logger.Info("Dispatch ended with no fill", "direction", req.Direction.String())
		a.alerts.Alert(ctx, "No fill",
			fmt.Sprintf("%s dispatch at %s bps did not execute", req.Direction, req.EdgeBps.StringFixed(2)),
			alert.Info, nil)

	case errors.Is(err, core.ErrPartialRecovered):
		a.statRecovered.Add(1)
		metrics.DispatchesTotal.WithLabelValues("recovered").Inc()
		a.logger.Warn("One-sided fill recovered", "direction", req.Direction.String(), "error", err)
		a.alerts.Alert(ctx, "Partial fill recovered",
			fmt.Sprintf("%s dispatch filled one leg; exposure flattened: %v", req.Direction, err),
			alert.Warning, nil)

	case errors.Is(err, core.ErrBrokenHedge):
		a.statBroken.Add(1)
		metrics.DispatchesTotal.WithLabelValues("broken").Inc()
		a.recordBrokenOpen(ctx, req, err)

	default:
		metrics.DispatchesTotal.WithLabelValues("error").Inc()
		a.logger.Error("Dispatch failed", "direction", req.Direction.String(), "error", err)
		a.alerts.Alert(ctx, "Dispatch failed",
			fmt.Sprintf("%s dispatch at %s bps failed: %v", req.Direction, req.EdgeBps.StringFixed(2), err),
			alert.Error, nil)
	}
}

// recordBrokenOpen persists the unrecoverable one-sided open, pages the
// operator and sets the kill-switch so only closes continue
func (a *App) recordBrokenOpen(ctx context.Context, req *gate.DispatchRequest, cause error) {
	a.kill.Pause("broken hedge on open")

	var broken *dispatch.BrokenHedgeError
	pos := &core.HedgedPosition{
		Direction:   req.Direction,
		OpenedAt:    time.Now(),
		NotionalUSD: a.Notional().Mul(decimal.NewFromInt(int64(a.cfg.Trading.Leverage))),
		OpenEdgeBps: req.EdgeBps,
		Status:      core.PositionBroken,
	}
	if errors.As(cause, &broken) {
		if broken.Spec.Market == core.MarketPerp {
			pos.PerpSize = broken.Filled
			pos.PerpEntryPx = broken.AvgPx
		} else {
			pos.SpotSize = broken.Filled
			pos.SpotEntryPx = broken.AvgPx
		}
	}
	pos.ID = fmt.Sprintf("broken-%d", time.Now().UnixMilli())

	if err := a.store.SavePosition(ctx, pos); err != nil {
		a.logger.Error("Failed to persist broken open", "error", err)
	}

	a.logger.Error("Broken hedge on open", "direction", req.Direction.String(), "error", cause)
	a.alerts.Alert(ctx, "BROKEN HEDGE",
		fmt.Sprintf("open in %s left unflattened exposure: %v; trading paused, manual review required",
			req.Direction, cause),
		alert.Critical, nil)
}

// Shutdown drains: kill-switch, in-flight dispatch, close-all, flush
func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info("Draining for shutdown")

	a.kill.Pause("shutdown")

	if err := a.dispatcher.Drain(ctx); err != nil {
		a.logger.Warn("In-flight dispatch did not drain in time", "error", err)
	}

	closed := a.positions.CloseAll(ctx, "shutdown")
	if closed > 0 {
		a.logger.Info("Closed open positions for shutdown", "count", closed)
	}

	if err := a.store.Flush(ctx); err != nil {
		a.logger.Error("Final flush failed", "error", err)
	}

	_ = a.control.Stop(ctx)
	_ = a.metricsSrv.Stop(ctx)
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("Store close failed", "error", err)
	}
}

// Notional returns the margin allocated per trade
func (a *App) Notional() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.notional
}
