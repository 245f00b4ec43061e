package app

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// The App is the control surface's Commander: every operator command acts
// on the live component graph and returns a structured reply.

// Pause sets the kill-switch; open positions keep closing normally
func (a *App) Pause(reason string) {
	a.kill.Pause(reason)
	a.logger.Info("Trading paused", "reason", reason)
}

// Resume clears the kill-switch
func (a *App) Resume() {
	a.kill.Resume()
	a.logger.Info("Trading resumed")
}

// SetThreshold updates the gate's arming threshold
func (a *App) SetThreshold(bps decimal.Decimal) {
	a.gate.SetThreshold(bps)
	a.logger.Info("Threshold updated", "threshold_bps", bps.String())
}

// SetNotional updates the margin allocated per trade
func (a *App) SetNotional(usd decimal.Decimal) {
	a.mu.Lock()
	a.notional = usd
	a.mu.Unlock()
	a.logger.Info("Notional updated", "notional_usd", usd.String())
}

// SetTIF switches between maker-first and aggressive-only execution
func (a *App) SetTIF(mode string) error {
	switch mode {
	case "maker":
		a.dispatcher.SetMakerFirst(true)
	case "ioc":
		a.dispatcher.SetMakerFirst(false)
	default:
		return fmt.Errorf("invalid tif mode: %q (want maker or ioc)", mode)
	}
	a.logger.Info("TIF updated", "mode", mode)
	return nil
}

// SetDryRun flips order routing between the live venue and paper
func (a *App) SetDryRun(on bool) error {
	a.exchange.dryRun.Store(on)
	a.guard.Invalidate()
	a.logger.Info("Dry-run updated", "dry_run", on)
	return nil
}

// CloseAll requests closure of every open position
func (a *App) CloseAll(ctx context.Context) int {
	return a.positions.CloseAll(ctx, "operator request")
}

// Status reports the engine's live state
func (a *App) Status() map[string]interface{} {
	return map[string]interface{}{
		"base":          a.cfg.Pair.Base,
		"spot_index":    a.cfg.Pair.SpotIndex,
		"paused":        a.kill.IsPaused(),
		"pause_reason":  a.kill.Reason(),
		"gate_state":    a.gate.State().String(),
		"threshold_bps": a.gate.Threshold().String(),
		"notional_usd":  a.Notional().String(),
		"dry_run":       a.exchange.dryRun.Load(),
		"feed_stale":    a.feed.Stale(),
		"open":          a.positions.OpenCount(),
		"trades_in_window": a.limiter.Count(),
		"uptime_s":      int(time.Since(a.startedAt).Seconds()),
	}
}

// Balance reports the four guard quantities
func (a *App) Balance(ctx context.Context) (map[string]string, error) {
	tick, okTick := a.feed.Current()
	mid := decimal.Zero
	if okTick {
		mid = tick.Mid()
	}
	snap, err := a.guard.Snapshot(ctx, mid)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"perp_free_usdc": snap.PerpFreeUSDC.StringFixed(4),
		"spot_usdc":      snap.SpotUSDC.StringFixed(4),
		"spot_base":      snap.SpotBase.StringFixed(6),
		"mid":            snap.Mid.StringFixed(6),
	}, nil
}

// Positions returns a snapshot of tracked positions
func (a *App) Positions() []core.HedgedPosition {
	return a.positions.Positions()
}

// Trades returns trade rows from the last N hours
func (a *App) Trades(ctx context.Context, hours int) ([]core.TradeRecord, error) {
	return a.store.TradesSince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
}

// PnL sums realized P&L over the last N hours
func (a *App) PnL(ctx context.Context, hours int) (decimal.Decimal, int, error) {
	return a.store.RealizedPnLSince(ctx, time.Now().Add(-time.Duration(hours)*time.Hour))
}

// Stats reports terminal-outcome counters
func (a *App) Stats() map[string]interface{} {
	return map[string]interface{}{
		"filled":    a.statFilled.Load(),
		"nofill":    a.statNoFill.Load(),
		"recovered": a.statRecovered.Load(),
		"broken":    a.statBroken.Load(),
		"refused":   a.statRefused.Load(),
		"crossed_ticks_dropped": a.feed.CrossedDrops(),
	}
}

// Rebalance triggers one manual rebalancing pass
func (a *App) Rebalance(ctx context.Context) error {
	return a.rebalancer.Rebalance(ctx)
}

// ConfigDump returns the masked configuration
func (a *App) ConfigDump() string {
	return a.cfg.String()
}
