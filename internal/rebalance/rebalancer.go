// Package rebalance shuffles idle capital between the margin account and
// the spot wallet
package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

var two = decimal.NewFromInt(2)

// Config holds the rebalancer parameters
type Config struct {
	Interval       time.Duration
	TriggerRatio   decimal.Decimal
	MinTransferUSD decimal.Decimal
}

// Rebalancer periodically evens out USDC between the perp margin account
// and the spot wallet so either side can fund the next dispatch. It runs
// as an independent cooperative task off the trading path.
type Rebalancer struct {
	exchange core.IExchange
	logger   core.ILogger
	cfg      Config

	stopCh chan struct{}
}

// NewRebalancer creates a rebalancer
func NewRebalancer(exchange core.IExchange, cfg Config, logger core.ILogger) *Rebalancer {
	return &Rebalancer{
		exchange: exchange,
		logger:   logger.WithField("component", "rebalancer"),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic loop
func (r *Rebalancer) Start(ctx context.Context) {
	r.logger.Info("Starting rebalancer", "interval", r.cfg.Interval)
	go r.runLoop(ctx)
}

// Stop halts the loop
func (r *Rebalancer) Stop() {
	close(r.stopCh)
}

func (r *Rebalancer) runLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := r.Rebalance(opCtx); err != nil {
				r.logger.Warn("Rebalance pass failed", "error", err)
			}
			cancel()
		}
	}
}

// Rebalance runs one pass: when either side holds more than the trigger
// share of the combined free USDC, funds move toward an even split
func (r *Rebalancer) Rebalance(ctx context.Context) error {
	perp, err := r.exchange.PerpState(ctx)
	if err != nil {
		return fmt.Errorf("%w: perp state: %v", core.ErrExchange, err)
	}
	spot, err := r.exchange.SpotBalances(ctx, "")
	if err != nil {
		return fmt.Errorf("%w: spot balances: %v", core.ErrExchange, err)
	}

	total := perp.FreeUSDC.Add(spot.USDC)
	if !total.IsPositive() {
		return nil
	}

	perpShare := perp.FreeUSDC.Div(total)
	target := total.Div(two)

	var toPerp bool
	var amount decimal.Decimal
	switch {
	case perpShare.GreaterThan(r.cfg.TriggerRatio):
		toPerp = false
		amount = perp.FreeUSDC.Sub(target)
	case decimal.NewFromInt(1).Sub(perpShare).GreaterThan(r.cfg.TriggerRatio):
		toPerp = true
		amount = spot.USDC.Sub(target)
	default:
		return nil
	}

	if amount.LessThan(r.cfg.MinTransferUSD) {
		return nil
	}

	if err := r.exchange.TransferUSDC(ctx, toPerp, amount); err != nil {
		return fmt.Errorf("%w: transfer: %v", core.ErrExchange, err)
	}

	r.logger.Info("Rebalanced idle capital",
		"to_perp", toPerp,
		"amount_usd", amount.StringFixed(2),
		"perp_share", perpShare.StringFixed(3))
	return nil
}
