package app_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/app"
	"perparb/internal/config"
	"perparb/internal/core"
	"perparb/pkg/logging"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Trading.DryRun = true
	cfg.Trading.DwellMS = 50
	cfg.Trading.CoolDownMS = 50
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "engine.db")
	cfg.Control.ListenAddr = "127.0.0.1:0"
	cfg.Control.MetricsPort = 0
	cfg.Rebalance.Enabled = false
	return cfg
}

// pushRichPerp prices the perp well above spot: gross dislocation ~40 bps,
// comfortably over the 20 bps threshold net of 15 bps fees
func pushRichPerp(engine *app.App) {
	engine.Paper().PushPerpBook(core.BookTop{Bid: dec(50.20), Ask: dec(50.21)})
	engine.Paper().PushSpotBook(core.BookTop{Bid: dec(49.99), Ask: dec(50.00)})
}

func TestEngine_OpensHedgeOnSustainedEdge(t *testing.T) {
	cfg := testConfig(t)
	engine, err := app.New(cfg, nil, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	// Hold the dislocation above threshold past the dwell window
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pushRichPerp(engine)
		time.Sleep(10 * time.Millisecond)
		if len(engine.Positions()) > 0 {
			break
		}
	}

	positions := engine.Positions()
	require.NotEmpty(t, positions, "sustained edge must open a hedge")
	pos := positions[0]
	assert.Equal(t, core.PerpToSpot, pos.Direction)
	assert.Equal(t, core.PositionOpen, pos.Status)
	assert.True(t, pos.PerpSize.Equal(pos.SpotSize), "delta neutral")

	// The perp leg sold, the spot leg bought
	var perpSell, spotBuy bool
	for _, o := range engine.Paper().PlacedOrders() {
		if o.Market == core.MarketPerp && !o.IsBuy {
			perpSell = true
		}
		if o.Market == core.MarketSpot && o.IsBuy {
			spotBuy = true
		}
	}
	assert.True(t, perpSell, "PerpToSpot shorts the perp")
	assert.True(t, spotBuy, "PerpToSpot buys spot")

	// Shutdown drains: the open position is closed
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	engine.Shutdown(drainCtx)

	for _, p := range engine.Positions() {
		assert.Contains(t, []core.PositionStatus{core.PositionClosed, core.PositionBroken}, p.Status)
	}
}

func TestEngine_PausedNeverDispatches(t *testing.T) {
	cfg := testConfig(t)
	engine, err := app.New(cfg, nil, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	engine.Pause("test")

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		pushRichPerp(engine)
		time.Sleep(10 * time.Millisecond)
	}

	assert.Empty(t, engine.Positions())
	assert.Empty(t, engine.Paper().PlacedOrders())
}

func TestEngine_StatusAndStats(t *testing.T) {
	cfg := testConfig(t)
	engine, err := app.New(cfg, nil, logging.NewNop())
	require.NoError(t, err)

	status := engine.Status()
	assert.Equal(t, "SOL", status["base"])
	assert.Equal(t, false, status["paused"])
	assert.Equal(t, "idle", status["gate_state"])

	engine.SetThreshold(dec(42))
	assert.Equal(t, "42", engine.Status()["threshold_bps"])

	engine.SetNotional(dec(25))
	assert.Equal(t, "25", engine.Status()["notional_usd"])

	stats := engine.Stats()
	assert.Equal(t, int64(0), stats["filled"])
}
