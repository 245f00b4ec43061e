// Package position tracks open hedges and drives their closure
package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/alert"
	"perparb/internal/core"
	"perparb/internal/dispatch"
	"perparb/internal/gate"
)

// Closer is the dispatcher surface the manager drives
type Closer interface {
	Close(ctx context.Context, pos *core.HedgedPosition) (*dispatch.CloseResult, error)
}

// Notifier raises operator notifications
type Notifier interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// Config holds the closure policy
type Config struct {
	MaxHold           time.Duration
	CloseThresholdBps decimal.Decimal
	Fees              core.FeeSchedule
}

// Manager owns the set of hedged positions and closes each one on hard
// timeout, edge decay or operator request. State transitions are serial.
type Manager struct {
	dispatcher Closer
	store      core.IStore
	notifier   Notifier
	kill       *gate.KillSwitch
	logger     core.ILogger

	cfg   Config
	cfgMu sync.RWMutex

	mu        sync.Mutex
	positions map[string]*core.HedgedPosition

	now func() time.Time
}

// NewManager creates a position manager
func NewManager(dispatcher Closer, store core.IStore, notifier Notifier, kill *gate.KillSwitch, cfg Config, logger core.ILogger) *Manager {
	return &Manager{
		dispatcher: dispatcher,
		store:      store,
		notifier:   notifier,
		kill:       kill,
		logger:     logger.WithField("component", "position_manager"),
		cfg:        cfg,
		positions:  make(map[string]*core.HedgedPosition),
		now:        time.Now,
	}
}

// Track registers a freshly opened hedge and persists it
func (m *Manager) Track(ctx context.Context, pos *core.HedgedPosition) {
	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.mu.Unlock()

	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.logger.Error("Failed to persist opened position", "id", pos.ID, "error", err)
	}
}

// OnEdge checks every open position against the closure conditions. Called
// on every tick from the hot path.
func (m *Manager) OnEdge(ctx context.Context, e core.Edge) {
	for _, pos := range m.openPositions() {
		if reason := m.closeReason(pos, e); reason != "" {
			m.closePosition(ctx, pos, reason)
		}
	}
}

// closeReason returns a non-empty reason when the position should close
func (m *Manager) closeReason(pos *core.HedgedPosition, e core.Edge) string {
	cfg := m.config()

	if m.now().Sub(pos.OpenedAt) >= cfg.MaxHold {
		return "max hold exceeded"
	}

	// Edge decay: the reverse direction has become free to execute
	reverse := e.ForDirection(pos.Direction.Reverse())
	if reverse.GreaterThanOrEqual(cfg.CloseThresholdBps) {
		return "reverse edge crossed close threshold"
	}

	return ""
}

// CloseAll closes every open position, used on operator request and during
// shutdown drain
func (m *Manager) CloseAll(ctx context.Context, reason string) int {
	open := m.openPositions()
	for _, pos := range open {
		m.closePosition(ctx, pos, reason)
	}
	return len(open)
}

func (m *Manager) closePosition(ctx context.Context, pos *core.HedgedPosition, reason string) {
	m.mu.Lock()
	if pos.Status != core.PositionOpen {
		m.mu.Unlock()
		return
	}
	pos.Status = core.PositionClosing
	m.mu.Unlock()

	m.logger.Info("Closing position", "id", pos.ID, "reason", reason)

	res, err := m.dispatcher.Close(ctx, pos)
	switch {
	case err == nil:
		m.settle(ctx, pos, res)

	case errors.Is(err, core.ErrBrokenHedge):
		m.markBroken(ctx, pos, err)

	default:
		// Close did not execute; the position stays open and is retried
		// on the next tick
		m.mu.Lock()
		pos.Status = core.PositionOpen
		m.mu.Unlock()
		m.logger.Warn("Close attempt failed, will retry", "id", pos.ID, "error", err)
	}
}

// settle computes realized P&L from the close fills, persists the terminal
// state and raises the single terminal notification
func (m *Manager) settle(ctx context.Context, pos *core.HedgedPosition, res *dispatch.CloseResult) {
	cfg := m.config()

	var perpPnL, spotPnL decimal.Decimal
	if pos.Direction == core.PerpToSpot {
		// Short perp, long spot
		perpPnL = pos.PerpEntryPx.Sub(res.PerpFill.AvgPx).Mul(pos.PerpSize)
		spotPnL = res.SpotFill.AvgPx.Sub(pos.SpotEntryPx).Mul(pos.SpotSize)
	} else {
		// Long perp, short spot
		perpPnL = res.PerpFill.AvgPx.Sub(pos.PerpEntryPx).Mul(pos.PerpSize)
		spotPnL = pos.SpotEntryPx.Sub(res.SpotFill.AvgPx).Mul(pos.SpotSize)
	}

	fees := pos.NotionalUSD.Mul(cfg.Fees.RoundTripTakerBps()).Div(decimal.NewFromInt(10000))
	pnl := perpPnL.Add(spotPnL).Sub(fees)

	m.mu.Lock()
	pos.Status = core.PositionClosed
	pos.ClosedAt = m.now()
	pos.RealizedPnLUSD = pnl
	m.mu.Unlock()

	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.logger.Error("Failed to persist closed position", "id", pos.ID, "error", err)
	}

	held := pos.ClosedAt.Sub(pos.OpenedAt)
	m.logger.Info("Position closed",
		"id", pos.ID,
		"direction", pos.Direction.String(),
		"pnl_usd", pnl.StringFixed(4),
		"held_ms", held.Milliseconds())

	m.notifier.Alert(ctx, "Position closed",
		fmt.Sprintf("%s notional %s USD, realized %s USD",
			pos.Direction, pos.NotionalUSD.StringFixed(2), pnl.StringFixed(4)),
		alert.Info,
		map[string]string{
			"direction": pos.Direction.String(),
			"pnl_usd":   pnl.StringFixed(4),
			"held":      held.String(),
		})
}

// markBroken records an unrecoverable hedge, pages the operator and sets
// the kill-switch so only closes continue
func (m *Manager) markBroken(ctx context.Context, pos *core.HedgedPosition, cause error) {
	m.mu.Lock()
	pos.Status = core.PositionBroken
	pos.ClosedAt = m.now()
	m.mu.Unlock()

	if err := m.store.SavePosition(ctx, pos); err != nil {
		m.logger.Error("Failed to persist broken position", "id", pos.ID, "error", err)
	}

	m.kill.Pause("broken hedge: " + pos.ID)

	m.logger.Error("Broken hedge", "id", pos.ID, "error", cause)
	m.notifier.Alert(ctx, "BROKEN HEDGE",
		fmt.Sprintf("position %s (%s) could not be flattened: %v; trading paused, manual review required",
			pos.ID, pos.Direction, cause),
		alert.Critical,
		map[string]string{
			"position":  pos.ID,
			"direction": pos.Direction.String(),
			"perp_size": pos.PerpSize.String(),
			"spot_size": pos.SpotSize.String(),
		})
}

// Positions returns a snapshot of all tracked positions
func (m *Manager) Positions() []core.HedgedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.HedgedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// OpenCount returns the number of positions not yet terminal
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.Status == core.PositionOpen || p.Status == core.PositionClosing {
			n++
		}
	}
	return n
}

func (m *Manager) openPositions() []*core.HedgedPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.HedgedPosition, 0, len(m.positions))
	for _, p := range m.positions {
		if p.Status == core.PositionOpen {
			out = append(out, p)
		}
	}
	return out
}

// SetCloseThreshold updates the edge-decay close threshold
func (m *Manager) SetCloseThreshold(bps decimal.Decimal) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg.CloseThresholdBps = bps
}

func (m *Manager) config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}
