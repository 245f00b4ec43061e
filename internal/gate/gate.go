// Package gate filters the edge stream into dispatch requests
package gate

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// State is the gate's position in its arming cycle
type State int

const (
	Idle State = iota
	Armed
	Firing
	CoolDown
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	case CoolDown:
		return "cooldown"
	default:
		return "idle"
	}
}

// DispatchRequest is the gate's instruction to open a hedge
type DispatchRequest struct {
	Direction core.Direction
	EdgeBps   decimal.Decimal
	Edge      core.Edge
	ArmedFor  time.Duration
}

// Config holds the gate parameters
type Config struct {
	ThresholdBps decimal.Decimal
	Dwell        time.Duration
	CoolDown     time.Duration
	Clock        func() time.Time
}

// Gate implements the stability window over the edge stream. An edge must
// stay strictly above threshold for the dwell duration before exactly one
// dispatch request is emitted; the direction is frozen at arming time.
// Transitions are serial with respect to ticks.
type Gate struct {
	mu sync.Mutex

	threshold decimal.Decimal
	dwell     time.Duration
	coolDown  time.Duration
	now       func() time.Time

	limiter *SlidingWindow
	kill    *KillSwitch
	logger  core.ILogger

	state         State
	armedAt       time.Time
	armedDir      core.Direction
	coolDownUntil time.Time
	feedStale     bool
}

// NewGate creates a stability gate
func NewGate(cfg Config, limiter *SlidingWindow, kill *KillSwitch, logger core.ILogger) *Gate {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		threshold: cfg.ThresholdBps,
		dwell:     cfg.Dwell,
		coolDown:  cfg.CoolDown,
		now:       clock,
		limiter:   limiter,
		kill:      kill,
		logger:    logger.WithField("component", "stability_gate"),
	}
}

// OnEdge advances the state machine with one edge and returns a dispatch
// request when the gate fires, nil otherwise
func (g *Gate) OnEdge(e core.Edge) *DispatchRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()

	if g.state == CoolDown && now.After(g.coolDownUntil) {
		g.state = Idle
	}

	if g.kill.IsPaused() || g.feedStale {
		if g.state == Armed {
			g.state = Idle
		}
		return nil
	}

	dir, best := e.Best()

	switch g.state {
	case Idle:
		if !best.GreaterThan(g.threshold) {
			return nil
		}
		if !g.limiter.Allow() {
			return nil
		}
		g.state = Armed
		g.armedAt = now
		g.armedDir = dir
		g.logger.Debug("Gate armed", "direction", dir.String(), "edge_bps", best.String())
		return nil

	case Armed:
		// The frozen direction must hold above threshold for the full dwell
		armedEdge := e.ForDirection(g.armedDir)
		if !armedEdge.GreaterThan(g.threshold) {
			g.logger.Debug("Gate disarmed", "direction", g.armedDir.String(), "edge_bps", armedEdge.String())
			g.state = Idle
			return nil
		}
		held := now.Sub(g.armedAt)
		if held < g.dwell {
			return nil
		}

		g.state = Firing
		g.limiter.Record()
		req := &DispatchRequest{
			Direction: g.armedDir,
			EdgeBps:   armedEdge,
			Edge:      e,
			ArmedFor:  held,
		}
		g.state = CoolDown
		g.coolDownUntil = now.Add(g.coolDown)
		g.logger.Info("Gate firing",
			"direction", req.Direction.String(),
			"edge_bps", req.EdgeBps.String(),
			"held_ms", held.Milliseconds())
		return req

	default:
		return nil
	}
}

// DispatchDone reports a terminal dispatcher outcome, ending the cooldown
func (g *Gate) DispatchDone() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == CoolDown {
		g.state = Idle
	}
}

// SetFeedStale pauses arming while the feed has a subscription gap
func (g *Gate) SetFeedStale(stale bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feedStale = stale
	if stale && g.state == Armed {
		g.state = Idle
	}
}

// SetThreshold updates the arming threshold
func (g *Gate) SetThreshold(bps decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.threshold = bps
}

// Threshold returns the current arming threshold
func (g *Gate) Threshold() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threshold
}

// State returns the current gate state
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
