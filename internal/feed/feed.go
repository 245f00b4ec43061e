// Package feed merges the perp and spot book subscriptions into one tick stream
package feed

import (
	"context"
	"sync"
	"time"

	"perparb/internal/core"
)

// Feed subscribes to both top-of-book streams and emits a merged tick
// whenever either side changes. Downstream consumers get freshest-wins
// coalescing: the output channel holds one tick and stale ones are dropped.
type Feed struct {
	exchange   core.IExchange
	base       string
	spotIndex  string
	staleAfter time.Duration
	logger     core.ILogger

	mu       sync.Mutex
	perpTop  core.BookTop
	spotTop  core.BookTop
	perpSeen bool
	spotSeen bool
	perpAt   time.Time
	spotAt   time.Time
	current  core.Tick
	hasTick  bool
	stale    bool
	onStale  func(bool)

	crossedDrops int64

	out chan core.Tick
	now func() time.Time
}

// NewFeed creates a market feed for one underlying
func NewFeed(exchange core.IExchange, base, spotIndex string, staleAfter time.Duration, logger core.ILogger) *Feed {
	return &Feed{
		exchange:   exchange,
		base:       base,
		spotIndex:  spotIndex,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "market_feed"),
		out:        make(chan core.Tick, 1),
		now:        time.Now,
	}
}

// Start opens both subscriptions and the staleness watchdog. Subscriptions
// reconnect internally; Start returns once both are established.
func (f *Feed) Start(ctx context.Context) error {
	if err := f.exchange.SubscribePerpBook(ctx, f.base, func(top core.BookTop) {
		f.onBook(top, true)
	}); err != nil {
		return err
	}
	if err := f.exchange.SubscribeSpotBook(ctx, f.spotIndex, func(top core.BookTop) {
		f.onBook(top, false)
	}); err != nil {
		return err
	}

	go f.watchdog(ctx)
	return nil
}

// Ticks returns the coalesced tick stream
func (f *Feed) Ticks() <-chan core.Tick {
	return f.out
}

// Current returns the freshest merged tick for re-pricing
func (f *Feed) Current() (core.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.hasTick && !f.stale
}

// Stale reports whether either subscription has a gap over the limit
func (f *Feed) Stale() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

// OnStale registers the staleness transition callback
func (f *Feed) OnStale(cb func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStale = cb
}

// CrossedDrops returns the count of crossed-book ticks discarded
func (f *Feed) CrossedDrops() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crossedDrops
}

func (f *Feed) onBook(top core.BookTop, isPerp bool) {
	now := f.now()

	f.mu.Lock()
	if isPerp {
		f.perpTop = top
		f.perpSeen = true
		f.perpAt = now
	} else {
		f.spotTop = top
		f.spotSeen = true
		f.spotAt = now
	}

	if !f.perpSeen || !f.spotSeen {
		f.mu.Unlock()
		return
	}

	tick := core.Tick{
		PerpBid: f.perpTop.Bid,
		PerpAsk: f.perpTop.Ask,
		SpotBid: f.spotTop.Bid,
		SpotAsk: f.spotTop.Ask,
		RecvMS:  now.UnixMilli(),
		SendMS:  top.SendMS,
	}

	if !tick.Valid() {
		f.crossedDrops++
		f.mu.Unlock()
		return
	}

	f.current = tick
	f.hasTick = true
	f.mu.Unlock()

	f.publish(tick)
}

// publish delivers a tick with freshest-wins semantics: when the consumer
// lags, the buffered tick is replaced rather than queued behind
func (f *Feed) publish(tick core.Tick) {
	for {
		select {
		case f.out <- tick:
			return
		default:
		}
		select {
		case <-f.out:
		default:
		}
	}
}

func (f *Feed) watchdog(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.checkStale()
		}
	}
}

func (f *Feed) checkStale() {
	now := f.now()

	f.mu.Lock()
	gap := func(seen bool, at time.Time) bool {
		return !seen || now.Sub(at) > f.staleAfter
	}
	stale := gap(f.perpSeen, f.perpAt) || gap(f.spotSeen, f.spotAt)
	changed := stale != f.stale
	f.stale = stale
	cb := f.onStale
	f.mu.Unlock()

	if changed {
		if stale {
			f.logger.Warn("Feed stale, gating paused until recovery")
		} else {
			f.logger.Info("Feed recovered")
		}
		if cb != nil {
			cb(stale)
		}
	}
}
