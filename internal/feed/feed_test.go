package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/core"
	"perparb/internal/feed"
	"perparb/internal/mock"
	"perparb/pkg/logging"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func top(bid, ask float64) core.BookTop {
	return core.BookTop{Bid: dec(bid), Ask: dec(ask)}
}

func newFeed(t *testing.T, staleAfter time.Duration) (*feed.Feed, *mock.Exchange) {
	t.Helper()
	ex := mock.NewExchange()
	f := feed.NewFeed(ex, "SOL", "SOL/USDC", staleAfter, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, f.Start(ctx))
	return f, ex
}

func TestFeed_EmitsMergedTickOnEitherSide(t *testing.T) {
	f, ex := newFeed(t, time.Minute)

	// One side alone produces nothing
	ex.PushPerpBook(top(50.00, 50.01))
	select {
	case <-f.Ticks():
		t.Fatal("tick before both sides seen")
	case <-time.After(50 * time.Millisecond):
	}

	ex.PushSpotBook(top(49.985, 50.005))
	select {
	case tick := <-f.Ticks():
		assert.True(t, tick.PerpBid.Equal(dec(50.00)))
		assert.True(t, tick.SpotAsk.Equal(dec(50.005)))
		assert.Positive(t, tick.RecvMS)
	case <-time.After(time.Second):
		t.Fatal("no tick after both sides seen")
	}

	// A spot-only change emits again
	ex.PushSpotBook(top(49.99, 50.01))
	select {
	case tick := <-f.Ticks():
		assert.True(t, tick.SpotBid.Equal(dec(49.99)))
	case <-time.After(time.Second):
		t.Fatal("no tick on spot change")
	}
}

func TestFeed_FreshestWinsCoalescing(t *testing.T) {
	f, ex := newFeed(t, time.Minute)

	ex.PushPerpBook(top(50.00, 50.01))
	// Nobody consumes: each update replaces the buffered tick
	for _, bid := range []float64{49.9, 49.95, 50.2} {
		ex.PushSpotBook(top(bid, bid+0.02))
	}

	tick := <-f.Ticks()
	assert.True(t, tick.SpotBid.Equal(dec(50.2)), "freshest tick wins, got %s", tick.SpotBid)

	select {
	case stale := <-f.Ticks():
		t.Fatalf("intermediate tick retained: %s", stale.SpotBid)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeed_DropsCrossedBooks(t *testing.T) {
	f, ex := newFeed(t, time.Minute)

	ex.PushPerpBook(top(50.01, 50.00)) // crossed
	ex.PushSpotBook(top(49.985, 50.005))

	select {
	case <-f.Ticks():
		t.Fatal("crossed tick emitted")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), f.CrossedDrops())

	_, ok := f.Current()
	assert.False(t, ok, "no valid tick yet")
}

func TestFeed_StaleSignalAndRecovery(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool

	ex := mock.NewExchange()
	f := feed.NewFeed(ex, "SOL", "SOL/USDC", 100*time.Millisecond, logging.NewNop())
	f.OnStale(func(stale bool) {
		mu.Lock()
		transitions = append(transitions, stale)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Start(ctx))

	// No updates at all: the watchdog flags staleness
	assert.Eventually(t, func() bool {
		return f.Stale()
	}, 2*time.Second, 50*time.Millisecond)

	// Updates resume on both sides: the feed recovers
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ex.PushPerpBook(top(50.00, 50.01))
				ex.PushSpotBook(top(49.985, 50.005))
			}
		}
	}()
	defer close(stop)

	assert.Eventually(t, func() bool {
		return !f.Stale()
	}, 2*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.True(t, transitions[0], "first transition is to stale")
}

func TestFeed_CurrentForRepricing(t *testing.T) {
	f, ex := newFeed(t, time.Minute)

	ex.PushPerpBook(top(50.00, 50.01))
	ex.PushSpotBook(top(49.985, 50.005))

	// Drain the channel; Current still serves the freshest tick
	<-f.Ticks()
	tick, ok := f.Current()
	require.True(t, ok)
	assert.True(t, tick.PerpBid.Equal(dec(50.00)))
}
