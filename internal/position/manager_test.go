package position_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/alert"
	"perparb/internal/core"
	"perparb/internal/dispatch"
	"perparb/internal/gate"
	"perparb/internal/position"
	"perparb/pkg/logging"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeCloser struct {
	mu     sync.Mutex
	result *dispatch.CloseResult
	err    error
	calls  int
}

func (f *fakeCloser) Close(ctx context.Context, pos *core.HedgedPosition) (*dispatch.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeCloser) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
	levels []alert.AlertLevel
}

func (f *fakeNotifier) Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles = append(f.titles, title)
	f.levels = append(f.levels, level)
}

func (f *fakeNotifier) Titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.titles))
	copy(out, f.titles)
	return out
}

type fakeStore struct {
	mu    sync.Mutex
	saved []core.HedgedPosition
}

func (f *fakeStore) RecordEdge(core.EdgeRecord)         {}
func (f *fakeStore) RecordOpportunity(core.Opportunity) {}
func (f *fakeStore) Flush(context.Context) error        { return nil }
func (f *fakeStore) Close() error                       { return nil }
func (f *fakeStore) RecordTrade(context.Context, core.TradeRecord) error { return nil }

func (f *fakeStore) SavePosition(_ context.Context, pos *core.HedgedPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, *pos)
	return nil
}

func (f *fakeStore) TradesSince(context.Context, time.Time) ([]core.TradeRecord, error) {
	return nil, nil
}

func (f *fakeStore) RealizedPnLSince(context.Context, time.Time) (decimal.Decimal, int, error) {
	return decimal.Zero, 0, nil
}

func openPosition(dir core.Direction) *core.HedgedPosition {
	return &core.HedgedPosition{
		ID:          "pos-1",
		Direction:   dir,
		OpenedAt:    time.Now(),
		NotionalUSD: dec(36),
		PerpSize:    dec(0.72),
		SpotSize:    dec(0.72),
		PerpEntryPx: dec(50.10),
		SpotEntryPx: dec(50.00),
		OpenEdgeBps: dec(20),
		Status:      core.PositionOpen,
	}
}

func goodClose() *dispatch.CloseResult {
	return &dispatch.CloseResult{
		PerpFill: core.LegResult{Status: core.LegFilled, SizeFilled: dec(0.72), AvgPx: dec(50.00)},
		SpotFill: core.LegResult{Status: core.LegFilled, SizeFilled: dec(0.72), AvgPx: dec(50.05)},
	}
}

// neutralEdge keeps both reverse edges below any close threshold
func neutralEdge() core.Edge {
	return core.Edge{
		PerpToSpotBps: dec(-30),
		SpotToPerpBps: dec(-30),
	}
}

func newManager(closer position.Closer, st core.IStore, notifier position.Notifier, cfg position.Config) (*position.Manager, *gate.KillSwitch) {
	kill := gate.NewKillSwitch()
	return position.NewManager(closer, st, notifier, kill, cfg, logging.NewNop()), kill
}

func TestManager_CloseByTimeout(t *testing.T) {
	closer := &fakeCloser{result: goodClose()}
	st := &fakeStore{}
	notifier := &fakeNotifier{}
	m, _ := newManager(closer, st, notifier, position.Config{
		MaxHold:           0, // expires immediately
		CloseThresholdBps: dec(0),
	})

	pos := openPosition(core.PerpToSpot)
	m.Track(context.Background(), pos)

	m.OnEdge(context.Background(), neutralEdge())

	assert.Equal(t, 1, closer.Calls())
	assert.Equal(t, core.PositionClosed, pos.Status)
	assert.Contains(t, notifier.Titles(), "Position closed")

	// Short perp: entry 50.10, exit 50.00 -> +0.072
	// Long spot: entry 50.00, exit 50.05 -> +0.036
	expected := dec(0.072).Add(dec(0.036))
	assert.True(t, pos.RealizedPnLUSD.Equal(expected), "pnl %s", pos.RealizedPnLUSD)
}

func TestManager_CloseByEdgeDecay(t *testing.T) {
	closer := &fakeCloser{result: goodClose()}
	m, _ := newManager(closer, &fakeStore{}, &fakeNotifier{}, position.Config{
		MaxHold:           time.Hour,
		CloseThresholdBps: dec(0),
	})

	pos := openPosition(core.PerpToSpot)
	m.Track(context.Background(), pos)

	// Reverse direction (spot->perp) still deep negative: no close
	m.OnEdge(context.Background(), neutralEdge())
	assert.Equal(t, 0, closer.Calls())
	assert.Equal(t, core.PositionOpen, pos.Status)

	// Reverse edge reaches the free-reversal threshold
	m.OnEdge(context.Background(), core.Edge{
		PerpToSpotBps: dec(-40),
		SpotToPerpBps: dec(0),
	})
	assert.Equal(t, 1, closer.Calls())
	assert.Equal(t, core.PositionClosed, pos.Status)
}

func TestManager_BrokenHedgeSetsKillSwitch(t *testing.T) {
	closer := &fakeCloser{err: &dispatch.BrokenHedgeError{
		Spec:   core.OrderSpec{Market: core.MarketPerp, Coin: "SOL"},
		Filled: dec(0.72),
	}}
	st := &fakeStore{}
	notifier := &fakeNotifier{}
	m, kill := newManager(closer, st, notifier, position.Config{
		MaxHold:           0,
		CloseThresholdBps: dec(0),
	})

	pos := openPosition(core.PerpToSpot)
	m.Track(context.Background(), pos)
	m.OnEdge(context.Background(), neutralEdge())

	assert.Equal(t, core.PositionBroken, pos.Status)
	assert.True(t, kill.IsPaused())
	assert.Contains(t, notifier.Titles(), "BROKEN HEDGE")
}

func TestManager_FailedCloseRetries(t *testing.T) {
	closer := &fakeCloser{err: core.ErrNoFill}
	m, _ := newManager(closer, &fakeStore{}, &fakeNotifier{}, position.Config{
		MaxHold:           0,
		CloseThresholdBps: dec(0),
	})

	pos := openPosition(core.PerpToSpot)
	m.Track(context.Background(), pos)

	m.OnEdge(context.Background(), neutralEdge())
	assert.Equal(t, core.PositionOpen, pos.Status, "failed close reverts to open")

	// The next tick retries
	m.OnEdge(context.Background(), neutralEdge())
	assert.Equal(t, 2, closer.Calls())
}

func TestManager_CloseAll(t *testing.T) {
	closer := &fakeCloser{result: goodClose()}
	m, _ := newManager(closer, &fakeStore{}, &fakeNotifier{}, position.Config{
		MaxHold:           time.Hour,
		CloseThresholdBps: dec(0),
	})

	a := openPosition(core.PerpToSpot)
	a.ID = "a"
	b := openPosition(core.PerpToSpot)
	b.ID = "b"
	m.Track(context.Background(), a)
	m.Track(context.Background(), b)

	n := m.CloseAll(context.Background(), "operator request")
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, closer.Calls())
	assert.Equal(t, 0, m.OpenCount())
}

func TestManager_SpotToPerpPnL(t *testing.T) {
	// Long perp entry 50.00 exit 50.10 -> +0.072
	// Short spot entry 50.10 exit 50.00 -> +0.072
	closer := &fakeCloser{result: &dispatch.CloseResult{
		PerpFill: core.LegResult{Status: core.LegFilled, SizeFilled: dec(0.72), AvgPx: dec(50.10)},
		SpotFill: core.LegResult{Status: core.LegFilled, SizeFilled: dec(0.72), AvgPx: dec(50.00)},
	}}
	m, _ := newManager(closer, &fakeStore{}, &fakeNotifier{}, position.Config{
		MaxHold:           0,
		CloseThresholdBps: dec(0),
	})

	pos := openPosition(core.SpotToPerp)
	pos.PerpEntryPx = dec(50.00)
	pos.SpotEntryPx = dec(50.10)
	m.Track(context.Background(), pos)
	m.OnEdge(context.Background(), neutralEdge())

	require.Equal(t, core.PositionClosed, pos.Status)
	expected := dec(0.072).Add(dec(0.072))
	assert.True(t, pos.RealizedPnLUSD.Equal(expected), "pnl %s", pos.RealizedPnLUSD)
}
