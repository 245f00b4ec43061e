package control_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/control"
	"perparb/internal/core"
)

type fakeCommander struct {
	paused    bool
	threshold decimal.Decimal
	notional  decimal.Decimal
	tif       string
	dryRun    bool
	closed    int
	rebalance int
}

func (f *fakeCommander) Pause(string)                       { f.paused = true }
func (f *fakeCommander) Resume()                            { f.paused = false }
func (f *fakeCommander) SetThreshold(bps decimal.Decimal)   { f.threshold = bps }
func (f *fakeCommander) SetNotional(usd decimal.Decimal)    { f.notional = usd }
func (f *fakeCommander) SetDryRun(on bool) error            { f.dryRun = on; return nil }
func (f *fakeCommander) CloseAll(context.Context) int       { f.closed++; return 2 }
func (f *fakeCommander) Rebalance(context.Context) error    { f.rebalance++; return nil }
func (f *fakeCommander) ConfigDump() string                 { return "pair: {}" }

func (f *fakeCommander) SetTIF(mode string) error {
	if mode != "maker" && mode != "ioc" {
		return assert.AnError
	}
	f.tif = mode
	return nil
}

func (f *fakeCommander) Status() map[string]interface{} {
	return map[string]interface{}{"paused": f.paused}
}

func (f *fakeCommander) Balance(context.Context) (map[string]string, error) {
	return map[string]string{"perp_free_usdc": "100"}, nil
}

func (f *fakeCommander) Positions() []core.HedgedPosition {
	return []core.HedgedPosition{{ID: "p1", Status: core.PositionOpen}}
}

func (f *fakeCommander) Trades(_ context.Context, hours int) ([]core.TradeRecord, error) {
	return make([]core.TradeRecord, hours), nil
}

func (f *fakeCommander) PnL(context.Context, int) (decimal.Decimal, int, error) {
	return decimal.NewFromFloat(1.5), 3, nil
}

func (f *fakeCommander) Stats() map[string]interface{} {
	return map[string]interface{}{"filled": int64(1)}
}

func TestExecute_PauseResume(t *testing.T) {
	cmd := &fakeCommander{}
	ctx := context.Background()

	reply := control.Execute(ctx, cmd, "pause")
	assert.True(t, reply.OK)
	assert.True(t, cmd.paused)

	reply = control.Execute(ctx, cmd, "resume")
	assert.True(t, reply.OK)
	assert.False(t, cmd.paused)
}

func TestExecute_SetCommands(t *testing.T) {
	cmd := &fakeCommander{}
	ctx := context.Background()

	assert.True(t, control.Execute(ctx, cmd, "set threshold 25").OK)
	assert.True(t, cmd.threshold.Equal(decimal.NewFromInt(25)))

	assert.True(t, control.Execute(ctx, cmd, "set notional 40").OK)
	assert.True(t, cmd.notional.Equal(decimal.NewFromInt(40)))

	assert.True(t, control.Execute(ctx, cmd, "set tif ioc").OK)
	assert.Equal(t, "ioc", cmd.tif)

	assert.True(t, control.Execute(ctx, cmd, "set dryrun off").OK)
	assert.False(t, cmd.dryRun)

	// Invalid values are refused with a structured error
	assert.False(t, control.Execute(ctx, cmd, "set threshold -5").OK)
	assert.False(t, control.Execute(ctx, cmd, "set threshold abc").OK)
	assert.False(t, control.Execute(ctx, cmd, "set dryrun maybe").OK)
	assert.False(t, control.Execute(ctx, cmd, "set unknown 1").OK)
	assert.False(t, control.Execute(ctx, cmd, "set threshold").OK)
}

func TestExecute_Queries(t *testing.T) {
	cmd := &fakeCommander{}
	ctx := context.Background()

	reply := control.Execute(ctx, cmd, "status")
	require.True(t, reply.OK)

	reply = control.Execute(ctx, cmd, "balance")
	require.True(t, reply.OK)

	reply = control.Execute(ctx, cmd, "positions")
	require.True(t, reply.OK)

	// Hours argument defaults to 24 and parses when given
	reply = control.Execute(ctx, cmd, "trades")
	require.True(t, reply.OK)
	assert.Len(t, reply.Data, 24)

	reply = control.Execute(ctx, cmd, "trades 6")
	require.True(t, reply.OK)
	assert.Len(t, reply.Data, 6)

	reply = control.Execute(ctx, cmd, "pnl 12")
	require.True(t, reply.OK)

	reply = control.Execute(ctx, cmd, "stats")
	require.True(t, reply.OK)

	reply = control.Execute(ctx, cmd, "config")
	require.True(t, reply.OK)
}

func TestExecute_CloseAllAndRebalance(t *testing.T) {
	cmd := &fakeCommander{}
	ctx := context.Background()

	reply := control.Execute(ctx, cmd, "close-all")
	assert.True(t, reply.OK)
	assert.Equal(t, 1, cmd.closed)

	reply = control.Execute(ctx, cmd, "rebalance")
	assert.True(t, reply.OK)
	assert.Equal(t, 1, cmd.rebalance)
}

func TestExecute_UnknownAndEmpty(t *testing.T) {
	cmd := &fakeCommander{}
	ctx := context.Background()

	assert.False(t, control.Execute(ctx, cmd, "frobnicate").OK)
	assert.False(t, control.Execute(ctx, cmd, "").OK)
	assert.False(t, control.Execute(ctx, cmd, "   ").OK)
}
