package rebalance_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/core"
	"perparb/internal/mock"
	"perparb/internal/rebalance"
	"perparb/pkg/logging"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newRebalancer(perpFree, spotUSDC float64) (*rebalance.Rebalancer, *mock.Exchange) {
	ex := mock.NewExchange()
	ex.SetPerpState(core.PerpState{FreeUSDC: dec(perpFree)})
	ex.SetSpotBalances(core.SpotBalances{USDC: dec(spotUSDC)})
	r := rebalance.NewRebalancer(ex, rebalance.Config{
		Interval:       time.Minute,
		TriggerRatio:   dec(0.65),
		MinTransferUSD: dec(10),
	}, logging.NewNop())
	return r, ex
}

func TestRebalance_MovesExcessPerpToSpot(t *testing.T) {
	r, ex := newRebalancer(800, 200)

	require.NoError(t, r.Rebalance(context.Background()))

	transfers := ex.Transfers()
	require.Len(t, transfers, 1)
	assert.False(t, transfers[0].ToPerp)
	assert.True(t, transfers[0].Amount.Equal(dec(300)), "amount %s", transfers[0].Amount)
}

func TestRebalance_MovesExcessSpotToPerp(t *testing.T) {
	r, ex := newRebalancer(100, 900)

	require.NoError(t, r.Rebalance(context.Background()))

	transfers := ex.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].ToPerp)
	assert.True(t, transfers[0].Amount.Equal(dec(400)))
}

func TestRebalance_BalancedDoesNothing(t *testing.T) {
	r, ex := newRebalancer(520, 480)
	require.NoError(t, r.Rebalance(context.Background()))
	assert.Empty(t, ex.Transfers())
}

func TestRebalance_SkipsDustTransfers(t *testing.T) {
	// 14/6: perp share 0.7 over the trigger, but the move is only 4 USD
	r, ex := newRebalancer(14, 6)
	require.NoError(t, r.Rebalance(context.Background()))
	assert.Empty(t, ex.Transfers())
}

func TestRebalance_EmptyAccountsNoOp(t *testing.T) {
	r, ex := newRebalancer(0, 0)
	require.NoError(t, r.Rebalance(context.Background()))
	assert.Empty(t, ex.Transfers())
}
