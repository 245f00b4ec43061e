package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 20.0, cfg.Trading.ThresholdBps)
	assert.Equal(t, 3, cfg.Trading.Leverage)
	assert.Equal(t, 3, cfg.Trading.MaxTradesPerMin)
	assert.Equal(t, 1000, cfg.Trading.DwellMS)
	assert.Equal(t, 150, cfg.Trading.ALOOpenTimeoutMS)
	assert.Equal(t, 5000, cfg.Trading.ALOCloseTimeoutMS)
	assert.Equal(t, 60000, cfg.Trading.MaxHoldMS)
	assert.Equal(t, 5, cfg.Trading.DeadmanSeconds)
	assert.True(t, cfg.Trading.DryRun)
	assert.Equal(t, 10.0, cfg.Tracker.ObservationThresholdBps)
	assert.Equal(t, 20, cfg.Tracker.BaselineWindow)
	assert.Equal(t, 30, cfg.Rebalance.IntervalSeconds)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("THRESHOLD_BPS", "14")
	t.Setenv("ALLOC_PER_TRADE_USD", "25")
	t.Setenv("LEVERAGE", "5")
	t.Setenv("MAX_TRADES_PER_MIN_PER_PAIR", "2")
	t.Setenv("PAIR_BASE", "ETH")
	t.Setenv("SPOT_INDEX", "ETH/USDC")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("EXCHANGE_API_KEY", "key")
	t.Setenv("EXCHANGE_SECRET_KEY", "secret")
	t.Setenv("BASELINE_WINDOW", "40")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 14.0, cfg.Trading.ThresholdBps)
	assert.Equal(t, 25.0, cfg.Trading.AllocPerTradeUSD)
	assert.Equal(t, 5, cfg.Trading.Leverage)
	assert.Equal(t, 2, cfg.Trading.MaxTradesPerMin)
	assert.Equal(t, "ETH", cfg.Pair.Base)
	assert.False(t, cfg.Trading.DryRun)
	assert.Equal(t, 40, cfg.Tracker.BaselineWindow)
}

func TestLoadConfig_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_TG_TOKEN", "tok-123")

	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
pair:
  base: BTC
  spot_index: BTC/USDC
trading:
  threshold_bps: 25
alerts:
  telegram_bot_token: ${TEST_TG_TOKEN}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "BTC", cfg.Pair.Base)
	assert.Equal(t, 25.0, cfg.Trading.ThresholdBps)
	assert.Equal(t, "tok-123", cfg.Alerts.TelegramBotToken)
}

func TestLoadConfig_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero threshold", map[string]string{"THRESHOLD_BPS": "0"}},
		{"excessive leverage", map[string]string{"LEVERAGE": "50"}},
		{"live without keys", map[string]string{"DRY_RUN": "false"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.LoadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "super-secret-api-key")
	t.Setenv("TELEGRAM_BOT_TOKEN", "telegram-token-value")

	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	dump := cfg.String()
	assert.NotContains(t, dump, "super-secret-api-key")
	assert.NotContains(t, dump, "telegram-token-value")
}

func TestTradingConfig_DecimalAccessors(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "20", cfg.Trading.Threshold().String())
	assert.Equal(t, "12", cfg.Trading.Notional().String())
	assert.Equal(t, "150ms", cfg.Trading.ALOOpenTimeout().String())
	assert.Equal(t, "1m0s", cfg.Trading.MaxHold().String())
}
