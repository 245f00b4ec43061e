// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Pair      PairConfig      `yaml:"pair"`
	Trading   TradingConfig   `yaml:"trading"`
	Fees      FeeConfig       `yaml:"fees"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Rebalance RebalanceConfig `yaml:"rebalance"`
	Store     StoreConfig     `yaml:"store"`
	Control   ControlConfig   `yaml:"control"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	System    SystemConfig    `yaml:"system"`
}

// PairConfig identifies the single traded underlying
type PairConfig struct {
	Base      string `yaml:"base"`       // e.g. "SOL"
	SpotIndex string `yaml:"spot_index"` // venue spot instrument index, e.g. "SOL/USDC"
}

// TradingConfig contains the hot-path trading parameters
type TradingConfig struct {
	ThresholdBps        float64 `yaml:"threshold_bps"`
	SpikeExtraBpsForIOC float64 `yaml:"spike_extra_bps_for_ioc"`
	AllocPerTradeUSD    float64 `yaml:"alloc_per_trade_usd"`
	Leverage            int     `yaml:"leverage"`
	MaxTradesPerMin     int     `yaml:"max_trades_per_min_per_pair"`
	DeadmanSeconds      int     `yaml:"deadman_seconds"`
	DryRun              bool    `yaml:"dry_run"`
	DwellMS             int     `yaml:"dwell_ms"`
	CoolDownMS          int     `yaml:"cool_down_ms"`
	ALOOpenTimeoutMS    int     `yaml:"alo_open_timeout_ms"`
	ALOCloseTimeoutMS   int     `yaml:"alo_close_timeout_ms"`
	MaxHoldMS           int     `yaml:"max_hold_ms"`
	CloseThresholdBps   float64 `yaml:"close_threshold_bps"`
	DefaultTIF          string  `yaml:"default_tif"` // "maker" or "ioc"
}

// FeeConfig contains the venue fee schedule in basis points
type FeeConfig struct {
	PerpTakerBps float64 `yaml:"perp_taker_bps"`
	SpotTakerBps float64 `yaml:"spot_taker_bps"`
	PerpMakerBps float64 `yaml:"perp_maker_bps"`
	SpotMakerBps float64 `yaml:"spot_maker_bps"`
}

// TrackerConfig contains the opportunity tracker parameters
type TrackerConfig struct {
	ObservationThresholdBps float64 `yaml:"observation_threshold_bps"`
	BaselineWindow          int     `yaml:"baseline_window"`
}

// RebalanceConfig contains the idle-capital rebalancer parameters
type RebalanceConfig struct {
	Enabled         bool    `yaml:"enabled"`
	IntervalSeconds int     `yaml:"interval_seconds"`
	TriggerRatio    float64 `yaml:"trigger_ratio"`    // rebalance when one side holds more than this share
	MinTransferUSD  float64 `yaml:"min_transfer_usd"` // skip dust transfers
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	DBPath         string `yaml:"db_path"`
	EdgeBatchSize  int    `yaml:"edge_batch_size"`
	EdgeFlushMS    int    `yaml:"edge_flush_ms"`
	EdgeSampleRate int    `yaml:"edge_sample_rate"` // persist 1 of every N edges
}

// ControlConfig contains the control surface settings
type ControlConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	MetricsPort    int      `yaml:"metrics_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AlertConfig contains operator notification settings
type AlertConfig struct {
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
}

// ExchangeConfig contains venue connection settings
type ExchangeConfig struct {
	APIKey     string `yaml:"api_key"`
	SecretKey  string `yaml:"secret_key"`
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	IsCross    bool   `yaml:"is_cross"`
	FeedStaleS int    `yaml:"feed_stale_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, then applies direct environment overrides and validates. An
// empty filename loads defaults plus environment only.
func LoadConfig(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expandedData := os.Expand(string(data), os.Getenv)

		if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies the canonical environment variable names on top
// of whatever the file provided
func (c *Config) applyEnvOverrides() {
	envFloat("THRESHOLD_BPS", &c.Trading.ThresholdBps)
	envFloat("SPIKE_EXTRA_BPS_FOR_IOC", &c.Trading.SpikeExtraBpsForIOC)
	envFloat("ALLOC_PER_TRADE_USD", &c.Trading.AllocPerTradeUSD)
	envInt("LEVERAGE", &c.Trading.Leverage)
	envInt("MAX_TRADES_PER_MIN_PER_PAIR", &c.Trading.MaxTradesPerMin)
	envInt("DEADMAN_SECONDS", &c.Trading.DeadmanSeconds)
	envBool("DRY_RUN", &c.Trading.DryRun)
	envInt("DWELL_MS", &c.Trading.DwellMS)
	envInt("COOL_DOWN_MS", &c.Trading.CoolDownMS)
	envInt("ALO_OPEN_TIMEOUT_MS", &c.Trading.ALOOpenTimeoutMS)
	envInt("ALO_CLOSE_TIMEOUT_MS", &c.Trading.ALOCloseTimeoutMS)
	envInt("MAX_HOLD_MS", &c.Trading.MaxHoldMS)
	envFloat("CLOSE_THRESHOLD_BPS", &c.Trading.CloseThresholdBps)
	envString("PAIR_BASE", &c.Pair.Base)
	envString("SPOT_INDEX", &c.Pair.SpotIndex)
	envFloat("OBSERVATION_THRESHOLD_BPS", &c.Tracker.ObservationThresholdBps)
	envInt("BASELINE_WINDOW", &c.Tracker.BaselineWindow)
	envString("LOG_LEVEL", &c.System.LogLevel)
	envString("DB_PATH", &c.Store.DBPath)
	envString("TELEGRAM_BOT_TOKEN", &c.Alerts.TelegramBotToken)
	envString("TELEGRAM_CHAT_ID", &c.Alerts.TelegramChatID)
	envString("SLACK_WEBHOOK_URL", &c.Alerts.SlackWebhookURL)
	envString("EXCHANGE_API_KEY", &c.Exchange.APIKey)
	envString("EXCHANGE_SECRET_KEY", &c.Exchange.SecretKey)
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if c.Pair.Base == "" {
		errors = append(errors, ValidationError{Field: "pair.base", Message: "pair base is required"}.Error())
	}
	if c.Pair.SpotIndex == "" {
		errors = append(errors, ValidationError{Field: "pair.spot_index", Message: "spot index is required"}.Error())
	}
	if c.Trading.ThresholdBps <= 0 {
		errors = append(errors, ValidationError{Field: "trading.threshold_bps", Value: c.Trading.ThresholdBps, Message: "threshold must be positive"}.Error())
	}
	if c.Trading.AllocPerTradeUSD <= 0 {
		errors = append(errors, ValidationError{Field: "trading.alloc_per_trade_usd", Value: c.Trading.AllocPerTradeUSD, Message: "allocation must be positive"}.Error())
	}
	if c.Trading.Leverage < 1 || c.Trading.Leverage > 20 {
		errors = append(errors, ValidationError{Field: "trading.leverage", Value: c.Trading.Leverage, Message: "leverage must be between 1 and 20"}.Error())
	}
	if c.Trading.MaxTradesPerMin < 1 {
		errors = append(errors, ValidationError{Field: "trading.max_trades_per_min_per_pair", Value: c.Trading.MaxTradesPerMin, Message: "must allow at least one trade per minute"}.Error())
	}
	if c.Trading.DwellMS < 0 {
		errors = append(errors, ValidationError{Field: "trading.dwell_ms", Value: c.Trading.DwellMS, Message: "dwell cannot be negative"}.Error())
	}
	if tif := c.Trading.DefaultTIF; tif != "maker" && tif != "ioc" {
		errors = append(errors, ValidationError{Field: "trading.default_tif", Value: tif, Message: "must be maker or ioc"}.Error())
	}
	if c.Fees.PerpTakerBps < 0 || c.Fees.SpotTakerBps < 0 {
		errors = append(errors, ValidationError{Field: "fees", Message: "taker fees cannot be negative"}.Error())
	}
	if c.Tracker.BaselineWindow < 2 {
		errors = append(errors, ValidationError{Field: "tracker.baseline_window", Value: c.Tracker.BaselineWindow, Message: "baseline window must hold at least 2 ticks"}.Error())
	}
	if c.Store.EdgeBatchSize < 1 || c.Store.EdgeBatchSize > 1000 {
		errors = append(errors, ValidationError{Field: "store.edge_batch_size", Value: c.Store.EdgeBatchSize, Message: "must be between 1 and 1000"}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errors = append(errors, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}
	if !c.Trading.DryRun {
		if c.Exchange.APIKey == "" {
			errors = append(errors, ValidationError{Field: "exchange.api_key", Message: "API key is required for live trading"}.Error())
		}
		if c.Exchange.SecretKey == "" {
			errors = append(errors, ValidationError{Field: "exchange.secret_key", Message: "secret key is required for live trading"}.Error())
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

// Decimal accessors for the hot path

func (c *TradingConfig) Threshold() decimal.Decimal {
	return decimal.NewFromFloat(c.ThresholdBps)
}

func (c *TradingConfig) SlippageBps() decimal.Decimal {
	return decimal.NewFromFloat(c.SpikeExtraBpsForIOC)
}

func (c *TradingConfig) Notional() decimal.Decimal {
	return decimal.NewFromFloat(c.AllocPerTradeUSD)
}

func (c *TradingConfig) CloseThreshold() decimal.Decimal {
	return decimal.NewFromFloat(c.CloseThresholdBps)
}

func (c *TradingConfig) Dwell() time.Duration {
	return time.Duration(c.DwellMS) * time.Millisecond
}

func (c *TradingConfig) CoolDown() time.Duration {
	return time.Duration(c.CoolDownMS) * time.Millisecond
}

func (c *TradingConfig) ALOOpenTimeout() time.Duration {
	return time.Duration(c.ALOOpenTimeoutMS) * time.Millisecond
}

func (c *TradingConfig) ALOCloseTimeout() time.Duration {
	return time.Duration(c.ALOCloseTimeoutMS) * time.Millisecond
}

func (c *TradingConfig) MaxHold() time.Duration {
	return time.Duration(c.MaxHoldMS) * time.Millisecond
}

// String returns a string representation of the configuration with
// sensitive data masked
func (c *Config) String() string {
	configCopy := *c
	configCopy.Exchange.APIKey = maskString(c.Exchange.APIKey)
	configCopy.Exchange.SecretKey = maskString(c.Exchange.SecretKey)
	configCopy.Alerts.TelegramBotToken = maskString(c.Alerts.TelegramBotToken)
	configCopy.Alerts.SlackWebhookURL = maskString(c.Alerts.SlackWebhookURL)

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Pair: PairConfig{
			Base:      "SOL",
			SpotIndex: "SOL/USDC",
		},
		Trading: TradingConfig{
			ThresholdBps:        20,
			SpikeExtraBpsForIOC: 10,
			AllocPerTradeUSD:    12,
			Leverage:            3,
			MaxTradesPerMin:     3,
			DeadmanSeconds:      5,
			DryRun:              true,
			DwellMS:             1000,
			CoolDownMS:          5000,
			ALOOpenTimeoutMS:    150,
			ALOCloseTimeoutMS:   5000,
			MaxHoldMS:           60000,
			CloseThresholdBps:   0,
			DefaultTIF:          "maker",
		},
		Fees: FeeConfig{
			PerpTakerBps: 3.5,
			SpotTakerBps: 4,
			PerpMakerBps: 1,
			SpotMakerBps: 2,
		},
		Tracker: TrackerConfig{
			ObservationThresholdBps: 10,
			BaselineWindow:          20,
		},
		Rebalance: RebalanceConfig{
			Enabled:         true,
			IntervalSeconds: 30,
			TriggerRatio:    0.65,
			MinTransferUSD:  10,
		},
		Store: StoreConfig{
			DBPath:         "perparb.db",
			EdgeBatchSize:  100,
			EdgeFlushMS:    1000,
			EdgeSampleRate: 1,
		},
		Control: ControlConfig{
			ListenAddr:     ":8787",
			MetricsPort:    9090,
			AllowedOrigins: []string{"http://localhost:8787"},
		},
		Exchange: ExchangeConfig{
			FeedStaleS: 2,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}
