// Package config loads the kestrel YAML configuration and applies
// environment variable overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the kestrel trading engine.
type Config struct {
	Storage Storage       `yaml:"storage"`
	Alpaca  Alpaca        `yaml:"alpaca"`
	Logging Logging       `yaml:"logging"`
	Metrics Metrics       `yaml:"metrics"`
	Trading TradingConfig `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath    string `yaml:"sqlite_path"`
	BarJournalDir string `yaml:"bar_journal_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus listener. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// TradingConfig defines risk and execution parameters.
type TradingConfig struct {
	Symbols              []string `yaml:"symbols"`
	Strategy             string   `yaml:"strategy"`
	AllowLive            bool     `yaml:"allow_live"`
	RiskPerTradePct      float64  `yaml:"risk_per_trade_pct"`
	MaxDailyLossPct      float64  `yaml:"max_daily_loss_pct"`
	MaxConsecutiveLosses int      `yaml:"max_consecutive_losses"`
	MaxOpenPositions     int      `yaml:"max_open_positions"`
	EmergencyStopPct     float64  `yaml:"emergency_stop_pct"`
	EntryExpiryCandles   int      `yaml:"entry_expiry_candles"`
	WarmupBars           int      `yaml:"warmup_bars"`
	EODBufferMinutes     int      `yaml:"eod_buffer_minutes"`
	CancelConfirmSecs    int      `yaml:"cancel_confirm_secs"`
	ShutdownDrainSecs    int      `yaml:"shutdown_drain_secs"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, fills defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the risk parameters are usable. A configuration that
// silently disables the risk gate is worse than one that refuses to load.
func (c *Config) Validate() error {
	if len(c.Trading.Symbols) == 0 {
		return fmt.Errorf("config: trading.symbols must not be empty")
	}
	if c.Trading.RiskPerTradePct <= 0 || c.Trading.RiskPerTradePct > 0.1 {
		return fmt.Errorf("config: trading.risk_per_trade_pct %v out of range (0, 0.1]", c.Trading.RiskPerTradePct)
	}
	if c.Trading.MaxDailyLossPct <= 0 || c.Trading.MaxDailyLossPct > 0.5 {
		return fmt.Errorf("config: trading.max_daily_loss_pct %v out of range (0, 0.5]", c.Trading.MaxDailyLossPct)
	}
	if c.Trading.EmergencyStopPct <= 0 || c.Trading.EmergencyStopPct >= 1 {
		return fmt.Errorf("config: trading.emergency_stop_pct %v out of range (0, 1)", c.Trading.EmergencyStopPct)
	}
	if c.Trading.MaxOpenPositions <= 0 {
		return fmt.Errorf("config: trading.max_open_positions must be positive")
	}
	return nil
}

// applyDefaults fills zero-valued optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Trading.Strategy == "" {
		cfg.Trading.Strategy = "sma-cross"
	}
	if cfg.Trading.MaxConsecutiveLosses == 0 {
		cfg.Trading.MaxConsecutiveLosses = 3
	}
	if cfg.Trading.EntryExpiryCandles == 0 {
		cfg.Trading.EntryExpiryCandles = 5
	}
	if cfg.Trading.WarmupBars == 0 {
		cfg.Trading.WarmupBars = 200
	}
	if cfg.Trading.EODBufferMinutes == 0 {
		cfg.Trading.EODBufferMinutes = 10
	}
	if cfg.Trading.CancelConfirmSecs == 0 {
		cfg.Trading.CancelConfirmSecs = 10
	}
	if cfg.Trading.ShutdownDrainSecs == 0 {
		cfg.Trading.ShutdownDrainSecs = 5
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("BAR_JOURNAL_DIR"); v != "" {
		cfg.Storage.BarJournalDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
