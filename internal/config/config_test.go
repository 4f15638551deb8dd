package config

import (
	"os"
	"testing"
)

const validYAML = `
storage:
  sqlite_path: "/tmp/kestrel/kestrel.db"
  bar_journal_dir: "/tmp/kestrel/bars"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  data_url: "https://data.alpaca.markets"
logging:
  level: "info"
  format: "json"
metrics:
  addr: ":9100"
trading:
  symbols: ["AAPL", "MSFT"]
  strategy: "sma-cross"
  risk_per_trade_pct: 0.01
  max_daily_loss_pct: 0.03
  max_open_positions: 5
  emergency_stop_pct: 0.05
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "kestrel-config-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	if _, err := tmpFile.WriteString(content); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}
	return tmpFile.Name()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL", "ALPACA_DATA_URL",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "SQLITE_PATH", "BAR_JOURNAL_DIR", "LOG_LEVEL",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.SQLitePath != "/tmp/kestrel/kestrel.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/kestrel/kestrel.db")
	}
	if cfg.Alpaca.APIKey != "test-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q", cfg.Alpaca.APIKey, "test-key")
	}
	if len(cfg.Trading.Symbols) != 2 {
		t.Errorf("Trading.Symbols = %v, want 2 symbols", cfg.Trading.Symbols)
	}
	if cfg.Trading.RiskPerTradePct != 0.01 {
		t.Errorf("Trading.RiskPerTradePct = %v, want 0.01", cfg.Trading.RiskPerTradePct)
	}

	// Defaults for unset fields.
	if cfg.Alpaca.Feed != "iex" {
		t.Errorf("Alpaca.Feed default = %q, want %q", cfg.Alpaca.Feed, "iex")
	}
	if cfg.Trading.MaxConsecutiveLosses != 3 {
		t.Errorf("MaxConsecutiveLosses default = %d, want 3", cfg.Trading.MaxConsecutiveLosses)
	}
	if cfg.Trading.EntryExpiryCandles != 5 {
		t.Errorf("EntryExpiryCandles default = %d, want 5", cfg.Trading.EntryExpiryCandles)
	}
	if cfg.Trading.AllowLive {
		t.Error("AllowLive must default to false")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, validYAML)

	os.Setenv("APCA_API_KEY_ID", "env-key")
	os.Setenv("APCA_API_SECRET_KEY", "env-secret")
	defer clearEnv(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want env override %q", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "env-secret" {
		t.Errorf("Alpaca.APISecret = %q, want env override %q", cfg.Alpaca.APISecret, "env-secret")
	}
}

func TestLoadRejectsBadRisk(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name string
		yaml string
	}{
		{"no symbols", `
trading:
  risk_per_trade_pct: 0.01
  max_daily_loss_pct: 0.03
  max_open_positions: 5
  emergency_stop_pct: 0.05
`},
		{"oversized risk", `
trading:
  symbols: ["AAPL"]
  risk_per_trade_pct: 0.5
  max_daily_loss_pct: 0.03
  max_open_positions: 5
  emergency_stop_pct: 0.05
`},
		{"zero position cap", `
trading:
  symbols: ["AAPL"]
  risk_per_trade_pct: 0.01
  max_daily_loss_pct: 0.03
  max_open_positions: 0
  emergency_stop_pct: 0.05
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted invalid config %q", tc.name)
			}
		})
	}
}
