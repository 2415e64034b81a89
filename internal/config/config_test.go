package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID",
		"APCA_API_SECRET_KEY", "DATA_DIR", "SQLITE_PATH",
		"QUANTSIM_HOST", "QUANTSIM_PORT", "LOG_LEVEL",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  data_dir: "/var/quantsim/data"
  sqlite_path: "/var/quantsim/quantsim.db"
server:
  host: "0.0.0.0"
  port: 8080
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
  feed: "sip"
  rate_limit_per_min: 120
logging:
  level: "debug"
  format: "text"
backtest:
  max_concurrent_sessions: 8
  slippage_bps: "7.5"
  commission_pct: "0.0005"
  initial_capital: "50000"
  conflict_warn_threshold: 3
trading:
  paper_mode: true
  order_poll_interval_ms: 2000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/var/quantsim/data" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/var/quantsim/data")
	}
	if cfg.Server.Host != "0.0.0.0" || cfg.Server.Port != 8080 {
		t.Errorf("Server = %+v, want 0.0.0.0:8080", cfg.Server)
	}
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca = %+v", cfg.Alpaca)
	}
	if cfg.Alpaca.RateLimitPerMin != 120 {
		t.Errorf("Alpaca.RateLimitPerMin = %d, want 120", cfg.Alpaca.RateLimitPerMin)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Backtest.MaxConcurrentSessions != 8 {
		t.Errorf("Backtest.MaxConcurrentSessions = %d, want 8", cfg.Backtest.MaxConcurrentSessions)
	}
	if cfg.Backtest.SlippageBps != "7.5" || cfg.Backtest.CommissionPct != "0.0005" {
		t.Errorf("Backtest = %+v", cfg.Backtest)
	}
	if !cfg.Trading.PaperMode || cfg.Trading.OrderPollIntervalMS != 2000 {
		t.Errorf("Trading = %+v", cfg.Trading)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}
	if cfg.Server.Port != 8090 {
		t.Errorf("default port = %d, want 8090", cfg.Server.Port)
	}
	if cfg.Backtest.MaxConcurrentSessions != 4 {
		t.Errorf("default max_concurrent_sessions = %d, want 4", cfg.Backtest.MaxConcurrentSessions)
	}
	if cfg.Backtest.InitialCapital != "100000" {
		t.Errorf("default initial_capital = %q, want 100000", cfg.Backtest.InitialCapital)
	}
	if !cfg.Trading.PaperMode {
		t.Error("default paper_mode = false, want true")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	os.Setenv("ALPACA_API_KEY", "env-key")
	os.Setenv("DATA_DIR", "/env/data")
	os.Setenv("QUANTSIM_PORT", "9999")
	defer clearEnv(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999 (env override)", cfg.Server.Port)
	}

	// The canonical SDK variable wins over ours.
	os.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (APCA override)", cfg.Alpaca.APIKey, "apca-key")
	}
}
