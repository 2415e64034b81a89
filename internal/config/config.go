// Package config loads the platform configuration from a YAML file with
// environment variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the quantsim platform.
type Config struct {
	Storage  Storage        `yaml:"storage"`
	Server   Server         `yaml:"server"`
	Alpaca   Alpaca         `yaml:"alpaca"`
	Logging  Logging        `yaml:"logging"`
	Backtest BacktestConfig `yaml:"backtest"`
	Trading  TradingConfig  `yaml:"trading"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BacktestConfig holds the simulation defaults applied when a request does
// not override them. SlippageBps and CommissionPct are decimal strings so no
// value is rounded on the way in.
type BacktestConfig struct {
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	SlippageBps           string `yaml:"slippage_bps"`
	CommissionPct         string `yaml:"commission_pct"`
	InitialCapital        string `yaml:"initial_capital"`
	ConflictWarnThreshold int    `yaml:"conflict_warn_threshold"`
}

// TradingConfig defines live execution parameters.
type TradingConfig struct {
	PaperMode           bool `yaml:"paper_mode"`
	OrderPollIntervalMS int  `yaml:"order_poll_interval_ms"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: Storage{
			DataDir:    "data",
			SQLitePath: "data/quantsim.db",
		},
		Server: Server{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Alpaca: Alpaca{
			BaseURL:         "https://paper-api.alpaca.markets",
			Feed:            "iex",
			RateLimitPerMin: 200,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
		Backtest: BacktestConfig{
			MaxConcurrentSessions: 4,
			SlippageBps:           "5",
			CommissionPct:         "0.001",
			InitialCapital:        "100000",
			ConflictWarnThreshold: 10,
		},
		Trading: TradingConfig{
			PaperMode:           true,
			OrderPollIntervalMS: 5000,
		},
	}
}

// Load reads the YAML configuration at path over the defaults and applies
// environment variable overrides. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("QUANTSIM_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QUANTSIM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
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
