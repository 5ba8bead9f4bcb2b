// Package config loads the engine's static configuration.
//
// Config is constructed once at process start and injected into the
// engine, risk manager, and grid manager — there is no global mutable
// singleton.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// RiskConfig carries the risk manager's tunables (spec §4.C).
type RiskConfig struct {
	Leverage          float64 `json:"leverage"`            // default 50
	MaxPositionSize   float64 `json:"max_position_size"`   // fraction of capital, default 0.05
	MaxDailyLoss      float64 `json:"max_daily_loss"`      // absolute USDC
	MaxDrawdown       float64 `json:"max_drawdown"`        // fraction, default 0.20
	StopLossPercent   float64 `json:"stop_loss_percent"`   // leveraged PnL fraction, default 1.0 (100%)
	TakeProfitPercent float64 `json:"take_profit_percent"` // leveraged PnL fraction
}

// GridDefaults carries the grid engine's tunables (spec §4.F).
type GridDefaults struct {
	DailyLossLimitPct float64 `json:"daily_loss_limit_pct"` // fraction of invested, default 0.30
	StopLossPct       float64 `json:"stop_loss_pct"`        // fraction of invested, default 0.50
	MakerFeeRate      float64 `json:"maker_fee_rate"`       // default 0.0004 (0.04%)
	MinNotional       float64 `json:"min_notional"`         // default 5 USDC
	CooldownSeconds   int     `json:"cooldown_seconds"`     // default 2
}

// ExchangeCredentials is one instance's venue credentials. Exactly one
// signing regime's fields are populated depending on Venue.
type ExchangeCredentials struct {
	Venue      string `json:"venue"` // "okx", "hyperliquid", "apex", "binance"
	APIKey     string `json:"api_key"`
	SecretKey  string `json:"secret_key"`
	Passphrase string `json:"passphrase"` // OKX-style HMAC regime
	PrivateKey string `json:"private_key"`
	WalletAddr string `json:"wallet_addr"`
	Testnet    bool   `json:"testnet"`
}

// LogConfig configures the logrus-backed logger package.
type LogConfig struct {
	Level string `json:"level"` // debug|info|warn|error, default info
}

// Config is the engine's full static configuration.
type Config struct {
	DatabasePath  string               `json:"database_path"`
	KlineInterval string               `json:"kline_interval"` // default "15m"
	Risk          RiskConfig           `json:"risk"`
	Grid          GridDefaults         `json:"grid"`
	Exchange      ExchangeCredentials  `json:"exchange"`
	Log           LogConfig            `json:"log"`
	BalanceCache  time.Duration        `json:"-"` // derived, default 10s
}

func defaults() Config {
	return Config{
		DatabasePath:  "data/tradecore.db",
		KlineInterval: "15m",
		Risk: RiskConfig{
			Leverage:          50,
			MaxPositionSize:   0.05,
			MaxDrawdown:       0.20,
			StopLossPercent:   1.0,
			TakeProfitPercent: 1.0,
		},
		Grid: GridDefaults{
			DailyLossLimitPct: 0.30,
			StopLossPct:       0.50,
			MakerFeeRate:      0.0004,
			MinNotional:       5,
			CooldownSeconds:   2,
		},
		Log:          LogConfig{Level: "info"},
		BalanceCache: 10 * time.Second,
	}
}

// Load reads a JSON config file, falling back to defaults if it does
// not exist, then overlays any variables from a local .env file
// (teacher convention: godotenv for local development only — in
// production the environment is expected to already be populated).
func Load(filename string) (*Config, error) {
	_ = godotenv.Load() // best effort; missing .env is not an error

	cfg := defaults()

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return &cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	if cfg.BalanceCache == 0 {
		cfg.BalanceCache = 10 * time.Second
	}

	return &cfg, nil
}
