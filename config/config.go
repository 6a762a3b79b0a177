// Package config loads and validates the riskd daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Duration wraps time.Duration so TOML values can be written as "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime settings for the risk daemon.
type Config struct {
	Service     ServiceConfig      `toml:"service"`
	Storage     StorageConfig      `toml:"storage"`
	Risk        RiskConfig         `toml:"risk"`
	Valuation   ValuationConfig    `toml:"valuation"`
	Scheduler   SchedulerConfig    `toml:"scheduler"`
	Faucet      FaucetConfig       `toml:"faucet"`
	Collections []CollectionConfig `toml:"collection"`
}

// ServiceConfig holds the HTTP listener and log settings.
type ServiceConfig struct {
	Listen     string `toml:"listen"`
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	LogFile    string `toml:"log_file"`
	LogSizeMB  int    `toml:"log_size_mb"`
	LogBackups int    `toml:"log_backups"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// RiskConfig holds the engine-wide safety limits.
type RiskConfig struct {
	GraceWindow          Duration `toml:"grace_window"`
	LiquidationTargetBps uint64   `toml:"liquidation_target_bps"`
	MaxCommitRetries     int      `toml:"max_commit_retries"`
	YieldCap             string   `toml:"yield_cap"`
}

// ValuationConfig tunes the consensus ensemble.
type ValuationConfig struct {
	ZScore            float64            `toml:"z_score"`
	SingleModelSpread float64            `toml:"single_model_spread"`
	Staleness         Duration           `toml:"staleness"`
	MinSaleSamples    int                `toml:"min_sale_samples"`
	Weights           map[string]float64 `toml:"weights"`
}

// SchedulerConfig sets the control-loop cadences.
type SchedulerConfig struct {
	HealthInterval Duration `toml:"health_interval"`
	YieldInterval  Duration `toml:"yield_interval"`
}

// FaucetConfig controls the demo credit endpoint.
type FaucetConfig struct {
	Enabled       bool    `toml:"enabled"`
	Amount        string  `toml:"amount"`
	RatePerMinute float64 `toml:"rate_per_minute"`
	Burst         int     `toml:"burst"`
}

// CollectionConfig declares the terms for one collection.
type CollectionConfig struct {
	ID                      string `toml:"id"`
	Name                    string `toml:"name"`
	MaxLTVBps               uint64 `toml:"max_ltv_bps"`
	LiquidationThresholdBps uint64 `toml:"liquidation_threshold_bps"`
	MonthlyRateBps          uint64 `toml:"monthly_rate_bps"`
	BaseYieldRateBps        uint64 `toml:"base_yield_rate_bps"`
	FloorValue              string `toml:"floor_value"`
}

// Load reads the TOML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.Service.Listen = strings.TrimSpace(cfg.Service.Listen)
	if cfg.Service.Listen == "" {
		cfg.Service.Listen = ":8080"
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Risk.GraceWindow.Duration <= 0 {
		cfg.Risk.GraceWindow.Duration = 24 * time.Hour
	}
	if cfg.Risk.MaxCommitRetries <= 0 {
		cfg.Risk.MaxCommitRetries = 3
	}
	if cfg.Valuation.Staleness.Duration <= 0 {
		cfg.Valuation.Staleness.Duration = time.Hour
	}
	if cfg.Scheduler.HealthInterval.Duration <= 0 {
		cfg.Scheduler.HealthInterval.Duration = time.Minute
	}
	if cfg.Scheduler.YieldInterval.Duration <= 0 {
		cfg.Scheduler.YieldInterval.Duration = time.Hour
	}
	if cfg.Faucet.RatePerMinute <= 0 {
		cfg.Faucet.RatePerMinute = 1
	}
	if cfg.Faucet.Burst <= 0 {
		cfg.Faucet.Burst = 1
	}
	for i := range cfg.Collections {
		cfg.Collections[i].ID = strings.TrimSpace(cfg.Collections[i].ID)
		cfg.Collections[i].Name = strings.TrimSpace(cfg.Collections[i].Name)
	}
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage: dsn required for driver %q", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", cfg.Storage.Driver)
	}
	if cfg.Risk.LiquidationTargetBps > 10_000 {
		return fmt.Errorf("risk: liquidation_target_bps exceeds 100%%")
	}
	if _, err := cfg.Risk.YieldCapAmount(); err != nil {
		return fmt.Errorf("risk: yield_cap: %w", err)
	}
	if _, err := cfg.Faucet.ClaimAmount(); err != nil {
		return fmt.Errorf("faucet: amount: %w", err)
	}
	if len(cfg.Collections) == 0 {
		return fmt.Errorf("at least one collection must be configured")
	}
	seen := make(map[string]struct{}, len(cfg.Collections))
	for _, c := range cfg.Collections {
		if c.ID == "" {
			return fmt.Errorf("collection: id required")
		}
		if _, ok := seen[c.ID]; ok {
			return fmt.Errorf("collection %q: duplicate id", c.ID)
		}
		seen[c.ID] = struct{}{}
		if c.MaxLTVBps == 0 || c.MaxLTVBps > 10_000 {
			return fmt.Errorf("collection %q: max_ltv_bps must be in (0, 10000]", c.ID)
		}
		if c.LiquidationThresholdBps <= c.MaxLTVBps || c.LiquidationThresholdBps > 10_000 {
			return fmt.Errorf("collection %q: liquidation_threshold_bps must exceed max_ltv_bps and stay within 10000", c.ID)
		}
		if c.MonthlyRateBps == 0 {
			return fmt.Errorf("collection %q: monthly_rate_bps required", c.ID)
		}
		if _, err := parseOptionalAmount(c.FloorValue); err != nil {
			return fmt.Errorf("collection %q: floor_value: %w", c.ID, err)
		}
	}
	for model, weight := range cfg.Valuation.Weights {
		if weight < 0 {
			return fmt.Errorf("valuation: weight for %q must not be negative", model)
		}
	}
	return nil
}

// YieldCapAmount parses the configured lifetime yield cap. Empty means no
// cap.
func (cfg RiskConfig) YieldCapAmount() (decimal.Decimal, error) {
	return parseOptionalAmount(cfg.YieldCap)
}

// ClaimAmount parses the faucet credit amount.
func (cfg FaucetConfig) ClaimAmount() (decimal.Decimal, error) {
	return parseOptionalAmount(cfg.Amount)
}

// Floor parses the collection floor value.
func (cfg CollectionConfig) Floor() (decimal.Decimal, error) {
	return parseOptionalAmount(cfg.FloorValue)
}

func parseOptionalAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("must not be negative")
	}
	return amount, nil
}
