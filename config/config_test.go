package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalCollection = `
[[collection]]
id = "arcade"
name = "Arcade Classics"
max_ltv_bps = 7000
liquidation_threshold_bps = 8500
monthly_rate_bps = 500
base_yield_rate_bps = 200
floor_value = "5"
`

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[service]
listen = " :6000 "
`+minimalCollection)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Service.Listen != ":6000" {
		t.Fatalf("unexpected listen address: %q", cfg.Service.Listen)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected default driver: %q", cfg.Storage.Driver)
	}
	if cfg.Risk.GraceWindow.Duration != 24*time.Hour {
		t.Fatalf("unexpected grace window: %s", cfg.Risk.GraceWindow.Duration)
	}
	if cfg.Scheduler.HealthInterval.Duration != time.Minute {
		t.Fatalf("unexpected health interval: %s", cfg.Scheduler.HealthInterval.Duration)
	}
}

func TestLoadConfigParsesDurationsAndAmounts(t *testing.T) {
	path := writeConfig(t, `
[risk]
grace_window = "48h"
yield_cap = "12.5"

[scheduler]
health_interval = "30s"
yield_interval = "2h"

[valuation]
staleness = "15m"

[valuation.weights]
declared = 0.4
floor_price = 0.6
`+minimalCollection)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Risk.GraceWindow.Duration != 48*time.Hour {
		t.Fatalf("grace window = %s", cfg.Risk.GraceWindow.Duration)
	}
	yieldCap, err := cfg.Risk.YieldCapAmount()
	if err != nil {
		t.Fatalf("yield cap: %v", err)
	}
	if yieldCap.String() != "12.5" {
		t.Fatalf("yield cap = %s", yieldCap)
	}
	if cfg.Valuation.Staleness.Duration != 15*time.Minute {
		t.Fatalf("staleness = %s", cfg.Valuation.Staleness.Duration)
	}
	if w := cfg.Valuation.Weights["floor_price"]; w != 0.6 {
		t.Fatalf("weight = %v", w)
	}
}

func TestLoadConfigRequiresCollections(t *testing.T) {
	path := writeConfig(t, `
[service]
listen = ":8080"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when no collections are configured")
	}
}

func TestLoadConfigRejectsInvertedThresholds(t *testing.T) {
	path := writeConfig(t, `
[[collection]]
id = "arcade"
max_ltv_bps = 8500
liquidation_threshold_bps = 7000
monthly_rate_bps = 500
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when the liquidation threshold does not exceed max LTV")
	}
}

func TestLoadConfigRejectsSQLWithoutDSN(t *testing.T) {
	path := writeConfig(t, `
[storage]
driver = "postgres"
`+minimalCollection)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for sql driver without dsn")
	}
}

func TestLoadConfigRejectsDuplicateCollections(t *testing.T) {
	path := writeConfig(t, minimalCollection+minimalCollection)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate collection ids")
	}
}
