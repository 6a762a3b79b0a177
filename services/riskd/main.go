// Command riskd runs the loan risk daemon: the HTTP API, the valuation
// ensemble and the periodic health and yield passes.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"mosaical/config"
	"mosaical/core/types"
	"mosaical/native/lending"
	"mosaical/native/valuation"
	"mosaical/observability/logging"
	"mosaical/services/riskd/server"
	"mosaical/storage/memory"
	"mosaical/storage/sqlstore"
)

// store is the full persistence surface the daemon wires together.
type store interface {
	lending.State
	lending.SalesSource
	valuation.Sink
	server.SnapshotSource
	server.JournalSource
}

func main() {
	configPath := flag.String("config", "riskd.toml", "path to the TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	log := logging.Setup(logging.Options{
		Service:    "riskd",
		Env:        cfg.Service.Env,
		Level:      cfg.Service.LogLevel,
		File:       cfg.Service.LogFile,
		MaxSizeMB:  cfg.Service.LogSizeMB,
		MaxBackups: cfg.Service.LogBackups,
	})

	st, err := openStore(cfg.Storage)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}

	engine, err := buildEngine(cfg, st)
	if err != nil {
		log.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	appraiser := buildAppraiser(cfg.Valuation, st)
	sched := lending.NewScheduler(engine, appraiser, st, cfg.Valuation.Staleness.Duration, log)

	srv := server.New(server.Config{
		Engine:        engine,
		Scheduler:     sched,
		State:         st,
		Journal:       st,
		Snapshots:     st,
		FaucetEnabled: cfg.Faucet.Enabled,
		FaucetRate:    cfg.Faucet.RatePerMinute,
		FaucetBurst:   cfg.Faucet.Burst,
		Log:           log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runLoop(ctx, log, "health", cfg.Scheduler.HealthInterval.Duration, func(ctx context.Context) error {
		report, err := sched.RunPass(ctx)
		if err == nil {
			log.Debug("health pass complete", "evaluated", report.Evaluated, "transitions", report.Transitions, "failures", report.Failures)
		}
		return err
	})
	go runLoop(ctx, log, "yield", cfg.Scheduler.YieldInterval.Duration, func(ctx context.Context) error {
		_, err := sched.RunYieldPass(ctx)
		return err
	})

	httpServer := &http.Server{
		Addr:              cfg.Service.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "error", err)
		}
	}()

	log.Info("riskd listening", "addr", cfg.Service.Listen, "driver", cfg.Storage.Driver)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server failed", "error", err)
		os.Exit(1)
	}
	log.Info("riskd stopped")
}

func openStore(cfg config.StorageConfig) (store, error) {
	if cfg.Driver == "memory" {
		return memory.NewStore(), nil
	}
	return sqlstore.Open(cfg.Driver, cfg.DSN)
}

func buildEngine(cfg config.Config, st store) (*lending.Engine, error) {
	yieldCap, err := cfg.Risk.YieldCapAmount()
	if err != nil {
		return nil, err
	}
	faucetAmount, err := cfg.Faucet.ClaimAmount()
	if err != nil {
		return nil, err
	}
	engine := lending.NewEngine(lending.RiskParameters{
		GraceWindow:          cfg.Risk.GraceWindow.Duration,
		LiquidationTargetBps: cfg.Risk.LiquidationTargetBps,
		MaxCommitRetries:     cfg.Risk.MaxCommitRetries,
		YieldCap:             yieldCap,
		FaucetAmount:         faucetAmount,
	})
	engine.SetState(st)

	terms := make([]types.CollectionTerms, 0, len(cfg.Collections))
	for _, c := range cfg.Collections {
		floor, err := c.Floor()
		if err != nil {
			return nil, err
		}
		terms = append(terms, types.CollectionTerms{
			ID:                      c.ID,
			Name:                    c.Name,
			MaxLTVBps:               c.MaxLTVBps,
			LiquidationThresholdBps: c.LiquidationThresholdBps,
			MonthlyRateBps:          c.MonthlyRateBps,
			BaseYieldRateBps:        c.BaseYieldRateBps,
			FloorValue:              floor,
		})
	}
	engine.SetCollections(terms)
	return engine, nil
}

// buildAppraiser registers the predictor ensemble with configured
// weights. Models without an explicit weight keep their defaults; a zero
// weight disables the model.
func buildAppraiser(cfg config.ValuationConfig, sink valuation.Sink) *valuation.Engine {
	engine := valuation.NewEngine(valuation.Config{
		ZScore:            decimal.NewFromFloat(cfg.ZScore),
		SingleModelSpread: decimal.NewFromFloat(cfg.SingleModelSpread),
	}, sink)

	defaults := map[string]decimal.Decimal{
		"declared":         decimal.RequireFromString("0.3"),
		"comparable_sales": decimal.RequireFromString("0.3"),
		"floor_price":      decimal.RequireFromString("0.2"),
		"trend":            decimal.RequireFromString("0.2"),
	}
	weight := func(name string) decimal.Decimal {
		if w, ok := cfg.Weights[name]; ok {
			return decimal.NewFromFloat(w)
		}
		return defaults[name]
	}
	engine.Register(valuation.DeclaredValueModel{}, weight("declared"))
	engine.Register(valuation.ComparableSalesModel{MinSamples: cfg.MinSaleSamples}, weight("comparable_sales"))
	engine.Register(valuation.FloorPriceModel{}, weight("floor_price"))
	engine.Register(valuation.TrendModel{}, weight("trend"))
	return engine
}

// runLoop drives a pass function on a fixed cadence until the context
// ends.
func runLoop(ctx context.Context, log *slog.Logger, name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("scheduled pass failed", "loop", name, "error", err)
			}
		}
	}
}
