// Package main is the spotcycle engine's single entry point: it loads
// configuration, wires every component once, and runs the cycle
// pipeline on a fixed-interval scheduler until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/spotcycle/internal/alerting"
	"github.com/atlas-desktop/spotcycle/internal/api"
	"github.com/atlas-desktop/spotcycle/internal/config"
	"github.com/atlas-desktop/spotcycle/internal/cycle"
	"github.com/atlas-desktop/spotcycle/internal/events"
	"github.com/atlas-desktop/spotcycle/internal/exchange"
	"github.com/atlas-desktop/spotcycle/internal/execution"
	"github.com/atlas-desktop/spotcycle/internal/lock"
	"github.com/atlas-desktop/spotcycle/internal/position"
	"github.com/atlas-desktop/spotcycle/internal/reconcile"
	"github.com/atlas-desktop/spotcycle/internal/regime"
	"github.com/atlas-desktop/spotcycle/internal/risk"
	"github.com/atlas-desktop/spotcycle/internal/statestore"
	"github.com/atlas-desktop/spotcycle/internal/strategy"
	"github.com/atlas-desktop/spotcycle/internal/tradelimits"
	"github.com/atlas-desktop/spotcycle/internal/triggers"
	"github.com/atlas-desktop/spotcycle/internal/universe"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configDir := flag.String("config", "./config", "Configuration directory (app.yaml, policy.yaml, universe.yaml, signals.yaml, strategies.yaml)")
	mode := flag.String("mode", "", "Override app.yaml's mode: DRY_RUN, PAPER, or LIVE")
	logLevel := flag.String("log-level", "", "Override app.yaml's log level")
	lockFile := flag.String("lock-file", "./spotcycle.lock", "Single-instance PID lock file")
	flag.Parse()

	bundle, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		bundle.App.Mode = config.Mode(*mode)
	}
	if *logLevel != "" {
		bundle.App.LogLevel = *logLevel
	}

	logger := setupLogger(bundle.App.LogLevel)
	defer logger.Sync()

	logger.Info("starting spotcycle engine",
		zap.String("mode", string(bundle.App.Mode)),
		zap.String("configDir", *configDir),
	)

	heldLock, err := lock.Acquire(*lockFile)
	if err != nil {
		logger.Fatal("failed to acquire single-instance lock", zap.Error(err))
	}
	defer heldLock.Release()

	store, err := statestore.New(logger, statestore.Config{
		Path:       bundle.App.StatePath,
		PendingTTL: bundle.App.PendingTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialize state store", zap.Error(err))
	}
	if _, err := store.Load(); err != nil {
		logger.Fatal("failed to load persisted state", zap.Error(err))
	}

	port := buildExchangePort(logger, bundle.App.Mode)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	reconciler := reconcile.New(logger, port, store, bundle.Universe.QuoteSuffix)
	universeBuilder := universe.New(logger, bundle.Universe, port)
	regimeDetector := regime.New(logger, bundle.Signals.Regime)
	triggerEngine := triggers.New(logger, bundle.Signals.Triggers)
	positionManager := position.New(logger, bundle.Policy.Exits)
	riskEngine := risk.New(logger, bundle.Policy.Risk)
	limits, err := tradelimits.New(logger, bundle.Policy.TradeLimits, store)
	if err != nil {
		logger.Fatal("failed to build trade limits", zap.Error(err))
	}
	executionEngine := execution.New(logger, bundle.Policy.Execution, port, store)
	alerts := alerting.New(logger, bundle.Policy.Alerting)
	bus := events.NewBus(logger, events.DefaultBusConfig())
	defer bus.Close()

	registry := buildStrategyRegistry(logger, bundle.Strategies)

	cycleCfg := cycle.DefaultConfig()
	cycleCfg.KillSwitchFile = bundle.App.KillSwitchFile
	if bundle.App.CycleInterval > 0 {
		// CandleInterval tracks the scheduler's own cadence, since a
		// cycle can only react to a fresh candle once per tick.
		cycleCfg.CandleInterval = bundle.App.CycleInterval
	}

	pipeline := cycle.New(logger, cycleCfg, cycle.Deps{
		Port:        port,
		Store:       store,
		Reconciler:  reconciler,
		Regime:      regimeDetector,
		RegimeCfg:   bundle.Signals.Regime,
		Universe:    universeBuilder,
		Triggers:    triggerEngine,
		Positions:   positionManager,
		Strategies:  registry,
		Risk:        riskEngine,
		TradeLimits: limits,
		Execution:   executionEngine,
		Alerts:      alerts,
		Events:      bus,
	}, reg)
	defer pipeline.Close()

	apiServer := api.New(logger, api.Config{
		Addr:           bundle.App.APIAddr,
		KillSwitchFile: bundle.App.KillSwitchFile,
	}, store, reconciler, bus, reg)
	apiServer.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	interval := bundle.App.CycleInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("scheduler started", zap.Duration("interval", interval))

	cycleNumber := 0
	running := false
runLoop:
	for {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			break runLoop
		case now := <-ticker.C:
			if running {
				logger.Warn("previous cycle still running, skipping this tick")
				continue
			}
			running = true
			cycleNumber++
			result := pipeline.RunOnce(ctx, cycleNumber, now)
			apiServer.RecordResult(result)
			logger.Info("cycle complete",
				zap.Int("cycle", result.CycleNumber),
				zap.String("status", string(result.Status)),
				zap.String("reason", result.Reason),
				zap.Int("proposals", result.ProposalCount),
				zap.Int("approved", result.ApprovedCount),
				zap.Duration("duration", result.Duration),
			)
			running = false
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// SIGTERM/graceful stop follows the same shutdown path as the
	// kill switch — cancel every working order, just without the
	// CRITICAL alert (spec.md §5).
	if ids := store.OpenOrderIDs(); len(ids) > 0 {
		if err := port.CancelOrders(shutdownCtx, ids); err != nil {
			logger.Error("failed to cancel working orders on shutdown", zap.Error(err), zap.Int("orderCount", len(ids)))
		} else {
			logger.Info("canceled working orders on shutdown", zap.Int("orderCount", len(ids)))
		}
	}

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during api shutdown", zap.Error(err))
	}
	logger.Info("spotcycle engine stopped")
}

func buildExchangePort(logger *zap.Logger, mode config.Mode) exchange.Port {
	if mode == config.ModeLive {
		return exchange.NewLive(logger, exchange.LiveConfig{
			APIKey:    os.Getenv("EXCHANGE_API_KEY"),
			APISecret: os.Getenv("EXCHANGE_API_SECRET"),
			BaseURL:   getEnvOrDefault("EXCHANGE_BASE_URL", "https://api.exchange.example.com"),
			Timeout:   10 * time.Second,
		})
	}
	return exchange.NewBacktest(logger, exchange.DefaultBacktestConfig())
}

func buildStrategyRegistry(logger *zap.Logger, entries []config.StrategyEntry) *strategy.Registry {
	registry := strategy.NewRegistry(logger)
	for _, entry := range entries {
		if entry.Type != "rules" {
			logger.Warn("unknown strategy type, skipping", zap.String("name", entry.Name), zap.String("type", entry.Type))
			continue
		}
		rulesCfg := strategy.DefaultConfig()
		registry.Register(strategy.NewRulesStrategy(logger, rulesCfg), entry.Enabled, entry.MaxAtRiskPct, entry.MaxTradesPerCycle)
	}
	if len(entries) == 0 {
		registry.Register(strategy.NewRulesStrategy(logger, strategy.DefaultConfig()), true, nil, nil)
	}
	return registry
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
