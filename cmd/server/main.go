// Package main is the entry point for the perpetual-futures trading
// backend: historical coverage, cycle replay, the ExecutionEngine guard
// chain, the ControlOrchestrator command surface, and the HTTP/WS API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/perpsync/internal/api"
	"github.com/atlas-desktop/perpsync/internal/cache"
	"github.com/atlas-desktop/perpsync/internal/config"
	"github.com/atlas-desktop/perpsync/internal/control"
	"github.com/atlas-desktop/perpsync/internal/cycle"
	"github.com/atlas-desktop/perpsync/internal/engine"
	"github.com/atlas-desktop/perpsync/internal/events"
	"github.com/atlas-desktop/perpsync/internal/exchange"
	"github.com/atlas-desktop/perpsync/internal/historical"
	"github.com/atlas-desktop/perpsync/internal/metrics"
	"github.com/atlas-desktop/perpsync/internal/orders"
	"github.com/atlas-desktop/perpsync/internal/risk"
	"github.com/atlas-desktop/perpsync/internal/store"
	"github.com/atlas-desktop/perpsync/internal/strategy"
	synchronizer "github.com/atlas-desktop/perpsync/internal/sync"
	"github.com/atlas-desktop/perpsync/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml/json/toml); empty uses built-in defaults")
	host := flag.String("host", "0.0.0.0", "API server host")
	port := flag.Int("port", 8080, "API server port")
	dataDir := flag.String("data", "./data", "historical data directory")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	apiKey := flag.String("api-key", "", "exchange API key (live mode only)")
	apiSecret := flag.String("api-secret", "", "exchange API secret (live mode only)")
	exchangeBaseURL := flag.String("exchange-url", "", "exchange REST base URL (live mode only)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger.Info("starting perpsync",
		zap.Strings("symbols", cfg.Symbols),
		zap.String("mode", string(cfg.Trading.Mode)),
		zap.Bool("futures", cfg.Trading.Futures),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ts, err := store.New(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}

	var client exchange.Client
	if cfg.Trading.Mode == types.TradingModeLive {
		client = exchange.NewRESTClient(logger, exchange.RESTConfig{
			APIKey: *apiKey, APISecret: *apiSecret, BaseURL: *exchangeBaseURL,
		})
	} else {
		client = exchange.NewPaperClient(logger, time.Now().UnixNano(), cfg.Trading.InitialBalance, "USDT")
	}

	histConfig := historical.DefaultConfig()
	histConfig.MinCoverageDays = cfg.Historical.MinCoverageDays
	hist := historical.New(logger, histConfig, client, ts)

	synchro := synchronizer.New(logger, ts)
	resultCache := cache.New(logger)

	execCfg := cycle.DefaultExecutorConfig()
	execCfg.MaxWorkers = cfg.Executor.MaxWorkers
	execCfg.CycleTimeout = time.Duration(cfg.Executor.CycleTimeoutS) * time.Second
	exec := cycle.New(logger, execCfg, resultCache)

	riskMgr := risk.New(logger, risk.Config{
		MaxRiskPerTrade: cfg.Risk.MaxRiskPerTrade,
		MaxDailyLossPct: cfg.Risk.MaxDailyLossPct,
		MaxDrawdownPct:  cfg.Risk.MaxDrawdownPct,
		MaxLeverage:     cfg.Risk.MaxLeverage,
		LiveFutures:     cfg.Trading.Futures && cfg.Trading.Mode == types.TradingModeLive,
	})

	orderMgr := orders.New(logger, client, cfg.Trading.Mode == types.TradingModePaper,
		cfg.Trading.CommissionRate, cfg.Trading.InitialBalance, string(cfg.Trading.Mode))

	engCfg := engine.DefaultConfig()
	engCfg.MinConfidence = cfg.Trading.MinConfidence
	engCfg.MaxTradesPerBar = cfg.Trading.MaxTradesPerBar
	engCfg.CircuitBreakerLoss = cfg.Trading.CircuitBreakerLoss
	engCfg.StopLossPct = cfg.Trading.StopLossPct
	eng := engine.New(logger, engCfg, riskMgr, orderMgr)

	reg := prometheus.NewRegistry()
	agg := metrics.New(logger, reg, metrics.DefaultThresholds())

	bus := events.New(logger, events.DefaultConfig())
	defer bus.Close()

	evalFactory := func(strategyID string) func(types.CycleTask) types.CycleResult {
		return strategy.NewSimpleMomentumEvaluator(logger, ts, eng, strategy.DefaultSimpleMomentumConfig())
	}

	orchestrator := control.New(logger, control.Deps{
		Store: ts, Historical: hist, Sync: synchro, Executor: exec, Engine: eng,
		Metrics: agg, Client: client, Evaluators: evalFactory, Events: bus,
	}, 64)
	go orchestrator.Run(ctx)

	server := api.New(logger, api.Config{
		Host: *host, Port: *port, WebSocketPath: "/ws",
		ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second,
	}, api.Deps{
		Store: ts, Orchestrator: orchestrator, Metrics: agg, Orders: orderMgr, Events: bus,
	})

	if len(cfg.Symbols) > 0 && len(cfg.Timeframes) > 0 {
		orchestrator.Submit(types.Command{
			Kind: types.CommandDownloadData, CorrelationID: "startup-download",
			Symbols: cfg.Symbols, Timeframes: cfg.Timeframes,
		})
	}

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("api server stopped", zap.Error(err))
		}
	}()

	logger.Info("server started", zap.String("addr", *host), zap.Int("port", *port))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
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
