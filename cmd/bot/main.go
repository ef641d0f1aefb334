// Bottrader is an automated spot-trading bot for Coinbase Advanced Trade.
// It aggregates live ticks into bars, scores them with weighted technical
// indicators, and manages positions with profit-gated exits, all backed by
// a Postgres trade ledger with FIFO profit allocation.
//
// Architecture:
//
//	main.go              - entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     - orchestrator: wires scanner, streams, signals, orders; runs one worker per symbol
//	ingest/stream.go     - WebSocket sessions (market ticks + user order events) with reconnect budget
//	ingest/reconciler.go - periodic REST fill sweep that backfills anything the user stream missed
//	market/scanner.go    - validates configured pairs against live listings, seeds candle history
//	market/bars.go       - tick-to-bar aggregation over a fixed interval with a rolling window
//	market/pipeline.go   - indicator annotation: RSI, ROC, MACD, Bollinger bands, ATR
//	strategy/engine.go   - weighted buy/sell scoring with hysteresis and a JSONL score trail
//	monitor/monitor.go   - position exits: hard stop, trailing stop, take-profit, signal sells
//	orders/manager.go    - order intents, precision quantization, placement, rejection cooldown
//	risk/targets.go      - ATR-scaled take-profit/stop-loss targets per symbol
//	ledger/              - Postgres trade ledger, fill recorder, FIFO allocation replay
//	exchange/client.go   - REST client with JWT auth, rate limiting, and a circuit breaker
//	store/store.go       - in-memory caches: bid/ask, positions, orders, signals
//
// How it trades:
//
//	Each closed bar is scored from indicator components. A buy score above
//	target places a limit buy sized from available cash. Sell pressure
//	never sells at a loss by itself: exits go through the position monitor,
//	which checks profit floors, stops, and targets against the live mid.
//	Every fill lands in Postgres, and a FIFO replay allocates sells against
//	buys so realized profit survives restarts and partial fills.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bottrader/internal/api"
	"bottrader/internal/config"
	"bottrader/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BOTTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start ops server (health, status, metrics) if enabled
	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsServer = api.NewServer(cfg.Ops, eng, logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE, no real orders will be placed")
	}

	logger.Info("trading bot started",
		"symbols", cfg.Trading.Symbols,
		"order_size", cfg.Trading.OrderSize,
		"bar_interval", cfg.Indicators.BarInterval,
		"dry_run", cfg.DryRun,
	)

	// Wait for a shutdown signal or a fatal stream error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-eng.Fatal():
		logger.Error("fatal error, shutting down", "error", err)
	}

	// Stop ops server first
	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
