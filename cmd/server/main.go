/*
Package main implements the futures-market monitoring daemon.

The monitor subscribes to Binance USDT-perpetual 1-minute kline streams,
maintains rolling turnover windows per symbol and sends alerts when a
window crosses its configured threshold. A retention-bounded in-process
candle store backs the windows, a timer-driven integrity engine detects
and repairs gaps over REST, and an optional operator HTTP surface exposes
manual checks and store inspection.

Usage:

	go run main.go -config=config.yaml

The process runs until it receives SIGINT or SIGTERM, then shuts down
gracefully: ops endpoints drain, the integrity engine finishes its cycle,
and all websocket connections close with a proper close frame.
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MeakTsui/future-monitor/internal/config"
	"github.com/MeakTsui/future-monitor/internal/service"
)

// configPath locates the YAML configuration file.
var configPath = flag.String("config", "config.yaml", "Path to the configuration file")

// main is the entry point of the monitor daemon. It loads configuration,
// starts the orchestrator and blocks until a shutdown signal arrives.
func main() {
	flag.Parse()

	// Initialize structured logger with timestamp; level comes from config
	// once it is loaded.
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("logLevel", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	// Create context for managing application lifecycle and graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := service.NewMonitor(cfg)
	if err := monitor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start monitor")
	}

	log.Info().
		Str("config", *configPath).
		Int("windowMinutes", cfg.Surge.WindowMinutes).
		Float64("thresholdUsd", cfg.Surge.ThresholdUsd).
		Msg("monitor running")

	// Block until an interrupt arrives, then unwind everything.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("initiating graceful shutdown")
	cancel()
	monitor.Stop()
	log.Info().Msg("shutdown complete")
}
