/*
Package main implements the backfill and integrity CLI.

The tool shares the daemon's configuration and REST client and runs one-shot
operations against a fresh in-process store snapshot:

	init    seed the full retention window for the configured universe
	check   detect and repair gaps (optionally for one symbol)
	repair  alias of check
	stats   print per-symbol candle counts after seeding

Because the store is in-process, init and check are primarily smoke and
verification tools for the REST path and the repair planner; the daemon
maintains its own store.

Usage:

	go run main.go -config=config.yaml -mode=init
	go run main.go -config=config.yaml -mode=check -symbol=BTCUSDT
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
	"github.com/MeakTsui/future-monitor/internal/exchange"
	"github.com/MeakTsui/future-monitor/internal/integrity"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
	"github.com/MeakTsui/future-monitor/internal/utils"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to the configuration file")
	mode       = flag.String("mode", "check", "Operation: init | check | repair | stats")
	symbol     = flag.String("symbol", "", "Limit the operation to one symbol")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Interrupts abort the current fetch and exit cleanly.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("interrupted, aborting")
		cancel()
	}()

	rest := exchange.NewRestClient(&exchange.RestConfig{
		BaseURL:    cfg.Exchange.RestBaseURL,
		MaxWeight:  cfg.Rest.MaxWeight,
		Window:     time.Duration(cfg.Rest.WindowSec) * time.Second,
		Timeout:    time.Duration(cfg.Rest.TimeoutSec) * time.Second,
		MaxRetries: cfg.Rest.MaxRetries,
	})

	retention := time.Duration(cfg.Store.RetentionHours) * time.Hour
	st := store.New(store.Options{Retention: retention})

	symbols, err := resolveSymbols(ctx, cfg, rest)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to resolve symbols")
	}

	switch *mode {
	case "init":
		seed(ctx, rest, st, symbols, retention)
	case "check", "repair":
		seed(ctx, rest, st, symbols, retention)
		runChecks(ctx, cfg, rest, st, retention, symbols)
	case "stats":
		seed(ctx, rest, st, symbols, retention)
		printStats(st)
	default:
		log.Fatal().Str("mode", *mode).Msg("unknown mode")
	}
}

// resolveSymbols honors -symbol first, then the whitelist, then the
// exchange's perpetual universe.
func resolveSymbols(ctx context.Context, cfg *config.Config, rest *exchange.RestClient) ([]string, error) {
	if *symbol != "" {
		symbols := utils.NormalizeSymbols([]string{*symbol})
		if err := utils.ValidateSymbols(symbols, 1); err != nil {
			return nil, err
		}
		return symbols, nil
	}
	if len(cfg.Symbols.Whitelist) > 0 {
		symbols := utils.NormalizeSymbols(cfg.Symbols.Whitelist)
		if err := utils.ValidateSymbols(symbols, len(symbols)); err != nil {
			return nil, err
		}
		return symbols, nil
	}

	symbols, err := rest.FetchPerpetualSymbols(ctx)
	if err != nil {
		return nil, err
	}
	if max := cfg.Symbols.MaxSymbols; max > 0 && len(symbols) > max {
		symbols = symbols[:max]
	}
	return symbols, nil
}

// seed fetches the retention window for every symbol into the store.
func seed(ctx context.Context, rest *exchange.RestClient, st *store.Store, symbols []string, retention time.Duration) {
	start := time.Now()
	for _, s := range symbols {
		if ctx.Err() != nil {
			return
		}
		nowMs := time.Now().UnixMilli()
		from := model.AlignToMinute(nowMs - retention.Milliseconds())

		candles, err := rest.GetKlinesWithRetry(ctx, s, "1m", from, nowMs)
		if err != nil {
			log.Warn().Str("symbol", s).Err(err).Msg("seed failed")
			continue
		}
		if len(candles) > 0 {
			st.SaveCandlesBatch(s, candles)
		}
		log.Info().Str("symbol", s).Int("candles", len(candles)).Msg("seeded")
	}
	log.Info().Int("symbols", len(symbols)).Dur("took", time.Since(start)).Msg("seeding complete")
}

// runChecks executes a manual integrity check per symbol and reports repairs.
func runChecks(ctx context.Context, cfg *config.Config, rest *exchange.RestClient, st *store.Store, retention time.Duration, symbols []string) {
	engine, err := integrity.New(integrity.Options{
		Store:           st,
		Fetcher:         rest,
		Retention:       retention,
		RefreshRecent:   cfg.Integrity.RefreshRecentMinutes,
		BoundaryMargin:  cfg.Integrity.BoundaryMarginMinutes,
		BulkRepairRatio: cfg.Integrity.BulkRepairRatio,
		SymbolBatchSize: cfg.Integrity.SymbolBatchSize,
		BatchPause:      time.Duration(cfg.Integrity.BatchPauseMs) * time.Millisecond,
		RangePause:      time.Duration(cfg.Integrity.RangePauseMs) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build integrity engine")
	}

	for _, s := range symbols {
		if ctx.Err() != nil {
			return
		}
		result, err := engine.ManualCheck(ctx, s)
		if err != nil {
			log.Warn().Str("symbol", s).Err(err).Msg("check failed")
			continue
		}
		log.Info().
			Str("symbol", s).
			Int("repaired", result.Repaired).
			Dur("took", result.Duration).
			Msg("check complete")
	}
}

// printStats reports per-symbol candle counts.
func printStats(st *store.Store) {
	for _, s := range st.Symbols() {
		latest, _ := st.GetLatest(s)
		log.Info().
			Str("symbol", s).
			Int("candles", st.Count(s)).
			Int64("latestOpenTime", latest.OpenTime).
			Msg("store stats")
	}
}
