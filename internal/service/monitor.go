// Package service wires the monitor's components into one lifecycle.
//
// Monitor owns construction order and startup/shutdown sequencing: resolve
// the symbol universe, seed the candle store, start stream ingestion, the
// integrity engine and the ops endpoints, and unwind all of it on Stop.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/alert"
	"github.com/MeakTsui/future-monitor/internal/config"
	"github.com/MeakTsui/future-monitor/internal/exchange"
	"github.com/MeakTsui/future-monitor/internal/ingest"
	"github.com/MeakTsui/future-monitor/internal/integrity"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/ops"
	"github.com/MeakTsui/future-monitor/internal/store"
	"github.com/MeakTsui/future-monitor/internal/strategy"
	"github.com/MeakTsui/future-monitor/internal/surge"
	"github.com/MeakTsui/future-monitor/internal/utils"
)

// ErrEmptyUniverse indicates no tradable symbols could be established at
// startup, which is fatal: there is nothing to monitor.
var ErrEmptyUniverse = errors.New("symbol universe is empty")

// Monitor is the top-level orchestrator of the monitoring process.
type Monitor struct {
	cfg *config.Config

	store      *store.Store
	rest       *exchange.RestClient
	evaluator  *surge.Evaluator
	ingest     *ingest.Manager
	engine     *integrity.Engine
	opsServer  *ops.Server
	marketCaps surge.MarketCapProvider

	symbols []string

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor builds the component graph from configuration. Nothing
// connects or listens until Start.
func NewMonitor(cfg *config.Config) *Monitor {
	retention := time.Duration(cfg.Store.RetentionHours) * time.Hour

	return &Monitor{
		cfg: cfg,
		store: store.New(store.Options{
			Retention: retention,
		}),
		rest: exchange.NewRestClient(&exchange.RestConfig{
			BaseURL:    cfg.Exchange.RestBaseURL,
			MaxWeight:  cfg.Rest.MaxWeight,
			Window:     time.Duration(cfg.Rest.WindowSec) * time.Second,
			Timeout:    time.Duration(cfg.Rest.TimeoutSec) * time.Second,
			MaxRetries: cfg.Rest.MaxRetries,
		}),
	}
}

// SetMarketCapProvider plugs in an optional market-cap source. Must be
// called before Start.
func (m *Monitor) SetMarketCapProvider(p surge.MarketCapProvider) {
	m.marketCaps = p
}

// Start resolves the symbol universe and brings every component up. It is
// safe against double starts and returns an error when nothing can be
// monitored.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("monitor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	symbols, err := m.resolveUniverse(ctx)
	if err != nil {
		m.started.Store(false)
		cancel()
		return err
	}
	m.symbols = symbols

	log.Info().
		Str("component", "service").
		Int("symbols", len(symbols)).
		Msg("symbol universe resolved")

	if err := m.buildPipeline(); err != nil {
		m.started.Store(false)
		cancel()
		return err
	}

	if err := m.ingest.Start(ctx); err != nil {
		m.started.Store(false)
		cancel()
		return fmt.Errorf("starting ingestion: %w", err)
	}
	if err := m.engine.Start(ctx); err != nil {
		m.ingest.Stop()
		m.started.Store(false)
		cancel()
		return fmt.Errorf("starting integrity engine: %w", err)
	}

	if m.cfg.Ops.ListenAddr != "" {
		m.opsServer = ops.NewServer(m.cfg.Ops.ListenAddr, m.store, m.engine)
		m.opsServer.Start()
	}

	// Seed history in the background so the rolling windows and integrity
	// checks have a baseline; live ingestion does not wait for it.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.bootstrap(ctx)
	}()

	return nil
}

// Stop unwinds the components in reverse start order and waits for the
// background seeding to finish.
func (m *Monitor) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	log.Info().Str("component", "service").Msg("stopping monitor")

	if m.opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.opsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Str("component", "service").Err(err).Msg("ops shutdown incomplete")
		}
		cancel()
	}

	m.engine.Stop()
	m.ingest.Stop()
	m.cancel()
	m.wg.Wait()

	log.Info().Str("component", "service").Msg("monitor stopped")
}

// Store exposes the candle store for CLIs embedding the monitor's wiring.
func (m *Monitor) Store() *store.Store { return m.store }

// RestClient exposes the shared rate-limited REST client.
func (m *Monitor) RestClient() *exchange.RestClient { return m.rest }

// resolveUniverse produces the monitored symbol list: the configured
// whitelist when present, otherwise the exchange's USDT perpetual universe
// truncated to the configured maximum.
func (m *Monitor) resolveUniverse(ctx context.Context) ([]string, error) {
	if len(m.cfg.Symbols.Whitelist) > 0 {
		symbols := utils.NormalizeSymbols(m.cfg.Symbols.Whitelist)
		if err := utils.ValidateSymbols(symbols, len(symbols)); err != nil {
			return nil, fmt.Errorf("symbol whitelist: %w", err)
		}
		return symbols, nil
	}

	symbols, err := m.rest.FetchPerpetualSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching perpetual universe: %w", err)
	}
	if len(symbols) == 0 {
		return nil, ErrEmptyUniverse
	}
	if max := m.cfg.Symbols.MaxSymbols; max > 0 && len(symbols) > max {
		symbols = symbols[:max]
	}
	return symbols, nil
}

// buildPipeline constructs the evaluator, ingestion manager and integrity
// engine once the universe is known.
func (m *Monitor) buildPipeline() error {
	surgeCfg := strategy.Config{
		WindowMinutes:   m.cfg.Surge.WindowMinutes,
		ThresholdUsd:    decimal.NewFromFloat(m.cfg.Surge.ThresholdUsd),
		Cooldown:        time.Duration(m.cfg.Surge.CooldownSec) * time.Second,
		MarketCapMaxUsd: decimal.NewFromFloat(m.cfg.Surge.MarketCapMaxUsd),
	}
	for _, t := range m.cfg.Surge.Tiers {
		surgeCfg.Tiers = append(surgeCfg.Tiers, strategy.Tier{
			MarketCapMaxUsd: decimal.NewFromFloat(t.MarketCapMaxUsd),
			TurnoverMinUsd:  decimal.NewFromFloat(t.TurnoverMinUsd),
		})
	}

	providers := make([]alert.ProviderConfig, 0, len(m.cfg.Alerts))
	for _, p := range m.cfg.Alerts {
		providers = append(providers, alert.ProviderConfig{Provider: p.Provider, URL: p.URL})
	}

	m.evaluator = surge.NewEvaluator(surge.Options{
		Store:      m.store,
		States:     alert.NewMemoryStateStore(),
		Dispatcher: alert.NewDispatcher(providers),
		MarketCaps: m.marketCaps,
		Strategies: strategy.NewRegistry().Resolve(m.cfg.Surge.Strategies),
		Config:     surgeCfg,
	})

	ingestMgr, err := ingest.NewManager(ingest.Options{
		WSBaseURL:    m.cfg.Exchange.WSBaseURL,
		Symbols:      m.symbols,
		MaxPerSocket: m.cfg.Stream.MaxPerSocket,
		Heartbeat:    time.Duration(m.cfg.Stream.HeartbeatSec) * time.Second,
		Rotate:       time.Duration(m.cfg.Stream.RotateHours) * time.Hour,
		Store:        m.store,
		Evaluator:    m.evaluator,
	})
	if err != nil {
		return fmt.Errorf("building ingestion manager: %w", err)
	}
	m.ingest = ingestMgr

	engine, err := integrity.New(integrity.Options{
		Store:           m.store,
		Fetcher:         m.rest,
		Retention:       time.Duration(m.cfg.Store.RetentionHours) * time.Hour,
		CheckInterval:   time.Duration(m.cfg.Integrity.CheckIntervalMinutes) * time.Minute,
		RefreshRecent:   m.cfg.Integrity.RefreshRecentMinutes,
		BoundaryMargin:  m.cfg.Integrity.BoundaryMarginMinutes,
		BulkRepairRatio: m.cfg.Integrity.BulkRepairRatio,
		SymbolBatchSize: m.cfg.Integrity.SymbolBatchSize,
		BatchPause:      time.Duration(m.cfg.Integrity.BatchPauseMs) * time.Millisecond,
		RangePause:      time.Duration(m.cfg.Integrity.RangePauseMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("building integrity engine: %w", err)
	}
	m.engine = engine

	return nil
}

// bootstrap seeds the store with the retention window for every monitored
// symbol, sequentially and rate-limited. Failures are logged per symbol;
// live ingestion and the integrity engine fill whatever seeding misses.
func (m *Monitor) bootstrap(ctx context.Context) {
	logger := log.With().Str("component", "service").Logger()

	retentionMs := (time.Duration(m.cfg.Store.RetentionHours) * time.Hour).Milliseconds()
	start := time.Now()
	seeded := 0

	for _, symbol := range m.symbols {
		if ctx.Err() != nil {
			return
		}

		nowMs := time.Now().UnixMilli()
		from := model.AlignToMinute(nowMs - retentionMs)

		candles, err := m.rest.GetKlinesWithRetry(ctx, symbol, "1m", from, nowMs)
		if err != nil {
			logger.Warn().Str("symbol", symbol).Err(err).Msg("history seed failed")
			continue
		}
		if len(candles) > 0 {
			m.store.SaveCandlesBatch(symbol, candles)
			seeded++
		}
	}

	logger.Info().
		Int("symbols", len(m.symbols)).
		Int("seeded", seeded).
		Dur("took", time.Since(start)).
		Msg("history seeding complete")
}
