// Package surge maintains per-symbol rolling turnover windows and turns
// threshold crossings into strategy evaluations.
//
// The evaluator owns the rolling bucket maps and the closed-price cache
// fed by the ingestion manager, implements the helper surface strategies
// act through (window queries, two-tier cooldowns, delivery) and resolves
// optional market-cap estimates before dispatch.
package surge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/alert"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
	"github.com/MeakTsui/future-monitor/internal/strategy"
)

// MarketCapProvider supplies market capitalization estimates. A nil
// provider leaves the estimate unresolved; strategies decide what that
// means for their filters.
type MarketCapProvider interface {
	MarketCap(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Options configures an Evaluator.
type Options struct {
	// Store answers window candle queries for strategies.
	Store *store.Store

	// States is the durable cooldown tier.
	States alert.StateStore

	// Dispatcher delivers notifications.
	Dispatcher *alert.Dispatcher

	// MarketCaps resolves capitalization estimates. Optional.
	MarketCaps MarketCapProvider

	// Strategies evaluate each threshold crossing, in order.
	Strategies []strategy.Strategy

	// Config carries the shared evaluation parameters.
	Config strategy.Config

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Evaluator accumulates per-minute turnover buckets and dispatches
// strategies when the rolling window crosses the configured threshold.
type Evaluator struct {
	cfg        strategy.Config
	store      *store.Store
	states     alert.StateStore
	dispatcher *alert.Dispatcher
	marketCaps MarketCapProvider
	strategies []strategy.Strategy
	now        func() time.Time

	// mu guards the bucket maps and the closed-price cache.
	mu         sync.Mutex
	buckets    map[string]map[int64]decimal.Decimal
	prevClosed map[string]decimal.Decimal

	// cdMu guards the volatile cooldown tier. Separate from mu because
	// strategies call back into the cooldown helpers mid-dispatch.
	cdMu      sync.Mutex
	cooldowns map[string]int64 // "symbol|reason" -> lastSentAt ms
}

var _ strategy.Helpers = (*Evaluator)(nil)

// NewEvaluator creates an evaluator. Store, States and Dispatcher are
// required; Strategies defaults to the built-in default strategy.
func NewEvaluator(opts Options) *Evaluator {
	strategies := opts.Strategies
	if len(strategies) == 0 {
		strategies = []strategy.Strategy{&strategy.DefaultStrategy{}}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		cfg:        opts.Config,
		store:      opts.Store,
		states:     opts.States,
		dispatcher: opts.Dispatcher,
		marketCaps: opts.MarketCaps,
		strategies: strategies,
		now:        now,
		buckets:    make(map[string]map[int64]decimal.Decimal),
		prevClosed: make(map[string]decimal.Decimal),
		cooldowns:  make(map[string]int64),
	}
}

// OnUpdate feeds one decoded kline update through the window. It upserts
// the update's bucket, prunes stale buckets, and when the windowed sum
// crosses the threshold builds the evaluation context and runs every
// configured strategy.
func (e *Evaluator) OnUpdate(ctx context.Context, u model.KlineUpdate) {
	nowMs := e.now().UnixMilli()
	windowStart := nowMs - int64(e.cfg.WindowMinutes)*model.MinuteMs

	e.mu.Lock()

	symBuckets, ok := e.buckets[u.Symbol]
	if !ok {
		symBuckets = make(map[int64]decimal.Decimal)
		e.buckets[u.Symbol] = symBuckets
	}
	symBuckets[u.OpenTime] = u.QuoteVolume

	// Keep one extra minute beyond the window so a bucket sliding out is
	// pruned only after it can no longer re-enter.
	pruneBefore := windowStart - model.MinuteMs
	sum := decimal.Zero
	for openTime, turnover := range symBuckets {
		if openTime < pruneBefore {
			delete(symBuckets, openTime)
			continue
		}
		if openTime >= windowStart {
			sum = sum.Add(turnover)
		}
	}

	prevClose, hasPrev := e.prevClosed[u.Symbol]
	if u.Closed {
		e.prevClosed[u.Symbol] = u.Close
	}

	e.mu.Unlock()

	if sum.LessThan(e.cfg.ThresholdUsd) {
		return
	}

	delta := decimal.Zero
	if hasPrev && prevClose.IsPositive() {
		delta = u.Close.Sub(prevClose).Div(prevClose)
	}

	ec := &strategy.Context{
		Symbol:         u.Symbol,
		BucketOpenTime: u.OpenTime,
		WindowSum:      sum,
		LastClose:      u.Close,
		PrevClose:      prevClose,
		Delta:          delta,
		MarketCap:      e.resolveMarketCap(ctx, u.Symbol),
	}

	for _, s := range e.strategies {
		if err := s.Evaluate(ctx, ec, &e.cfg, e); err != nil {
			log.Warn().
				Str("component", "surge").
				Str("strategy", s.Name()).
				Str("symbol", u.Symbol).
				Err(err).
				Msg("strategy evaluation failed")
		}
	}
}

// resolveMarketCap asks the provider for an estimate, returning nil when no
// provider is configured or the lookup fails.
func (e *Evaluator) resolveMarketCap(ctx context.Context, symbol string) *decimal.Decimal {
	if e.marketCaps == nil {
		return nil
	}
	estimate, err := e.marketCaps.MarketCap(ctx, symbol)
	if err != nil {
		log.Debug().
			Str("component", "surge").
			Str("symbol", symbol).
			Err(err).
			Msg("market cap lookup failed")
		return nil
	}
	return &estimate
}

// WindowSum returns the current rolling sum for a symbol without feeding an
// update. Zero when the symbol has no live buckets.
func (e *Evaluator) WindowSum(symbol string) decimal.Decimal {
	nowMs := e.now().UnixMilli()
	windowStart := nowMs - int64(e.cfg.WindowMinutes)*model.MinuteMs

	e.mu.Lock()
	defer e.mu.Unlock()

	sum := decimal.Zero
	for openTime, turnover := range e.buckets[symbol] {
		if openTime >= windowStart {
			sum = sum.Add(turnover)
		}
	}
	return sum
}

// WindowCandles implements strategy.Helpers via the candle store.
func (e *Evaluator) WindowCandles(symbol string) []model.Candle {
	nowMs := e.now().UnixMilli()
	from := nowMs - int64(e.cfg.WindowMinutes)*model.MinuteMs
	return e.store.GetCandles(symbol, from, nowMs)
}

// CooldownState implements strategy.Helpers. The volatile tier answers
// first; the durable tier is consulted both for its own cooldown clock and
// for the recorded state strategies use to de-duplicate buckets.
func (e *Evaluator) CooldownState(ctx context.Context, symbol, reason string) (bool, model.AlertState) {
	nowMs := e.now().UnixMilli()
	cooldownMs := e.cfg.Cooldown.Milliseconds()

	e.cdMu.Lock()
	lastLocal, hasLocal := e.cooldowns[symbol+"|"+reason]
	e.cdMu.Unlock()

	active := hasLocal && cooldownMs > 0 && nowMs-lastLocal < cooldownMs

	state, ok, err := e.states.GetAlertState(ctx, symbol, reason)
	if err != nil {
		log.Warn().
			Str("component", "surge").
			Str("symbol", symbol).
			Err(err).
			Msg("durable cooldown lookup failed, relying on local tier")
		return active, model.AlertState{}
	}
	if ok && cooldownMs > 0 && nowMs-state.LastAt < cooldownMs {
		active = true
	}
	return active, state
}

// MarkCooldown implements strategy.Helpers, stamping both tiers.
func (e *Evaluator) MarkCooldown(ctx context.Context, symbol, reason string, klineOpen int64) {
	nowMs := e.now().UnixMilli()

	e.cdMu.Lock()
	e.cooldowns[symbol+"|"+reason] = nowMs
	e.cdMu.Unlock()

	err := e.states.SetAlertState(ctx, symbol, reason, model.AlertState{
		LastAt:         nowMs,
		LastKlineClose: klineOpen,
	})
	if err != nil {
		log.Warn().
			Str("component", "surge").
			Str("symbol", symbol).
			Err(err).
			Msg("durable cooldown mark failed")
	}
}

// Notify implements strategy.Helpers.
func (e *Evaluator) Notify(ctx context.Context, text string, payload *alert.Payload) {
	e.dispatcher.Dispatch(ctx, text, payload)
}
