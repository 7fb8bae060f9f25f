// Package strategy defines the alert-decision boundary of the monitor.
//
// When the rolling-window aggregator crosses its turnover threshold it
// builds an evaluation Context and hands it to every configured Strategy.
// Strategies decide whether the crossing becomes a notification; filtering,
// cooldown bookkeeping and delivery all happen behind the Helpers surface
// so strategies stay small and testable.
package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/alert"
	"github.com/MeakTsui/future-monitor/internal/model"
)

// Context carries the facts of a single threshold crossing.
type Context struct {
	// Symbol is the futures contract that crossed the threshold.
	Symbol string

	// BucketOpenTime is the open time (ms) of the minute whose update
	// completed the window. Used for same-bucket de-duplication.
	BucketOpenTime int64

	// WindowSum is the rolling quote-volume sum that crossed the threshold.
	WindowSum decimal.Decimal

	// LastClose is the most recent live close price.
	LastClose decimal.Decimal

	// PrevClose is the close of the previous completed candle. Zero when no
	// completed candle has been observed yet.
	PrevClose decimal.Decimal

	// Delta is the fractional price change (LastClose-PrevClose)/PrevClose,
	// zero when PrevClose is unknown.
	Delta decimal.Decimal

	// MarketCap is the estimated market capitalization in USD, nil when no
	// provider is configured or the estimate is unavailable.
	MarketCap *decimal.Decimal
}

// Trend classifies the price direction of the crossing.
func (c *Context) Trend() string {
	switch {
	case c.Delta.IsPositive():
		return "up"
	case c.Delta.IsNegative():
		return "down"
	default:
		return "flat"
	}
}

// Tier pairs a market-cap ceiling with the turnover floor required inside it.
type Tier struct {
	MarketCapMaxUsd decimal.Decimal
	TurnoverMinUsd  decimal.Decimal
}

// Config carries the evaluation parameters shared by all strategies.
type Config struct {
	WindowMinutes   int
	ThresholdUsd    decimal.Decimal
	Cooldown        time.Duration
	MarketCapMaxUsd decimal.Decimal
	Tiers           []Tier
}

// Helpers is the capability surface strategies act through. The aggregator
// implements it; tests substitute fakes.
type Helpers interface {
	// WindowCandles returns the stored candles inside the current window,
	// ascending by open time.
	WindowCandles(symbol string) []model.Candle

	// CooldownState reports whether the (symbol, reason) cooldown is active
	// and returns the recorded state for de-duplication checks. A missing
	// record yields a zero state.
	CooldownState(ctx context.Context, symbol, reason string) (bool, model.AlertState)

	// MarkCooldown records a notification against both cooldown tiers. It is
	// called before delivery so a slow sink cannot open a duplicate window.
	MarkCooldown(ctx context.Context, symbol, reason string, klineOpen int64)

	// Notify delivers the notification through the configured sinks.
	Notify(ctx context.Context, text string, payload *alert.Payload)
}

// Strategy decides whether a threshold crossing becomes a notification.
type Strategy interface {
	// Name is the identifier used in configuration and payloads.
	Name() string

	// Evaluate inspects the crossing and, when warranted, marks cooldowns
	// and notifies through the helpers. Returning an error only signals an
	// internal failure; "decided not to alert" is a nil return.
	Evaluate(ctx context.Context, ec *Context, cfg *Config, h Helpers) error
}

// Registry resolves strategy names from configuration to implementations.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates a registry pre-populated with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(&DefaultStrategy{})
	r.Register(&TieredStrategy{})
	return r
}

// Register adds or replaces a strategy under its name.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

// Resolve maps configured names to strategies. Unknown names are logged and
// skipped; when nothing usable remains the default strategy is returned so
// the monitor never runs without an alert path.
func (r *Registry) Resolve(names []string) []Strategy {
	logger := log.With().Str("component", "strategy").Logger()

	var resolved []Strategy
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			logger.Warn().Str("strategy", name).Msg("unknown strategy name, skipping")
			continue
		}
		resolved = append(resolved, s)
	}

	if len(resolved) == 0 {
		logger.Info().Msg("no strategies configured, using default")
		resolved = append(resolved, r.strategies["default"])
	}
	return resolved
}
