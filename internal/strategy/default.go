package strategy

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/alert"
)

var hundred = decimal.New(100, 0)

// DefaultStrategy implements the baseline alert pipeline: same-bucket
// de-duplication, optional market-cap filter, two-tier cooldown, notify.
type DefaultStrategy struct{}

// Name implements Strategy.
func (*DefaultStrategy) Name() string { return "default" }

// Evaluate implements Strategy.
func (s *DefaultStrategy) Evaluate(ctx context.Context, ec *Context, cfg *Config, h Helpers) error {
	logger := log.With().
		Str("component", "strategy").
		Str("strategy", s.Name()).
		Str("symbol", ec.Symbol).
		Logger()

	reason := SurgeReason(cfg.WindowMinutes, cfg.ThresholdUsd)

	active, state := h.CooldownState(ctx, ec.Symbol, reason)

	// A window stays above the threshold for every update inside the same
	// minute; only the first crossing per bucket is interesting.
	if state.LastKlineClose == ec.BucketOpenTime {
		logger.Debug().Int64("bucket", ec.BucketOpenTime).Msg("already alerted for this bucket")
		return nil
	}

	if cfg.MarketCapMaxUsd.IsPositive() {
		if ec.MarketCap == nil {
			logger.Debug().Msg("market cap unresolvable while filter active, skipping")
			return nil
		}
		if !ec.MarketCap.IsPositive() || !ec.MarketCap.LessThan(cfg.MarketCapMaxUsd) {
			logger.Debug().
				Str("marketCap", ec.MarketCap.String()).
				Msg("market cap outside filter range")
			return nil
		}
	}

	if active {
		logger.Debug().Msg("cooldown active, suppressing notification")
		return nil
	}

	h.MarkCooldown(ctx, ec.Symbol, reason, ec.BucketOpenTime)

	payload := BuildPayload(s.Name(), reason, ec, cfg)
	h.Notify(ctx, RenderText(ec, cfg), payload)
	return nil
}

// SurgeReason builds the cooldown/reason key for a window-threshold pair.
func SurgeReason(windowMinutes int, threshold decimal.Decimal) string {
	return fmt.Sprintf("surge_%dm_%s", windowMinutes, threshold.String())
}

// BuildPayload assembles the structured notification document for a crossing.
func BuildPayload(strategyName, reason string, ec *Context, cfg *Config) *alert.Payload {
	p := alert.NewPayload(strategyName, ec.Symbol, reason)
	p.WindowMinutes = cfg.WindowMinutes
	p.Severity = "info"
	p.Tags = []string{"turnover-surge", ec.Trend()}
	p.Metrics = alert.Metrics{
		TurnoverUsd:  ec.WindowSum,
		ThresholdUsd: cfg.ThresholdUsd,
		LastPrice:    ec.LastClose,
		PrevPrice:    ec.PrevClose,
		DeltaPct:     ec.Delta.Mul(hundred),
		MarketCapUsd: ec.MarketCap,
	}
	return p
}

// RenderText produces the human-readable notification line.
func RenderText(ec *Context, cfg *Config) string {
	text := fmt.Sprintf("%s %dm turnover %s crossed %s, price %s (%s%%)",
		ec.Symbol,
		cfg.WindowMinutes,
		alert.FormatCurrencyCompact(ec.WindowSum),
		alert.FormatCurrencyCompact(cfg.ThresholdUsd),
		ec.LastClose.String(),
		ec.Delta.Mul(hundred).StringFixed(2),
	)
	if ec.MarketCap != nil {
		text += fmt.Sprintf(", cap %s", alert.FormatCurrencyCompact(*ec.MarketCap))
	}
	return text
}
