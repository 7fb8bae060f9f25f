package strategy

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/MeakTsui/future-monitor/internal/alert"
)

// TieredStrategy scales the turnover floor with market capitalization:
// small caps alert on modest turnover while large caps need proportionally
// more before a crossing is worth a notification. A symbol whose cap
// exceeds every configured tier never alerts through this strategy.
type TieredStrategy struct{}

// Name implements Strategy.
func (*TieredStrategy) Name() string { return "tiered" }

// Evaluate implements Strategy.
func (s *TieredStrategy) Evaluate(ctx context.Context, ec *Context, cfg *Config, h Helpers) error {
	logger := log.With().
		Str("component", "strategy").
		Str("strategy", s.Name()).
		Str("symbol", ec.Symbol).
		Logger()

	if len(cfg.Tiers) == 0 {
		logger.Debug().Msg("no tiers configured")
		return nil
	}
	if ec.MarketCap == nil || !ec.MarketCap.IsPositive() {
		logger.Debug().Msg("market cap unresolvable, tier matching impossible")
		return nil
	}

	tier, ok := matchTier(cfg.Tiers, ec)
	if !ok {
		return nil
	}

	reason := fmt.Sprintf("surge_tier_%s_%dm", tier.MarketCapMaxUsd.String(), cfg.WindowMinutes)

	active, state := h.CooldownState(ctx, ec.Symbol, reason)
	if state.LastKlineClose == ec.BucketOpenTime {
		logger.Debug().Int64("bucket", ec.BucketOpenTime).Msg("already alerted for this bucket")
		return nil
	}
	if active {
		logger.Debug().Msg("cooldown active, suppressing notification")
		return nil
	}

	h.MarkCooldown(ctx, ec.Symbol, reason, ec.BucketOpenTime)

	payload := BuildPayload(s.Name(), reason, ec, cfg)
	payload.Tags = append(payload.Tags, "tier:"+tier.MarketCapMaxUsd.String())

	text := fmt.Sprintf("%s %s (tier <%s cap) turnover %s, price %s (%s%%)",
		ec.Symbol,
		ec.Trend(),
		alert.FormatCurrencyCompact(tier.MarketCapMaxUsd),
		alert.FormatCurrencyCompact(ec.WindowSum),
		ec.LastClose.String(),
		ec.Delta.Mul(hundred).StringFixed(2),
	)
	h.Notify(ctx, text, payload)
	return nil
}

// matchTier finds the tightest tier covering the symbol's market cap and
// checks its turnover floor. Tiers are matched in ascending cap order
// regardless of configuration order.
func matchTier(tiers []Tier, ec *Context) (Tier, bool) {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].MarketCapMaxUsd.LessThan(sorted[j].MarketCapMaxUsd)
	})

	for _, tier := range sorted {
		if ec.MarketCap.LessThanOrEqual(tier.MarketCapMaxUsd) {
			return tier, ec.WindowSum.GreaterThanOrEqual(tier.TurnoverMinUsd)
		}
	}
	return Tier{}, false
}
