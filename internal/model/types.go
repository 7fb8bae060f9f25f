// Package model defines core data types for the futures monitoring service.
//
// This package contains the fundamental data structures shared across the
// ingestion, storage, aggregation and integrity-repair components. All
// monetary values use decimal.Decimal for precise financial calculations to
// avoid floating-point precision issues common in financial applications.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MinuteMs is the width of one kline bucket in milliseconds.
//
// The whole system operates on a one-minute grid: candle identity, rolling
// window accounting and gap detection all align timestamps to this width.
const MinuteMs int64 = 60_000

// Candle represents one symbol's OHLCV summary for a single minute bucket.
//
// OpenTime is the minute-aligned bucket start in Unix milliseconds and is
// unique per symbol: the candle store guarantees at most one candle per
// (Symbol, OpenTime) pair, with same-timestamp writes replacing the prior
// value (last-write-wins).
//
// A candle is created on the first stream update for its minute, mutated by
// subsequent updates until the exchange marks it closed, and evicted once it
// falls outside the retention horizon.
//
// JSON field names follow the exchange's short kline schema so stored values
// stay byte-compatible with REST responses.
type Candle struct {
	Symbol      string          `json:"-"`
	OpenTime    int64           `json:"t"` // Bucket start, Unix ms, minute aligned
	Open        decimal.Decimal `json:"o"` // Opening price
	High        decimal.Decimal `json:"h"` // Highest price in the minute
	Low         decimal.Decimal `json:"l"` // Lowest price in the minute
	Close       decimal.Decimal `json:"c"` // Latest/closing price
	Volume      decimal.Decimal `json:"v"` // Base asset volume
	QuoteVolume decimal.Decimal `json:"q"` // Quote asset volume (USDT)
	TradeCount  int64           `json:"n"` // Number of trades in the minute
	Closed      bool            `json:"x"` // True once the exchange closed the minute
}

// KlineUpdate is a decoded per-minute candle update from the streaming feed.
//
// Each update carries the full running state of the current minute's candle
// for one symbol; Closed flips to true on the final update for the minute.
type KlineUpdate struct {
	Symbol      string
	OpenTime    int64
	CloseTime   int64
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	QuoteVolume decimal.Decimal
	TradeCount  int64
	Closed      bool
	EventTime   time.Time
}

// Candle converts the update into its storable candle form.
func (u KlineUpdate) Candle() Candle {
	return Candle{
		Symbol:      u.Symbol,
		OpenTime:    u.OpenTime,
		Open:        u.Open,
		High:        u.High,
		Low:         u.Low,
		Close:       u.Close,
		Volume:      u.Volume,
		QuoteVolume: u.QuoteVolume,
		TradeCount:  u.TradeCount,
		Closed:      u.Closed,
	}
}

// AlertState is the durable cooldown record for one (symbol, reason) pair.
//
// LastAt is the Unix-ms send time of the most recent alert; LastKlineClose
// optionally records the close time of the kline that triggered it so a
// single kline can never fire the same reason twice.
type AlertState struct {
	LastAt         int64
	LastKlineClose int64
}

// TimeRange is an inclusive span of minute-aligned timestamps.
//
// End is the last bucket inside the range, not one past it: a range covering
// a single minute has Start == End.
type TimeRange struct {
	Start int64
	End   int64
}

// Minutes returns the number of minute buckets covered by the range.
func (r TimeRange) Minutes() int64 {
	return (r.End-r.Start)/MinuteMs + 1
}

// AlignToMinute floors a Unix-ms timestamp to its minute-bucket start.
func AlignToMinute(ts int64) int64 {
	return ts / MinuteMs * MinuteMs
}

// LastCompletedMinute returns the bucket start of the most recent fully
// elapsed minute relative to now. The current, still-forming minute is never
// included in integrity checks or gap queries.
func LastCompletedMinute(now time.Time) int64 {
	return AlignToMinute(now.UnixMilli()) - MinuteMs
}
