// Package store implements the in-process candle store.
//
// The store keeps a bounded retention window of one-minute candles per
// symbol, indexed by minute-aligned open time. It exposes the upsert,
// range-query and gap-detection operations the ingestion and integrity
// components are built on.
//
// Semantics mirror a sorted-set cache keyed by timestamp:
//   - upserts are delete-then-insert so a (symbol, openTime) pair can never
//     have two entries with differing payloads;
//   - retention pruning is probabilistic on single writes and unconditional
//     on batch writes;
//   - an absolute per-symbol expiry at twice the retention horizon acts as a
//     safety net for symbols that stop receiving writes entirely.
//
// Thread safety: all exported methods serialize through one mutex. Writers
// never hold the lock across I/O, so the store acts as the serializing
// facade between the many connection goroutines and the integrity engine.
package store

import (
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MeakTsui/future-monitor/internal/model"
)

const (
	// defaultThrottleInterval is the minimum spacing between persisted
	// writes of the same still-open candle.
	defaultThrottleInterval = time.Second

	// defaultPruneChance is the fraction of single writes that trigger a
	// retention sweep for the written symbol.
	defaultPruneChance = 0.1

	// throttleMapLimit bounds the throttle bookkeeping; once exceeded,
	// entries older than five minutes are dropped.
	throttleMapLimit = 1000
)

// Options configures a Store.
type Options struct {
	// Retention is the sliding window of candle history to keep per symbol.
	Retention time.Duration

	// ThrottleInterval is the minimum spacing for unclosed-candle writes.
	// Zero applies the one-second default.
	ThrottleInterval time.Duration

	// PruneChance overrides the probabilistic prune fraction. Zero applies
	// the default; tests may set it to 1 for deterministic sweeps.
	PruneChance float64

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// series holds one symbol's candles ordered ascending by OpenTime.
type series struct {
	candles   []model.Candle
	expiresAt time.Time
}

// Store is the time-indexed per-symbol candle store.
type Store struct {
	mu          sync.Mutex
	series      map[string]*series
	lastWriteAt map[string]time.Time // "symbol:openTime" -> last persisted write

	retention   time.Duration
	throttle    time.Duration
	pruneChance float64
	now         func() time.Time
	rng         *rand.Rand
}

// New creates a candle store with the provided options.
func New(opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = 12 * time.Hour
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = defaultThrottleInterval
	}
	if opts.PruneChance <= 0 {
		opts.PruneChance = defaultPruneChance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Store{
		series:      make(map[string]*series),
		lastWriteAt: make(map[string]time.Time),
		retention:   opts.Retention,
		throttle:    opts.ThrottleInterval,
		pruneChance: opts.PruneChance,
		now:         opts.Now,
		rng:         rand.New(rand.NewSource(opts.Now().UnixNano())),
	}
}

// SaveCandle upserts a single candle by (symbol, openTime), last-write-wins.
//
// Unclosed candles are throttled to one persisted write per second per
// bucket; a closing candle always persists immediately, overriding the
// throttle, so the final state of every minute is never lost to pacing.
func (s *Store) SaveCandle(c model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	throttleKey := throttleKey(c.Symbol, c.OpenTime)
	if !c.Closed {
		if last, ok := s.lastWriteAt[throttleKey]; ok && now.Sub(last) < s.throttle {
			return
		}
	}
	s.lastWriteAt[throttleKey] = now
	s.pruneThrottleMap(now)

	sr := s.seriesFor(c.Symbol, now)

	// Delete-then-insert guarantees a true overwrite even when the stored
	// payload at this timestamp differs from the incoming one.
	sr.removeAt(c.OpenTime)
	sr.insert(c)

	if s.rng.Float64() < s.pruneChance {
		sr.pruneOlderThan(now.UnixMilli() - s.retention.Milliseconds())
	}
	if s.rng.Float64() < s.pruneChance {
		sr.expiresAt = now.Add(2 * s.retention)
	}

	if c.Closed {
		log.Debug().Str("symbol", c.Symbol).Int64("openTime", c.OpenTime).Msg("closed candle persisted")
	}
}

// SaveCandlesBatch upserts a batch of candles for one symbol in one pass.
//
// Timestamps are de-duplicated within the batch (the last occurrence wins),
// pre-existing entries at those timestamps are removed, then all candles are
// inserted. Batch writes always run a retention sweep and refresh the
// per-symbol expiry.
func (s *Store) SaveCandlesBatch(symbol string, candles []model.Candle) {
	if len(candles) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sr := s.seriesFor(symbol, now)

	deduped := make(map[int64]model.Candle, len(candles))
	for _, c := range candles {
		c.Symbol = symbol
		deduped[c.OpenTime] = c
	}

	for openTime := range deduped {
		sr.removeAt(openTime)
	}
	for _, c := range deduped {
		sr.insert(c)
	}

	sr.pruneOlderThan(now.UnixMilli() - s.retention.Milliseconds())
	sr.expiresAt = now.Add(2 * s.retention)

	log.Info().Str("symbol", symbol).Int("count", len(deduped)).Msg("candle batch saved")
}

// GetCandles returns the symbol's candles with from <= OpenTime <= to in
// ascending order. A missing symbol yields an empty slice.
func (s *Store) GetCandles(symbol string, from, to int64) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.liveSeries(symbol)
	if sr == nil {
		return nil
	}

	lo := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime >= from })
	hi := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime > to })
	if lo >= hi {
		return nil
	}

	out := make([]model.Candle, hi-lo)
	copy(out, sr.candles[lo:hi])
	return out
}

// GetLatest returns the most recent candle for the symbol, if any.
func (s *Store) GetLatest(symbol string) (model.Candle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.liveSeries(symbol)
	if sr == nil || len(sr.candles) == 0 {
		return model.Candle{}, false
	}
	return sr.candles[len(sr.candles)-1], true
}

// Count returns the number of stored candles for the symbol.
func (s *Store) Count(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := s.liveSeries(symbol)
	if sr == nil {
		return 0
	}
	return len(sr.candles)
}

// Symbols enumerates all symbols currently holding candles, sorted.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.series))
	for symbol := range s.series {
		if sr := s.liveSeries(symbol); sr != nil && len(sr.candles) > 0 {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// ClearSymbol removes all candles for the symbol.
func (s *Store) ClearSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.series, symbol)
	log.Info().Str("symbol", symbol).Msg("candle series cleared")
}

// FindMissingMinutes returns the minute-grid timestamps in [from, to] with
// no stored candle, ascending.
//
// The upper bound is always clipped to the last fully elapsed minute so the
// still-forming current minute is never reported as a gap. A collapsed range
// (to < from after clipping) yields nil.
func (s *Store) FindMissingMinutes(symbol string, from, to int64) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxTo := model.LastCompletedMinute(s.now())
	if to > maxTo {
		to = maxTo
	}
	if to < from {
		return nil
	}

	existing := make(map[int64]struct{})
	if sr := s.liveSeries(symbol); sr != nil {
		lo := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime >= from })
		for _, c := range sr.candles[lo:] {
			if c.OpenTime > to {
				break
			}
			existing[c.OpenTime] = struct{}{}
		}
	}

	var missing []int64
	for ts := from; ts <= to; ts += model.MinuteMs {
		if _, ok := existing[ts]; !ok {
			missing = append(missing, ts)
		}
	}
	return missing
}

// seriesFor returns the symbol's series, creating it when absent and
// resetting it when past its absolute expiry.
func (s *Store) seriesFor(symbol string, now time.Time) *series {
	sr, ok := s.series[symbol]
	if !ok || (!sr.expiresAt.IsZero() && now.After(sr.expiresAt)) {
		sr = &series{expiresAt: now.Add(2 * s.retention)}
		s.series[symbol] = sr
	}
	return sr
}

// liveSeries returns the series if present and not expired, nil otherwise.
func (s *Store) liveSeries(symbol string) *series {
	sr, ok := s.series[symbol]
	if !ok {
		return nil
	}
	if !sr.expiresAt.IsZero() && s.now().After(sr.expiresAt) {
		delete(s.series, symbol)
		return nil
	}
	return sr
}

// pruneThrottleMap drops stale throttle entries once the map grows past its
// size limit.
func (s *Store) pruneThrottleMap(now time.Time) {
	if len(s.lastWriteAt) <= throttleMapLimit {
		return
	}
	cutoff := now.Add(-5 * time.Minute)
	for key, at := range s.lastWriteAt {
		if at.Before(cutoff) {
			delete(s.lastWriteAt, key)
		}
	}
}

func throttleKey(symbol string, openTime int64) string {
	return symbol + ":" + strconv.FormatInt(openTime, 10)
}

// removeAt deletes the candle at exactly openTime, if present.
func (sr *series) removeAt(openTime int64) {
	i := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime >= openTime })
	if i < len(sr.candles) && sr.candles[i].OpenTime == openTime {
		sr.candles = append(sr.candles[:i], sr.candles[i+1:]...)
	}
}

// insert adds a candle keeping the slice ordered by OpenTime.
func (sr *series) insert(c model.Candle) {
	i := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime >= c.OpenTime })
	sr.candles = append(sr.candles, model.Candle{})
	copy(sr.candles[i+1:], sr.candles[i:])
	sr.candles[i] = c
}

// pruneOlderThan drops candles with OpenTime strictly before cutoff.
func (sr *series) pruneOlderThan(cutoff int64) {
	i := sort.Search(len(sr.candles), func(i int) bool { return sr.candles[i].OpenTime >= cutoff })
	if i > 0 {
		sr.candles = append(sr.candles[:0], sr.candles[i:]...)
	}
}
