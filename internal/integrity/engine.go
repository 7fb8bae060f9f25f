// Package integrity detects and repairs gaps in the candle store.
//
// A timer-driven engine walks the symbol universe in small batches,
// computes the expected minute grid inside the retention window, asks the
// store which minutes are missing and refetches them over REST. Persistent
// exchange-side holes go into a per-symbol ledger so they are not refetched
// every cycle, and symbols the exchange rejects outright are blacklisted
// for the life of the process.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MeakTsui/future-monitor/internal/exchange"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
)

const (
	defaultCheckInterval   = 5 * time.Minute
	defaultBulkRepairRatio = 0.5
	defaultBoundaryMargin  = 2 // minutes
	defaultSymbolBatch     = 10
	defaultBatchPause      = 100 * time.Millisecond
	defaultRangePause      = 200 * time.Millisecond
)

// ErrSymbolInvalid marks a symbol the exchange has rejected; further checks
// for it are skipped without issuing any REST calls.
var ErrSymbolInvalid = errors.New("symbol blacklisted as invalid")

// Fetcher retrieves historical candles. exchange.RestClient satisfies it;
// tests substitute recording fakes.
type Fetcher interface {
	GetKlinesWithRetry(ctx context.Context, symbol, interval string, startTime, endTime int64) ([]model.Candle, error)
}

// Options configures an Engine.
type Options struct {
	Store   *store.Store
	Fetcher Fetcher

	// Retention bounds how far back the minute grid is checked.
	Retention time.Duration

	// CheckInterval is the cycle period. Defaults to 5 minutes.
	CheckInterval time.Duration

	// RefreshRecent, when positive, unconditionally refetches the most
	// recent N minutes each cycle regardless of detected gaps.
	RefreshRecent int

	// BoundaryMargin excludes minutes within N minutes of the retention
	// start, where pruning makes absence expected. Defaults to 2.
	BoundaryMargin int

	// BulkRepairRatio switches from per-gap repair to a full-window refetch
	// when missing/expected exceeds it. Defaults to 0.5.
	BulkRepairRatio float64

	// SymbolBatchSize groups symbols between pauses. Defaults to 10.
	SymbolBatchSize int

	// BatchPause separates symbol batches. Defaults to 100ms.
	BatchPause time.Duration

	// RangePause separates per-gap fetches within one symbol. Defaults to 200ms.
	RangePause time.Duration

	// Now overrides the clock for tests.
	Now func() time.Time
}

// Result summarizes one symbol check.
type Result struct {
	Repaired int           `json:"repaired"`
	Duration time.Duration `json:"duration"`
}

// Engine is the gap-detection and repair loop.
type Engine struct {
	opts Options
	now  func() time.Time

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	invalid map[string]struct{}
	failed  map[string]map[int64]struct{}
}

// New validates options and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.BoundaryMargin <= 0 {
		opts.BoundaryMargin = defaultBoundaryMargin
	}
	if opts.BulkRepairRatio <= 0 {
		opts.BulkRepairRatio = defaultBulkRepairRatio
	}
	if opts.SymbolBatchSize <= 0 {
		opts.SymbolBatchSize = defaultSymbolBatch
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = defaultBatchPause
	}
	if opts.RangePause <= 0 {
		opts.RangePause = defaultRangePause
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		opts:    opts,
		now:     now,
		invalid: make(map[string]struct{}),
		failed:  make(map[string]map[int64]struct{}),
	}, nil
}

// Start launches the periodic check loop. Safe against double starts.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("integrity engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop()
	}()

	log.Info().
		Str("component", "integrity").
		Dur("interval", e.opts.CheckInterval).
		Msg("integrity engine started")
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.wg.Wait()
	log.Info().Str("component", "integrity").Msg("integrity engine stopped")
}

func (e *Engine) loop() {
	ticker := time.NewTicker(e.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.RunCycle(e.ctx)
		}
	}
}

// RunCycle checks every stored symbol once, strictly sequentially, pausing
// between batches so repair traffic stays in the rate limiter's comfort zone.
func (e *Engine) RunCycle(ctx context.Context) {
	logger := log.With().Str("component", "integrity").Logger()

	symbols := e.opts.Store.Symbols()
	if len(symbols) == 0 {
		return
	}

	start := e.now()
	var repaired, checked, skipped int

	for i, symbol := range symbols {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && i%e.opts.SymbolBatchSize == 0 {
			if !sleepCtx(ctx, e.opts.BatchPause) {
				return
			}
		}

		n, err := e.checkSymbol(ctx, symbol)
		switch {
		case errors.Is(err, ErrSymbolInvalid):
			skipped++
		case err != nil:
			logger.Warn().Str("symbol", symbol).Err(err).Msg("symbol check failed")
		default:
			checked++
			repaired += n
		}
	}

	logger.Info().
		Int("symbols", len(symbols)).
		Int("checked", checked).
		Int("skipped", skipped).
		Int("repaired", repaired).
		Dur("took", time.Since(start)).
		Msg("integrity cycle complete")
}

// ManualCheck runs a single-symbol check on demand, for the ops endpoint
// and the backfill CLI.
func (e *Engine) ManualCheck(ctx context.Context, symbol string) (Result, error) {
	start := e.now()
	repaired, err := e.checkSymbol(ctx, symbol)
	return Result{Repaired: repaired, Duration: time.Since(start)}, err
}

// checkSymbol runs the full detection/repair sequence for one symbol and
// returns the number of candles written back.
func (e *Engine) checkSymbol(ctx context.Context, symbol string) (int, error) {
	if e.isInvalid(symbol) {
		return 0, ErrSymbolInvalid
	}

	logger := log.With().
		Str("component", "integrity").
		Str("symbol", symbol).
		Logger()

	nowMs := e.now().UnixMilli()
	lastDone := model.LastCompletedMinute(e.now())
	from := model.AlignToMinute(nowMs - e.opts.Retention.Milliseconds())

	repaired := 0

	if e.opts.RefreshRecent > 0 {
		n, err := e.refreshRecent(ctx, symbol, lastDone)
		if err != nil {
			return repaired, err
		}
		repaired += n
	}

	missing := e.opts.Store.FindMissingMinutes(symbol, from, lastDone)
	missing = e.filterMissing(symbol, missing, from)
	if len(missing) == 0 {
		return repaired, nil
	}

	expected := (lastDone-from)/model.MinuteMs + 1
	ratio := float64(len(missing)) / float64(expected)

	logger.Info().
		Int("missing", len(missing)).
		Int64("expected", expected).
		Float64("ratio", ratio).
		Msg("gaps detected")

	if ratio > e.opts.BulkRepairRatio {
		n, err := e.bulkRepair(ctx, symbol, from, lastDone)
		return repaired + n, err
	}

	n, err := e.incrementalRepair(ctx, symbol, missing)
	return repaired + n, err
}

// refreshRecent unconditionally refetches the newest minutes so late
// corrections on the exchange side are picked up.
func (e *Engine) refreshRecent(ctx context.Context, symbol string, lastDone int64) (int, error) {
	from := lastDone - int64(e.opts.RefreshRecent-1)*model.MinuteMs
	candles, err := e.fetch(ctx, symbol, from, lastDone+model.MinuteMs)
	if err != nil {
		return 0, err
	}
	if len(candles) > 0 {
		e.opts.Store.SaveCandlesBatch(symbol, candles)
	}
	return len(candles), nil
}

// filterMissing drops minutes inside the retention-boundary margin, where
// pruning makes absence expected, and minutes already recorded as
// exchange-side holes.
func (e *Engine) filterMissing(symbol string, missing []int64, from int64) []int64 {
	boundary := from + int64(e.opts.BoundaryMargin)*model.MinuteMs

	e.mu.Lock()
	ledger := e.failed[symbol]
	e.mu.Unlock()

	filtered := missing[:0]
	for _, ts := range missing {
		if ts < boundary {
			continue
		}
		if _, failed := ledger[ts]; failed {
			continue
		}
		filtered = append(filtered, ts)
	}
	return filtered
}

// bulkRepair refetches the entire retention window in one paginated sweep.
func (e *Engine) bulkRepair(ctx context.Context, symbol string, from, lastDone int64) (int, error) {
	candles, err := e.fetch(ctx, symbol, from, lastDone+model.MinuteMs)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}
	e.opts.Store.SaveCandlesBatch(symbol, candles)
	return len(candles), nil
}

// incrementalRepair merges the missing minutes into contiguous ranges and
// refetches each range, recording permanently empty ones in the ledger.
func (e *Engine) incrementalRepair(ctx context.Context, symbol string, missing []int64) (int, error) {
	repaired := 0
	for i, r := range mergeRanges(missing) {
		if i > 0 && !sleepCtx(ctx, e.opts.RangePause) {
			return repaired, ctx.Err()
		}

		candles, err := e.fetch(ctx, symbol, r.Start, r.End+model.MinuteMs)
		if err != nil {
			return repaired, err
		}
		if len(candles) == 0 {
			// The exchange has no data for these minutes: listing gaps,
			// delistings, outages. Remember so the next cycle skips them.
			e.recordFailed(symbol, r)
			continue
		}
		e.opts.Store.SaveCandlesBatch(symbol, candles)
		repaired += len(candles)
	}
	return repaired, nil
}

// fetch wraps the retrying fetcher, translating a definitive invalid-symbol
// rejection into a lifetime blacklist entry.
func (e *Engine) fetch(ctx context.Context, symbol string, from, to int64) ([]model.Candle, error) {
	candles, err := e.opts.Fetcher.GetKlinesWithRetry(ctx, symbol, "1m", from, to)
	if err != nil {
		if errors.Is(err, exchange.ErrInvalidSymbol) {
			e.markInvalid(symbol)
			return nil, fmt.Errorf("%w: %s", ErrSymbolInvalid, symbol)
		}
		return nil, err
	}
	return candles, nil
}

func (e *Engine) isInvalid(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.invalid[symbol]
	return ok
}

func (e *Engine) markInvalid(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invalid[symbol] = struct{}{}
	log.Warn().
		Str("component", "integrity").
		Str("symbol", symbol).
		Msg("symbol rejected by exchange, blacklisted for this process")
}

func (e *Engine) recordFailed(symbol string, r model.TimeRange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ledger := e.failed[symbol]
	if ledger == nil {
		ledger = make(map[int64]struct{})
		e.failed[symbol] = ledger
	}
	for ts := r.Start; ts <= r.End; ts += model.MinuteMs {
		ledger[ts] = struct{}{}
	}
}

// mergeRanges folds sorted missing minutes into contiguous inclusive
// ranges; adjacency means exactly one minute apart.
func mergeRanges(missing []int64) []model.TimeRange {
	if len(missing) == 0 {
		return nil
	}

	ranges := []model.TimeRange{{Start: missing[0], End: missing[0]}}
	for _, ts := range missing[1:] {
		last := &ranges[len(ranges)-1]
		if ts == last.End+model.MinuteMs {
			last.End = ts
			continue
		}
		ranges = append(ranges, model.TimeRange{Start: ts, End: ts})
	}
	return ranges
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
