package integrity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeakTsui/future-monitor/internal/exchange"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
)

// fakeFetcher records every fetch and answers from a scripted function.
type fakeFetcher struct {
	calls   []model.TimeRange
	respond func(symbol string, from, to int64) ([]model.Candle, error)
}

func (f *fakeFetcher) GetKlinesWithRetry(_ context.Context, symbol, _ string, from, to int64) ([]model.Candle, error) {
	f.calls = append(f.calls, model.TimeRange{Start: from, End: to})
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(symbol, from, to)
}

func testCandle(symbol string, openTime int64) model.Candle {
	price := decimal.RequireFromString("100")
	return model.Candle{
		Symbol:      symbol,
		OpenTime:    openTime,
		Open:        price,
		High:        price,
		Low:         price,
		Close:       price,
		Volume:      decimal.RequireFromString("1"),
		QuoteVolume: decimal.RequireFromString("100"),
		TradeCount:  1,
		Closed:      true,
	}
}

type engineFixture struct {
	engine  *Engine
	store   *store.Store
	fetcher *fakeFetcher

	nowMs    int64 // minute-aligned current time
	from     int64 // retention window start
	lastDone int64 // last completed minute
}

// newEngineFixture builds an engine over a 30-minute retention window with
// a frozen, minute-aligned clock.
func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()

	nowMs := int64(1_700_000_040_000) // minute aligned
	clock := func() time.Time { return time.UnixMilli(nowMs) }
	retention := 30 * time.Minute

	st := store.New(store.Options{Retention: retention, Now: clock})

	opts.Store = st
	if opts.Fetcher == nil {
		opts.Fetcher = &fakeFetcher{}
	}
	opts.Retention = retention
	opts.Now = clock

	engine, err := New(opts)
	require.NoError(t, err)

	return &engineFixture{
		engine:   engine,
		store:    st,
		fetcher:  opts.Fetcher.(*fakeFetcher),
		nowMs:    nowMs,
		from:     nowMs - retention.Milliseconds(),
		lastDone: nowMs - model.MinuteMs,
	}
}

// fillExcept populates every minute of the check window except the given ones.
func (f *engineFixture) fillExcept(symbol string, except ...int64) {
	skip := make(map[int64]struct{}, len(except))
	for _, ts := range except {
		skip[ts] = struct{}{}
	}
	var candles []model.Candle
	for ts := f.from; ts <= f.lastDone; ts += model.MinuteMs {
		if _, ok := skip[ts]; ok {
			continue
		}
		candles = append(candles, testCandle(symbol, ts))
	}
	f.store.SaveCandlesBatch(symbol, candles)
}

func Test_MergeRanges(t *testing.T) {
	base := int64(1_700_000_040_000)

	tests := []struct {
		name    string
		missing []int64
		want    []model.TimeRange
	}{
		{"empty", nil, nil},
		{"single minute", []int64{base}, []model.TimeRange{{Start: base, End: base}}},
		{
			"adjacent pair plus isolated minute",
			[]int64{base, base + model.MinuteMs, base + 3*model.MinuteMs},
			[]model.TimeRange{
				{Start: base, End: base + model.MinuteMs},
				{Start: base + 3*model.MinuteMs, End: base + 3*model.MinuteMs},
			},
		},
		{
			"all contiguous",
			[]int64{base, base + model.MinuteMs, base + 2*model.MinuteMs},
			[]model.TimeRange{{Start: base, End: base + 2*model.MinuteMs}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergeRanges(tt.missing))
		})
	}
}

func Test_ManualCheck_RepairsSingleGap(t *testing.T) {
	f := newEngineFixture(t, Options{})
	gap := f.lastDone - 5*model.MinuteMs

	// Boundary minutes stay empty on purpose: the margin filter must keep
	// them out of the repair plan.
	f.fillExcept("BTCUSDT", f.from, f.from+model.MinuteMs, gap)

	f.fetcher.respond = func(symbol string, from, to int64) ([]model.Candle, error) {
		return []model.Candle{testCandle(symbol, from)}, nil
	}

	result, err := f.engine.ManualCheck(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Repaired)

	require.Len(t, f.fetcher.calls, 1, "one gap, one fetch; boundary minutes excluded")
	assert.Equal(t, gap, f.fetcher.calls[0].Start)
	assert.Equal(t, gap+model.MinuteMs, f.fetcher.calls[0].End)

	missing := f.store.FindMissingMinutes("BTCUSDT", gap, gap)
	assert.Empty(t, missing, "repaired candle is in the store")
}

func Test_ManualCheck_BulkRepairWhenMostlyMissing(t *testing.T) {
	f := newEngineFixture(t, Options{})

	// Two stored candles out of 30 expected minutes: ratio far above 0.5.
	f.store.SaveCandlesBatch("BTCUSDT", []model.Candle{
		testCandle("BTCUSDT", f.lastDone),
		testCandle("BTCUSDT", f.lastDone-model.MinuteMs),
	})

	f.fetcher.respond = func(symbol string, from, to int64) ([]model.Candle, error) {
		var candles []model.Candle
		for ts := from; ts < to; ts += model.MinuteMs {
			candles = append(candles, testCandle(symbol, ts))
		}
		return candles, nil
	}

	result, err := f.engine.ManualCheck(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	require.Len(t, f.fetcher.calls, 1, "bulk repair sweeps the window in one paginated fetch")
	assert.Equal(t, f.from, f.fetcher.calls[0].Start)
	assert.Equal(t, f.lastDone+model.MinuteMs, f.fetcher.calls[0].End)
	assert.Greater(t, result.Repaired, 25)

	assert.Empty(t, f.store.FindMissingMinutes("BTCUSDT", f.from+2*model.MinuteMs, f.lastDone))
}

func Test_ManualCheck_ZeroRowRangeGoesToLedger(t *testing.T) {
	f := newEngineFixture(t, Options{})
	gap := f.lastDone - 10*model.MinuteMs

	f.fillExcept("BTCUSDT", gap)
	f.fetcher.respond = func(string, int64, int64) ([]model.Candle, error) {
		return nil, nil
	}

	result, err := f.engine.ManualCheck(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Repaired)
	require.Len(t, f.fetcher.calls, 1)

	// The empty range is remembered; the next check must not refetch it.
	_, err = f.engine.ManualCheck(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, f.fetcher.calls, 1, "ledgered minutes are never refetched")
}

func Test_ManualCheck_InvalidSymbolShortCircuits(t *testing.T) {
	f := newEngineFixture(t, Options{})

	// Empty store: the whole window is missing, triggering a bulk fetch
	// which the exchange rejects outright.
	f.fetcher.respond = func(string, int64, int64) ([]model.Candle, error) {
		return nil, exchange.ErrInvalidSymbol
	}

	_, err := f.engine.ManualCheck(context.Background(), "NOSUCHUSDT")
	require.ErrorIs(t, err, ErrSymbolInvalid)
	require.Len(t, f.fetcher.calls, 1)

	// Blacklisted: subsequent checks issue zero REST calls.
	_, err = f.engine.ManualCheck(context.Background(), "NOSUCHUSDT")
	assert.ErrorIs(t, err, ErrSymbolInvalid)
	assert.Len(t, f.fetcher.calls, 1)
}

func Test_ManualCheck_RefreshRecentAlwaysFetches(t *testing.T) {
	f := newEngineFixture(t, Options{RefreshRecent: 3})

	// Fully populated window: without the refresh pass there is nothing to do.
	f.fillExcept("BTCUSDT")

	f.fetcher.respond = func(symbol string, from, to int64) ([]model.Candle, error) {
		var candles []model.Candle
		for ts := from; ts < to; ts += model.MinuteMs {
			candles = append(candles, testCandle(symbol, ts))
		}
		return candles, nil
	}

	result, err := f.engine.ManualCheck(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	require.Len(t, f.fetcher.calls, 1)
	assert.Equal(t, f.lastDone-2*model.MinuteMs, f.fetcher.calls[0].Start)
	assert.Equal(t, f.lastDone+model.MinuteMs, f.fetcher.calls[0].End)
	assert.Equal(t, 3, result.Repaired)
}

func Test_RunCycle_ChecksAllStoredSymbols(t *testing.T) {
	f := newEngineFixture(t, Options{BatchPause: time.Millisecond, SymbolBatchSize: 1})

	f.fillExcept("BTCUSDT", f.lastDone-3*model.MinuteMs)
	f.fillExcept("ETHUSDT", f.lastDone-7*model.MinuteMs)

	f.fetcher.respond = func(symbol string, from, to int64) ([]model.Candle, error) {
		return []model.Candle{testCandle(symbol, from)}, nil
	}

	f.engine.RunCycle(context.Background())

	assert.Len(t, f.fetcher.calls, 2, "one gap per symbol")
	assert.Empty(t, f.store.FindMissingMinutes("BTCUSDT", f.from+2*model.MinuteMs, f.lastDone))
	assert.Empty(t, f.store.FindMissingMinutes("ETHUSDT", f.from+2*model.MinuteMs, f.lastDone))
}

func Test_New_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "store")

	st := store.New(store.Options{Retention: time.Hour})
	_, err = New(Options{Store: st})
	assert.ErrorContains(t, err, "fetcher")

	_, err = New(Options{Store: st, Fetcher: &fakeFetcher{}})
	assert.ErrorContains(t, err, "retention")

	_, err = New(Options{Store: st, Fetcher: &fakeFetcher{}, Retention: time.Hour})
	assert.NoError(t, err)
}

func Test_Engine_StartStopLifecycle(t *testing.T) {
	st := store.New(store.Options{Retention: time.Hour})
	engine, err := New(Options{Store: st, Fetcher: &fakeFetcher{}, Retention: time.Hour})
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	assert.Error(t, engine.Start(context.Background()), "double start rejected")
	engine.Stop()

	// Stop after stop is a no-op.
	engine.Stop()
}

func Test_Fetch_WrapsInvalidSymbol(t *testing.T) {
	f := newEngineFixture(t, Options{})
	f.fetcher.respond = func(string, int64, int64) ([]model.Candle, error) {
		return nil, errors.New("http 500: internal")
	}

	// Transient failures do not blacklist.
	_, err := f.engine.fetch(context.Background(), "BTCUSDT", f.from, f.lastDone)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSymbolInvalid)
	assert.False(t, f.engine.isInvalid("BTCUSDT"))
}
