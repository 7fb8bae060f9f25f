package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeakTsui/future-monitor/internal/integrity"
	"github.com/MeakTsui/future-monitor/internal/model"
	"github.com/MeakTsui/future-monitor/internal/store"
)

// fakeChecker scripts ManualCheck responses.
type fakeChecker struct {
	result integrity.Result
	err    error
	calls  []string
}

func (f *fakeChecker) ManualCheck(_ context.Context, symbol string) (integrity.Result, error) {
	f.calls = append(f.calls, symbol)
	return f.result, f.err
}

func newTestServer(checker *fakeChecker) (*Server, *store.Store) {
	st := store.New(store.Options{Retention: 12 * time.Hour})
	return NewServer(":0", st, checker), st
}

func seedCandle(st *store.Store, symbol string, openTime int64, close string) {
	price := decimal.RequireFromString(close)
	st.SaveCandle(model.Candle{
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
	})
}

func doRequest(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	return rec, doc
}

func Test_Healthz(t *testing.T) {
	s, _ := newTestServer(&fakeChecker{})
	rec, doc := doRequest(t, s, http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", doc["status"])
}

func Test_Symbols(t *testing.T) {
	s, st := newTestServer(&fakeChecker{})
	seedCandle(st, "BTCUSDT", 1_700_000_040_000, "50000")
	seedCandle(st, "ETHUSDT", 1_700_000_040_000, "3000")

	rec, doc := doRequest(t, s, http.MethodGet, "/symbols")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, doc["count"])
	assert.ElementsMatch(t, []any{"BTCUSDT", "ETHUSDT"}, doc["symbols"])
}

func Test_Latest(t *testing.T) {
	s, st := newTestServer(&fakeChecker{})
	seedCandle(st, "BTCUSDT", 1_700_000_040_000, "50000")
	seedCandle(st, "BTCUSDT", 1_700_000_100_000, "50100")

	rec, doc := doRequest(t, s, http.MethodGet, "/klines/BTCUSDT/latest")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1_700_000_100_000, doc["t"])
	assert.Equal(t, "50100", doc["c"])

	rec, doc = doRequest(t, s, http.MethodGet, "/klines/DOGEUSDT/latest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, doc["error"], "no candles")
}

func Test_Range(t *testing.T) {
	s, st := newTestServer(&fakeChecker{})
	base := int64(1_700_000_040_000)
	for i := int64(0); i < 5; i++ {
		seedCandle(st, "BTCUSDT", base+i*model.MinuteMs, "50000")
	}

	path := fmt.Sprintf("/klines/BTCUSDT?from=%d&to=%d", base+model.MinuteMs, base+3*model.MinuteMs)
	rec, doc := doRequest(t, s, http.MethodGet, path)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, doc["count"])

	rec, _ = doRequest(t, s, http.MethodGet, "/klines/BTCUSDT?from=notanumber")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path = fmt.Sprintf("/klines/BTCUSDT?from=%d&to=%d", base+3*model.MinuteMs, base)
	rec, _ = doRequest(t, s, http.MethodGet, path)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func Test_ManualCheckEndpoint(t *testing.T) {
	checker := &fakeChecker{result: integrity.Result{Repaired: 4, Duration: 1500 * time.Millisecond}}
	s, _ := newTestServer(checker)

	rec, doc := doRequest(t, s, http.MethodPost, "/integrity/check/btcusdt")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"BTCUSDT"}, checker.calls, "symbol is normalized before the check")
	assert.EqualValues(t, 4, doc["repaired"])
	assert.EqualValues(t, 1500, doc["durationMs"])
}

func Test_ManualCheckEndpoint_Errors(t *testing.T) {
	checker := &fakeChecker{err: fmt.Errorf("wrapped: %w", integrity.ErrSymbolInvalid)}
	s, _ := newTestServer(checker)

	rec, _ := doRequest(t, s, http.MethodPost, "/integrity/check/BTCUSDT")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	checker.err = errors.New("exchange unavailable")
	rec, doc := doRequest(t, s, http.MethodPost, "/integrity/check/BTCUSDT")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, doc["error"], "exchange unavailable")
}

func Test_InvalidSymbolParam(t *testing.T) {
	s, _ := newTestServer(&fakeChecker{})

	rec, doc := doRequest(t, s, http.MethodGet, "/klines/BTC-PERP/latest")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid symbol", doc["error"])
}
