package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeakTsui/future-monitor/internal/model"
)

// klineRowJSON renders one fixed-position kline array as the exchange does.
func klineRowJSON(openTime int64, closePrice string) string {
	return fmt.Sprintf(`[%d,"50000.0","50100.0","49900.0","%s","12.5",%d,"625000.0",42,"6.0","300000.0","0"]`,
		openTime, closePrice, openTime+59_999)
}

// newKlineServer serves a canned set of candles, honoring startTime/endTime
// and limit query parameters the way the history endpoint does.
func newKlineServer(t *testing.T, candles map[int64]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/klines", r.URL.Path)

		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var rows []string
		for ts := start; ts <= end && len(rows) < limit; ts += model.MinuteMs {
			if price, ok := candles[ts]; ok {
				rows = append(rows, klineRowJSON(ts, price))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, "[")
		for i, row := range rows {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprint(w, row)
		}
		fmt.Fprint(w, "]")
	}))
}

func newTestRestClient(baseURL string) *RestClient {
	return NewRestClient(&RestConfig{
		BaseURL:    baseURL,
		MaxWeight:  10_000,
		Window:     time.Minute,
		Timeout:    2 * time.Second,
		MaxRetries: 3,
	})
}

func Test_GetKlines_DecodesRows(t *testing.T) {
	base := int64(1_700_000_040_000)
	server := newKlineServer(t, map[int64]string{
		base:                 "50050.5",
		base + model.MinuteMs: "50060.0",
	})
	defer server.Close()

	client := newTestRestClient(server.URL)
	candles, err := client.GetKlines(context.Background(), "BTCUSDT", "1m", base, base+model.MinuteMs, 100)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, "BTCUSDT", candles[0].Symbol)
	assert.Equal(t, base, candles[0].OpenTime)
	assert.Equal(t, "50050.5", candles[0].Close.String())
	assert.Equal(t, "625000", candles[0].QuoteVolume.String())
	assert.Equal(t, int64(42), candles[0].TradeCount)
	assert.True(t, candles[0].Closed, "history candles are closed by definition")
}

func Test_GetKlinesRange_StopsOnShortPage(t *testing.T) {
	base := int64(1_700_000_040_000)
	available := map[int64]string{}
	for i := int64(0); i < 5; i++ {
		available[base+i*model.MinuteMs] = "100"
	}
	server := newKlineServer(t, available)
	defer server.Close()

	client := newTestRestClient(server.URL)

	// Request far more than exists; the short first page ends the loop.
	candles, err := client.GetKlinesRange(context.Background(), "BTCUSDT", "1m", base, base+1_000*model.MinuteMs)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
}

func Test_GetKlinesRange_EmptyRange(t *testing.T) {
	server := newKlineServer(t, nil)
	defer server.Close()

	client := newTestRestClient(server.URL)
	candles, err := client.GetKlinesRange(context.Background(), "BTCUSDT", "1m", 1_700_000_040_000, 1_700_000_100_000)
	require.NoError(t, err)
	assert.Empty(t, candles)
}

func Test_GetKlines_InvalidSymbolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	_, err := client.GetKlines(context.Background(), "NOSUCHUSDT", "1m", 0, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
}

func Test_GetKlinesWithRetry_DoesNotRetryInvalidSymbol(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	_, err := client.GetKlinesWithRetry(context.Background(), "NOSUCHUSDT", "1m", 1_700_000_040_000, 1_700_000_100_000)
	assert.ErrorIs(t, err, ErrInvalidSymbol)
	assert.Equal(t, 1, calls, "definitive rejections must not be retried")
}

func Test_GetKlinesWithRetry_RetriesTransientErrors(t *testing.T) {
	base := int64(1_700_000_040_000)
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, "[%s]", klineRowJSON(base, "101"))
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	candles, err := client.GetKlinesWithRetry(context.Background(), "BTCUSDT", "1m", base, base+model.MinuteMs)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 2, calls, "first failure retried once")
}

func Test_GetKlinesWithRetry_StopsOnExpiredDeadline(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	client := newTestRestClient(server.URL)
	_, err := client.GetKlinesWithRetry(ctx, "BTCUSDT", "1m", 1_700_000_040_000, 1_700_000_100_000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.LessOrEqual(t, calls, 1, "a dead context must not be retried against")
}

func Test_FetchPerpetualSymbols_FiltersContracts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","contractType":"PERPETUAL","quoteAsset":"USDT"},
			{"symbol":"BTCUSDT_240628","contractType":"CURRENT_QUARTER","quoteAsset":"USDT"},
			{"symbol":"ETHBTC","contractType":"PERPETUAL","quoteAsset":"BTC"},
			{"symbol":"ETHUSDT","contractType":"PERPETUAL","quoteAsset":"USDT"}
		]}`)
	}))
	defer server.Close()

	client := newTestRestClient(server.URL)
	symbols, err := client.FetchPerpetualSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}
