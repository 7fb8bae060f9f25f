package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/model"
)

const (
	// maxKlinesPerRequest is the largest row count one klines call may return.
	maxKlinesPerRequest = 1500

	// defaultRequestTimeout bounds every REST call client-side.
	defaultRequestTimeout = 10 * time.Second

	// pagePause is the small delay between pagination pages, independent of
	// the weight budget, to avoid request concentration.
	pagePause = 100 * time.Millisecond
)

// Errors returned by the REST client.
var (
	// ErrInvalidSymbol indicates the exchange rejected the symbol as unknown
	// or suspended. Callers blacklist the symbol instead of retrying.
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// invalid-symbol error codes per the exchange API documentation.
const (
	codeInvalidSymbol    = -1121
	codeInvalidParameter = -1122
)

// RestConfig configures the REST history client.
type RestConfig struct {
	// BaseURL is the REST endpoint root, e.g. "https://fapi.binance.com".
	BaseURL string

	// MaxWeight and Window define the rate budget shared by all requests.
	MaxWeight int
	Window    time.Duration

	// Timeout is the per-request client-side timeout.
	Timeout time.Duration

	// MaxRetries bounds the retry loop around paginated fetches.
	MaxRetries int
}

// defaultRestConfig provides sensible defaults for the futures REST API.
var defaultRestConfig = RestConfig{
	BaseURL:    "https://fapi.binance.com",
	MaxWeight:  2000,
	Window:     time.Minute,
	Timeout:    defaultRequestTimeout,
	MaxRetries: 3,
}

// RestClient fetches historical candles under a shared weight budget.
type RestClient struct {
	cfg     RestConfig
	httpc   *http.Client
	limiter *RateLimiter
}

// NewRestClient creates a REST history client, applying defaults for any
// zero-valued configuration field.
func NewRestClient(cfg *RestConfig) *RestClient {
	merged := defaultRestConfig
	if cfg != nil {
		if cfg.BaseURL != "" {
			merged.BaseURL = cfg.BaseURL
		}
		if cfg.MaxWeight > 0 {
			merged.MaxWeight = cfg.MaxWeight
		}
		if cfg.Window > 0 {
			merged.Window = cfg.Window
		}
		if cfg.Timeout > 0 {
			merged.Timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			merged.MaxRetries = cfg.MaxRetries
		}
	}

	return &RestClient{
		cfg:     merged,
		httpc:   &http.Client{Timeout: merged.Timeout},
		limiter: NewRateLimiter(merged.MaxWeight, merged.Window),
	}
}

// apiError is the exchange's JSON error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// GetKlines fetches a single page of candles for the symbol.
//
// startTime/endTime are Unix-ms bounds (zero means unset); limit is clamped
// to the exchange maximum. The call consumes rate-limiter weight according
// to the documented tier for the requested row count.
//
// Candles returned by the history endpoint describe fully elapsed minutes,
// so they are marked Closed.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}

	if err := c.limiter.Wait(ctx, WeightForLimit(limit)); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	if endTime > 0 {
		params.Set("endTime", strconv.FormatInt(endTime, 10))
	}

	reqURL := fmt.Sprintf("%s/fapi/v1/klines?%s", c.cfg.BaseURL, params.Encode())
	body, err := c.get(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decoding klines response: %w", err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(symbol, row)
		if err != nil {
			return nil, fmt.Errorf("parsing kline row for %s: %w", symbol, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// GetKlinesRange fetches an arbitrary [startTime, endTime) range, splitting
// it into pages of at most 1500 rows.
//
// Each page starts one interval after the last returned open time. The loop
// stops early on an empty or short page, which signals the live edge of the
// data (or a hole the caller will handle).
func (c *RestClient) GetKlinesRange(ctx context.Context, symbol, interval string, startTime, endTime int64) ([]model.Candle, error) {
	intervalMs := intervalToMs(interval)
	span := int64(maxKlinesPerRequest) * intervalMs

	var all []model.Candle
	currentStart := startTime

	for currentStart < endTime {
		currentEnd := currentStart + span
		if currentEnd > endTime {
			currentEnd = endTime
		}

		page, err := c.GetKlines(ctx, symbol, interval, currentStart, currentEnd, maxKlinesPerRequest)
		if err != nil {
			return nil, fmt.Errorf("fetching %s range [%d, %d): %w", symbol, currentStart, currentEnd, err)
		}
		if len(page) == 0 {
			break
		}

		all = append(all, page...)
		currentStart = page[len(page)-1].OpenTime + intervalMs

		if len(page) < maxKlinesPerRequest {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pagePause):
		}
	}

	log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("count", len(all)).
		Int64("from", startTime).
		Int64("to", endTime).
		Msg("paginated kline fetch complete")
	return all, nil
}

// GetKlinesWithRetry wraps GetKlinesRange with exponential backoff.
//
// Transient failures are retried up to the configured attempt count with a
// doubling delay capped at ten seconds; the last error propagates once the
// attempts are exhausted. Invalid-symbol rejections are definitive and are
// returned immediately.
func (c *RestClient) GetKlinesWithRetry(ctx context.Context, symbol, interval string, startTime, endTime int64) ([]model.Candle, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		candles, err := c.GetKlinesRange(ctx, symbol, interval, startTime, endTime)
		if err == nil {
			return candles, nil
		}
		if errors.Is(err, ErrInvalidSymbol) {
			return nil, err
		}
		// A dead parent context makes further attempts pointless. Checked on
		// the context itself rather than the returned error: a per-request
		// HTTP timeout also unwraps to DeadlineExceeded and that one is
		// exactly the transient case retries exist for.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		delay := time.Second << uint(attempt)
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		log.Warn().
			Str("symbol", symbol).
			Int("attempt", attempt+1).
			Int("maxRetries", c.cfg.MaxRetries).
			Dur("delay", delay).
			Err(err).
			Msg("kline fetch failed, will retry")

		if attempt < c.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return nil, lastErr
}

// exchangeInfo is the subset of the instrument-list response we consume.
type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		ContractType string `json:"contractType"`
		QuoteAsset   string `json:"quoteAsset"`
	} `json:"symbols"`
}

// FetchPerpetualSymbols returns all USDT-quoted perpetual contract symbols.
//
// This establishes the baseline symbol universe at startup; total failure
// here (with no configured whitelist) is process-fatal for the monitor.
func (c *RestClient) FetchPerpetualSymbols(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, c.cfg.BaseURL+"/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decoding exchange info: %w", err)
	}

	var symbols []string
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.QuoteAsset == "USDT" {
			symbols = append(symbols, s.Symbol)
		}
	}
	return symbols, nil
}

// get issues a GET request and returns the response body, translating the
// exchange's error envelope into typed errors.
func (c *RestClient) get(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil &&
			(apiErr.Code == codeInvalidSymbol || apiErr.Code == codeInvalidParameter) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, apiErr.Msg)
		}
		log.Warn().Str("url", reqURL).Int("status", resp.StatusCode).Msg("exchange REST request failed")
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// parseKlineRow decodes one fixed-position kline array.
//
// Row layout: [openTime, open, high, low, close, volume, closeTime,
// quoteVolume, tradeCount, ...]; numeric prices arrive as strings.
func parseKlineRow(symbol string, row []json.RawMessage) (model.Candle, error) {
	if len(row) < 9 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields, want at least 9", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return model.Candle{}, fmt.Errorf("open time: %w", err)
	}

	prices := make([]decimal.Decimal, 4)
	for i := 1; i <= 4; i++ {
		v, err := decimalField(row[i])
		if err != nil {
			return model.Candle{}, fmt.Errorf("price field %d: %w", i, err)
		}
		prices[i-1] = v
	}

	volume, err := decimalField(row[5])
	if err != nil {
		return model.Candle{}, fmt.Errorf("volume: %w", err)
	}
	quoteVolume, err := decimalField(row[7])
	if err != nil {
		return model.Candle{}, fmt.Errorf("quote volume: %w", err)
	}

	var tradeCount int64
	if err := json.Unmarshal(row[8], &tradeCount); err != nil {
		return model.Candle{}, fmt.Errorf("trade count: %w", err)
	}

	return model.Candle{
		Symbol:      symbol,
		OpenTime:    openTime,
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      volume,
		QuoteVolume: quoteVolume,
		TradeCount:  tradeCount,
		Closed:      true,
	}, nil
}

// decimalField decodes a JSON string field into a decimal.
func decimalField(raw json.RawMessage) (decimal.Decimal, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}

// intervalToMs maps a kline interval string to its bucket width.
func intervalToMs(interval string) int64 {
	switch interval {
	case "1m":
		return 60_000
	case "3m":
		return 180_000
	case "5m":
		return 300_000
	case "15m":
		return 900_000
	case "30m":
		return 1_800_000
	case "1h":
		return 3_600_000
	case "4h":
		return 14_400_000
	case "1d":
		return 86_400_000
	default:
		return 60_000
	}
}
