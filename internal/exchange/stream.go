package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/MeakTsui/future-monitor/internal/model"
)

// streamMsg is the outer wrapper of a combined-stream message.
//
// The exchange multiplexes many per-symbol streams over one connection and
// wraps each event in an envelope identifying the source stream:
//
//	{
//		"stream": "btcusdt@kline_1m",
//		"data": { "e": "kline", "E": 1700000000123, "s": "BTCUSDT", "k": {...} }
//	}
type streamMsg struct {
	Stream string          `json:"stream" validate:"required"`
	Data   json.RawMessage `json:"data" validate:"required"`
}

// klineEvent is the inner event carrying the running kline state.
type klineEvent struct {
	EventType string      `json:"e" validate:"required,eq=kline"`
	EventTime int64       `json:"E" validate:"required,gt=0"`
	Symbol    string      `json:"s" validate:"required"`
	Kline     klinePayload `json:"k" validate:"required"`
}

// klinePayload maps the exchange's kline fields. Numeric values arrive as
// strings to preserve precision; the decoder converts them to decimals.
type klinePayload struct {
	OpenTime    int64  `json:"t" validate:"required,gt=0"`
	CloseTime   int64  `json:"T" validate:"required,gt=0"`
	Symbol      string `json:"s" validate:"required"`
	Interval    string `json:"i" validate:"required"`
	Open        string `json:"o" validate:"required,numeric"`
	Close       string `json:"c" validate:"required,numeric"`
	High        string `json:"h" validate:"required,numeric"`
	Low         string `json:"l" validate:"required,numeric"`
	Volume      string `json:"v" validate:"required,numeric"`
	TradeCount  int64  `json:"n" validate:"gte=0"`
	Closed      bool   `json:"x"`
	QuoteVolume string `json:"q" validate:"required,numeric"`
}

// StreamDecoder parses combined-stream kline messages into normalized
// updates, validating payloads before any conversion.
type StreamDecoder struct {
	validate *validator.Validate
}

// NewStreamDecoder creates a decoder with its own validator instance.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{validate: validator.New()}
}

// Decode parses a raw combined-stream message into a KlineUpdate.
//
// Malformed or non-kline messages yield an error; the caller logs and drops
// them without affecting other symbols on the connection.
func (d *StreamDecoder) Decode(raw []byte) (model.KlineUpdate, error) {
	var m streamMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.KlineUpdate{}, fmt.Errorf("invalid stream envelope: %w", err)
	}

	var ev klineEvent
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		return model.KlineUpdate{}, fmt.Errorf("invalid kline event: %w", err)
	}

	if err := d.validate.Struct(&ev); err != nil {
		return model.KlineUpdate{}, fmt.Errorf("kline event validation: %w", err)
	}

	k := ev.Kline
	fields := [...]string{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume}
	values := make([]decimal.Decimal, len(fields))
	for i, s := range fields {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.KlineUpdate{}, fmt.Errorf("kline numeric field %d: %w", i, err)
		}
		values[i] = v
	}

	return model.KlineUpdate{
		Symbol:      k.Symbol,
		OpenTime:    k.OpenTime,
		CloseTime:   k.CloseTime,
		Open:        values[0],
		High:        values[1],
		Low:         values[2],
		Close:       values[3],
		Volume:      values[4],
		QuoteVolume: values[5],
		TradeCount:  k.TradeCount,
		Closed:      k.Closed,
		EventTime:   time.UnixMilli(ev.EventTime),
	}, nil
}

// CombinedStreamURL builds the combined kline-stream URL for a symbol shard.
//
// The exchange expects lower-case symbols joined as
// "<base>/stream?streams=btcusdt@kline_1m/ethusdt@kline_1m/...".
func CombinedStreamURL(wsBaseURL string, symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@kline_1m")
	}
	return fmt.Sprintf("%s/stream?streams=%s", wsBaseURL, strings.Join(streams, "/"))
}
