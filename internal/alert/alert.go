// Package alert is the delivery boundary for surge notifications.
//
// It defines the payload schema, the sink abstraction with console and
// webhook implementations, and the dispatcher that fans a notification out
// to every configured sink. Delivery failures are logged and never block
// the caller's evaluation cycle.
package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PayloadVersion identifies the notification schema.
const PayloadVersion = "1"

// Metrics carries the numeric facts behind a notification.
type Metrics struct {
	TurnoverUsd  decimal.Decimal  `json:"turnoverUsd"`
	ThresholdUsd decimal.Decimal  `json:"thresholdUsd"`
	LastPrice    decimal.Decimal  `json:"lastPrice"`
	PrevPrice    decimal.Decimal  `json:"prevPrice"`
	DeltaPct     decimal.Decimal  `json:"deltaPct"`
	MarketCapUsd *decimal.Decimal `json:"marketCapUsd,omitempty"`
}

// Payload is the structured notification document sent alongside the
// human-readable text.
type Payload struct {
	ID            string            `json:"id"`
	Version       string            `json:"version"`
	Source        string            `json:"source"`
	Strategy      string            `json:"strategy"`
	Symbol        string            `json:"symbol"`
	Reason        string            `json:"reason"`
	WindowMinutes int               `json:"windowMinutes"`
	Severity      string            `json:"severity"`
	Metrics       Metrics           `json:"metrics"`
	Links         map[string]string `json:"links,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	Timestamp     time.Time         `json:"ts"`
}

// NewPayload creates a payload with a fresh ID, the schema version and the
// current timestamp filled in.
func NewPayload(strategy, symbol, reason string) *Payload {
	return &Payload{
		ID:       uuid.New().String(),
		Version:  PayloadVersion,
		Source:   "future-monitor",
		Strategy: strategy,
		Symbol:   symbol,
		Reason:   reason,
		Links: map[string]string{
			"futures": BuildFuturesURL(symbol),
		},
		Timestamp: time.Now().UTC(),
	}
}

// Sink delivers one notification to a single destination.
type Sink interface {
	// Name identifies the sink in logs.
	Name() string

	// Send delivers the notification. Errors are reported to the dispatcher
	// which logs them; a failing sink never affects its siblings.
	Send(ctx context.Context, text string, payload *Payload) error
}

// ConsoleSink writes notifications to the structured log. It is the default
// destination when no webhook is configured.
type ConsoleSink struct{}

// Name implements Sink.
func (ConsoleSink) Name() string { return "console" }

// Send implements Sink.
func (ConsoleSink) Send(_ context.Context, text string, payload *Payload) error {
	log.Info().
		Str("component", "alert").
		Str("symbol", payload.Symbol).
		Str("reason", payload.Reason).
		Str("turnover", payload.Metrics.TurnoverUsd.String()).
		Msg(text)
	return nil
}

// WebhookSink POSTs notifications as JSON to a configured URL. The document
// is the payload with the rendered text folded in as a top-level field.
type WebhookSink struct {
	url   string
	httpc *http.Client
}

// NewWebhookSink creates a webhook sink for the given URL.
func NewWebhookSink(url string) (*WebhookSink, error) {
	if url == "" {
		return nil, errors.New("webhook URL is required")
	}
	return &WebhookSink{
		url:   url,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, text string, payload *Payload) error {
	doc := struct {
		Text string `json:"text"`
		*Payload
	}{Text: text, Payload: payload}

	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encoding webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned http %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher fans one notification out to all configured sinks.
type Dispatcher struct {
	sinks []Sink
}

// NewDispatcher builds a dispatcher from provider configurations. Unknown
// provider names are logged and skipped. With no usable providers the
// dispatcher falls back to the console sink so notifications are never
// silently lost.
func NewDispatcher(providers []ProviderConfig) *Dispatcher {
	logger := log.With().Str("component", "alert").Logger()

	var sinks []Sink
	for _, p := range providers {
		switch p.Provider {
		case "console":
			sinks = append(sinks, ConsoleSink{})
		case "webhook":
			sink, err := NewWebhookSink(p.URL)
			if err != nil {
				logger.Warn().Err(err).Msg("skipping misconfigured webhook sink")
				continue
			}
			sinks = append(sinks, sink)
		default:
			logger.Warn().Str("provider", p.Provider).Msg("unknown alert provider, skipping")
		}
	}

	if len(sinks) == 0 {
		sinks = []Sink{ConsoleSink{}}
	}
	return &Dispatcher{sinks: sinks}
}

// NewDispatcherWithSinks builds a dispatcher over explicit sinks, bypassing
// provider resolution. Used when sinks are constructed programmatically.
func NewDispatcherWithSinks(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// ProviderConfig selects and parameterizes one sink.
type ProviderConfig struct {
	Provider string
	URL      string
}

// Dispatch sends the notification to every sink, logging failures.
func (d *Dispatcher) Dispatch(ctx context.Context, text string, payload *Payload) {
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, text, payload); err != nil {
			log.Warn().
				Str("component", "alert").
				Str("sink", sink.Name()).
				Str("symbol", payload.Symbol).
				Err(err).
				Msg("notification delivery failed")
		}
	}
}
