// Package ingest runs the live kline ingestion pipeline.
//
// The manager shards the symbol universe across combined-stream WebSocket
// connections, decodes every kline update, writes candles through the
// store's throttled upsert path and feeds the surge evaluator. Each shard
// owns an independent reconnect state machine, so one flapping connection
// never disturbs its siblings.
package ingest

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
	"github.com/MeakTsui/future-monitor/internal/websocket"
)

const (
	// defaultMaxPerSocket caps how many symbols share one connection.
	defaultMaxPerSocket = 80

	// shardStagger spaces out the initial shard connects so the exchange
	// never sees a burst of simultaneous handshakes.
	shardStagger = 500 * time.Millisecond
)

// Sink consumes decoded kline updates downstream of the store write.
type Sink interface {
	OnUpdate(ctx context.Context, u model.KlineUpdate)
}

// Options configures a Manager.
type Options struct {
	// WSBaseURL is the exchange's websocket origin, e.g. "wss://fstream.binance.com".
	WSBaseURL string

	// Symbols is the universe to subscribe, already validated and normalized.
	Symbols []string

	// MaxPerSocket caps symbols per connection. Defaults to 80.
	MaxPerSocket int

	// Heartbeat is the client ping interval passed to each connection.
	Heartbeat time.Duration

	// Rotate is the proactive connection lifetime passed to each connection.
	Rotate time.Duration

	// Store receives every decoded candle through its throttled upsert.
	Store *store.Store

	// Evaluator receives every decoded update after the store write.
	Evaluator Sink
}

// Manager owns the shard goroutines and their connection lifecycles.
type Manager struct {
	opts    Options
	decoder *exchange.StreamDecoder

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager validates options and builds a manager. It does not connect;
// call Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.WSBaseURL == "" {
		return nil, errors.New("websocket base URL is required")
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.New("at least one symbol is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Evaluator == nil {
		return nil, errors.New("evaluator sink is required")
	}
	if opts.MaxPerSocket <= 0 {
		opts.MaxPerSocket = defaultMaxPerSocket
	}
	return &Manager{
		opts:    opts,
		decoder: exchange.NewStreamDecoder(),
	}, nil
}

// Start shards the universe and launches one connection state machine per
// shard, staggered so handshakes do not burst. Safe against double starts.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("ingestion manager already started")
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	shards := shardSymbols(m.opts.Symbols, m.opts.MaxPerSocket)
	log.Info().
		Str("component", "ingest").
		Int("symbols", len(m.opts.Symbols)).
		Int("shards", len(shards)).
		Msg("starting ingestion")

	for i, shard := range shards {
		m.wg.Add(1)
		go func(index int, symbols []string) {
			defer m.wg.Done()
			m.runShard(index, symbols)
		}(i, shard)
	}
	return nil
}

// Stop cancels all shards and waits for them to exit.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()
	log.Info().Str("component", "ingest").Msg("ingestion stopped")
}

// runShard is the per-shard connection state machine: stagger, connect,
// serve until disconnect, back off, repeat. Rotation closes the connection
// from inside the client and re-enters here through the same path as a
// failure, just with a fresh backoff.
func (m *Manager) runShard(index int, symbols []string) {
	logger := log.With().
		Str("component", "ingest").
		Int("shard", index).
		Int("symbols", len(symbols)).
		Logger()

	if !m.sleep(time.Duration(index) * shardStagger) {
		return
	}

	endpoint := exchange.CombinedStreamURL(m.opts.WSBaseURL, symbols)
	backoff := &websocket.Backoff{Min: time.Second, Max: time.Minute}

	for {
		client, err := websocket.NewClient(m.ctx, websocket.Config{
			Endpoint:   endpoint,
			Handler:    m.handleMessage,
			PingPeriod: m.opts.Heartbeat,
			Lifetime:   m.opts.Rotate,
		})
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			logger.Warn().Err(err).Dur("retryIn", delay).Msg("connect failed")
			if !m.sleep(delay) {
				return
			}
			continue
		}

		logger.Info().Msg("shard connected")
		connectedAt := time.Now()

		select {
		case <-m.ctx.Done():
			client.Close()
			return
		case <-client.DisconnectChan():
		}

		// A connection that held for a while earns a fresh backoff; a
		// connection that died immediately keeps climbing the ladder.
		if time.Since(connectedAt) > time.Minute {
			backoff.Reset()
		}

		if m.ctx.Err() != nil {
			return
		}
		delay := backoff.Next()
		logger.Info().Dur("retryIn", delay).Msg("shard disconnected, reconnecting")
		if !m.sleep(delay) {
			return
		}
	}
}

// sleep waits d or until shutdown, reporting whether the wait completed.
func (m *Manager) sleep(d time.Duration) bool {
	if d <= 0 {
		return m.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// handleMessage decodes one raw stream message and routes it downstream.
// Decode errors propagate to the client, which logs and drops the message.
func (m *Manager) handleMessage(raw []byte) error {
	update, err := m.decoder.Decode(raw)
	if err != nil {
		return fmt.Errorf("decoding stream message: %w", err)
	}

	m.opts.Store.SaveCandle(update.Candle())
	m.opts.Evaluator.OnUpdate(m.ctx, update)
	return nil
}

// shardSymbols splits the universe into groups of at most size symbols,
// preserving order.
func shardSymbols(symbols []string, size int) [][]string {
	var shards [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		shards = append(shards, symbols[start:end])
	}
	return shards
}
