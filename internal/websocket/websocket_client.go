// Package websocket provides a robust WebSocket client for long-lived
// exchange market-data connections.
//
// The client owns the lifecycle of exactly one connection: dialing,
// heartbeat pings, server-ping replies, proactive lifetime rotation and
// graceful shutdown. Reconnection policy deliberately lives one level up,
// in the ingestion manager, which routes every close (planned or not)
// through the same backoff path.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod defines the default interval for client heartbeat pings.
	defaultPingPeriod = 120 * time.Second

	// defaultSendTimeout defines the default timeout for WebSocket write operations.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit defines the maximum size of incoming WebSocket messages.
	defaultReadLimit = 1 << 20 // 1MB

	// defaultHandshakeTimeout defines the maximum time allowed for WebSocket handshake.
	defaultHandshakeTimeout = 10 * time.Second
)

// Common errors returned by the WebSocket client
var (
	// ErrClientShuttingDown indicates that the client is in the process of shutting down.
	ErrClientShuttingDown = errors.New("client is shutting down")
)

// Config defines settings for the WebSocket client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to.
	// Required: This field must be provided and non-empty.
	Endpoint string

	// Handler is the function called for each incoming WebSocket message.
	// Required: This field must be provided and non-nil. Handler errors are
	// logged and the message dropped; they never terminate the connection.
	Handler func([]byte) error

	// TLSInsecureSkip disables TLS certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the interval between client heartbeat pings.
	PingPeriod time.Duration

	// SendTimeout is the maximum time allowed for WebSocket write operations.
	SendTimeout time.Duration

	// Lifetime, when positive, closes the connection proactively after the
	// given duration. Exchanges enforce a hard per-connection timeout;
	// rotating shortly before it turns a surprise disconnect into a
	// scheduled one.
	Lifetime time.Duration
}

// Client wraps a websocket.Conn with lifecycle and message handling logic.
//
// The Client manages the complete lifecycle of a single connection from
// establishment through message processing to shutdown. It does not
// reconnect; consumers watch DisconnectChan and open a replacement.
type Client struct {
	// conn stores the active WebSocket connection using atomic operations.
	conn atomic.Value // stores *websocket.Conn

	// disconnect signals when the WebSocket connection is lost.
	disconnect chan struct{}

	// errChan reports fatal errors that cause connection termination.
	errChan chan error

	// cfg holds the client configuration.
	cfg *Config

	// ctx is the cancellation context for coordinating shutdown.
	ctx context.Context

	// cancel is the function to trigger context cancellation.
	cancel context.CancelFunc

	// once ensures Close() is only executed once.
	once sync.Once

	// wg coordinates goroutine shutdown.
	wg sync.WaitGroup
}

// NewClient returns a configured WebSocket client with a live connection.
//
// This function validates the configuration, dials the endpoint, installs
// the ping/pong handlers and starts all background goroutines. On return
// the read loop is consuming messages and, when a lifetime is configured,
// the rotation timer is armed.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	// Validate required configuration fields
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	// Apply defaults for optional fields
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	// Create cancellable context for client lifecycle
	ctx, cancel := context.WithCancel(ctx)

	// Initialize client structure
	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
	}

	// Start client and establish connection
	if err := client.run(); err != nil {
		cancel() // Clean up context on failure
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

// run establishes the WebSocket connection and manages lifecycle.
//
// This internal method handles the core client initialization process:
// connection establishment, control-frame handler setup and goroutine
// startup. It's called once during client creation.
func (c *Client) run() error {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "run").
		Logger()

	logger.Info().Msg("starting WebSocket client")

	// Establish WebSocket connection
	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}

	// Store connection atomically for thread-safe access
	c.conn.Store(conn)

	// Configure connection parameters
	conn.SetReadLimit(defaultReadLimit)

	// The server expects its pings answered with a pong carrying the same
	// payload; each ping also proves liveness, so extend the read deadline.
	conn.SetPingHandler(func(appData string) error {
		if err := c.extendReadDeadline(conn); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in ping handler")
		}
		deadline := time.Now().Add(c.cfg.SendTimeout)
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			logger.Warn().Err(err).Msg("failed to answer server ping")
		}
		return nil
	})

	conn.SetPongHandler(func(appData string) error {
		// Update read deadline when pong is received
		if err := c.extendReadDeadline(conn); err != nil {
			logger.Warn().Err(err).Msg("failed to set read deadline in pong handler")
		}
		return nil
	})

	// Start background goroutines with WaitGroup tracking. The lifetime
	// watcher stays outside the WaitGroup: it calls Close itself, and Close
	// waits on the WaitGroup, so tracking it would make every shutdown wait
	// on its own caller until the fallback timeout fires.
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()
	go c.lifetimeWatcher()

	return nil
}

// extendReadDeadline pushes the read deadline two heartbeat periods out.
func (c *Client) extendReadDeadline(conn *websocket.Conn) error {
	return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
}

// readLoop continuously reads messages from the WebSocket connection.
//
// This method runs in its own goroutine and forms the core of the client's
// message processing capability. It reads messages from the WebSocket
// connection and delegates processing to the configured Handler function.
func (c *Client) readLoop() {
	conn := c.conn.Load().(*websocket.Conn)
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "readLoop").
		Logger()

	logger.Info().Msg("starting read loop")
	defer func() {
		logger.Info().Msg("read loop exiting")
		close(c.disconnect) // Signal disconnect to consumers

		// Try to send error if channel not full
		select {
		case c.errChan <- ErrClientShuttingDown:
		default:
			logger.Debug().Msg("error channel full, skipping error send")
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			logger.Info().Msg("context cancelled, exiting read loop")
			return
		default:
			// Read message from WebSocket
			_, data, err := conn.ReadMessage()
			if err != nil {
				// Categorize and log different error types
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info().Err(err).Msg("websocket closed normally")
				} else if websocket.IsUnexpectedCloseError(err) {
					logger.Warn().Err(err).Msg("unexpected websocket closure")
				} else {
					logger.Error().Err(err).Msg("read error")
				}

				// Try to send error if channel not full
				select {
				case c.errChan <- err:
				default:
					logger.Warn().Err(err).Msg("error channel full, dropping error")
				}
				return
			}

			func() {
				// Recover from handler panics to prevent client crash
				defer func() {
					if r := recover(); r != nil {
						logger.Error().Any("recover", r).Msg("panic in message handler")
					}
				}()

				if err := c.cfg.Handler(data); err != nil {
					logger.Debug().Err(err).Msg("dropping unhandled message")
				}
			}()
		}
	}
}

// pingLoop sends periodic ping messages to keep the connection alive.
//
// This method runs in its own goroutine and implements the WebSocket
// keepalive mechanism. It sends ping messages at regular intervals
// to detect connection failures and prevent idle timeouts.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "pingLoop").
		Logger()

	logger.Info().Dur("period", c.cfg.PingPeriod).Msg("starting ping loop")
	defer logger.Info().Msg("ping loop exiting")

	for {
		select {
		case <-ticker.C:
			// Get connection safely on each iteration
			connVal := c.conn.Load()
			if connVal == nil {
				logger.Debug().Msg("connection not available for ping")
				continue
			}
			conn := connVal.(*websocket.Conn)

			// Send ping message with bounded write deadline
			deadline := time.Now().Add(c.cfg.SendTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warn().Err(err).Msg("ping error")
			} else {
				logger.Debug().Msg("ping sent")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// lifetimeWatcher closes the connection once its configured lifetime
// elapses, or when the context is cancelled, whichever happens first.
func (c *Client) lifetimeWatcher() {
	var rotate <-chan time.Time
	if c.cfg.Lifetime > 0 {
		timer := time.NewTimer(c.cfg.Lifetime)
		defer timer.Stop()
		rotate = timer.C
	}

	select {
	case <-rotate:
		log.Info().
			Str("endpoint", c.cfg.Endpoint).
			Dur("lifetime", c.cfg.Lifetime).
			Msg("connection lifetime reached, rotating")
		c.Close()
	case <-c.ctx.Done():
		log.Info().Msg("context cancelled, shutting down WebSocket client")
		c.Close()
	}
}

// Close gracefully shuts down the client.
//
// This method implements a comprehensive shutdown procedure that ensures
// all resources are properly cleaned up and all goroutines terminate
// gracefully. It can be called multiple times safely.
func (c *Client) Close() {
	c.once.Do(func() {
		logger := log.With().
			Str("endpoint", c.cfg.Endpoint).
			Str("component", "close").
			Logger()

		logger.Info().Msg("initiating graceful shutdown")

		// First cancel context to signal all goroutines
		c.cancel()

		// Then close the websocket connection
		if conn := c.conn.Load(); conn != nil {
			if ws, ok := conn.(*websocket.Conn); ok {
				// Send close frame with normal closure code
				if err := ws.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second),
				); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
					logger.Warn().Err(err).Msg("failed to send close frame")
				}

				// Close underlying connection
				if err := ws.Close(); err != nil {
					logger.Warn().Err(err).Msg("error closing websocket connection")
				}
			}
		}

		// Wait for all goroutines to complete
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info().Msg("all goroutines completed")
		case <-time.After(5 * time.Second):
			logger.Warn().Msg("timeout waiting for goroutines to complete")
		}

		logger.Info().Msg("shutdown complete")
	})
}

// dial establishes a WebSocket connection.
//
// This method creates a WebSocket connection to the configured endpoint
// using appropriate settings for cryptocurrency exchange communication.
// It handles proxy configuration, TLS settings, and connection timeouts.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Bool("tlsInsecureSkip", c.cfg.TLSInsecureSkip).
		Dur("handshakeTimeout", defaultHandshakeTimeout).
		Logger()

	logger.Info().Msg("attempting websocket connection")

	// Configure WebSocket dialer
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	// Establish connection
	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		// Log detailed error information
		if resp != nil {
			logger.Error().
				Err(err).
				Int("statusCode", resp.StatusCode).
				Str("status", resp.Status).
				Msg("connection failed")
		} else {
			logger.Error().Err(err).Msg("connection failed")
		}
		return nil, err
	}

	logger.Info().Msg("websocket connection established")
	return conn, nil
}

// DisconnectChan returns a channel that is closed when the client disconnects.
//
// This method provides a way for consumers to monitor the connection status
// and react to disconnection events. The returned channel is closed when
// the WebSocket connection is lost for any reason, planned rotation included.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan returns a channel that emits any terminal read errors.
//
// This method provides access to detailed error information when the
// WebSocket connection encounters problems. Errors are sent to this
// channel when they cause connection termination or other serious issues.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}

// Backoff computes reconnect delays for consumers that reopen connections.
//
// Delays double from Min up to Max with up to 30% random jitter applied on
// top, so a fleet of connections lost at the same moment does not stampede
// the endpoint when it recovers.
type Backoff struct {
	// Min seeds the delay sequence. Defaults to one second.
	Min time.Duration

	// Max caps the delay. Defaults to one minute.
	Max time.Duration

	// Jitter returns a random float64 in [0,1). Defaults to math/rand.
	Jitter func() float64

	attempt int
}

// Next returns the delay to wait before the upcoming reconnect attempt.
func (b *Backoff) Next() time.Duration {
	min := b.Min
	if min <= 0 {
		min = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}

	d := min << b.attempt
	if d <= 0 || d > max { // shift overflow or cap reached
		d = max
	} else {
		b.attempt++
	}

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d += time.Duration(float64(d) * 0.3 * jitter())
	if d > max {
		d = max
	}
	return d
}

// Reset restores the delay sequence to its seed after a healthy connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
