package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsTestServer upgrades incoming connections and hands them to serve.
func wsTestServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serve(conn)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func Test_Client_DeliversMessagesToHandler(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("second")))
		// Keep the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 2)

	client, err := NewClient(context.Background(), Config{
		Endpoint: wsURL(server),
		Handler: func(data []byte) error {
			mu.Lock()
			got = append(got, string(data))
			mu.Unlock()
			received <- struct{}{}
			return nil
		},
	})
	require.NoError(t, err)
	defer client.Close()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func Test_Client_AnswersServerPingWithPayload(t *testing.T) {
	pongs := make(chan string, 1)

	server := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.SetPongHandler(func(appData string) error {
			pongs <- appData
			return nil
		})
		require.NoError(t, conn.WriteControl(
			websocket.PingMessage, []byte("liveness-probe"), time.Now().Add(time.Second)))
		// Pongs are only surfaced while a read is in flight.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client, err := NewClient(context.Background(), Config{
		Endpoint: wsURL(server),
		Handler:  func([]byte) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case payload := <-pongs:
		assert.Equal(t, "liveness-probe", payload, "pong must echo the ping payload")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func Test_Client_SignalsDisconnectOnServerClose(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance"),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer server.Close()

	client, err := NewClient(context.Background(), Config{
		Endpoint: wsURL(server),
		Handler:  func([]byte) error { return nil },
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel never closed")
	}
}

func Test_Client_RotatesAfterLifetime(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client, err := NewClient(context.Background(), Config{
		Endpoint: wsURL(server),
		Handler:  func([]byte) error { return nil },
		Lifetime: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("rotation never closed the connection")
	}
}

func Test_Client_CloseReturnsPromptly(t *testing.T) {
	server := wsTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	client, err := NewClient(context.Background(), Config{
		Endpoint: wsURL(server),
		Handler:  func([]byte) error { return nil },
		Lifetime: time.Hour, // rotation watcher armed, as in production
	})
	require.NoError(t, err)

	start := time.Now()
	client.Close()
	assert.Less(t, time.Since(start), time.Second,
		"shutdown must drain immediately, not ride the fallback timeout")

	select {
	case <-client.DisconnectChan():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect channel never closed")
	}
}

func Test_Backoff_DoublesUpToCap(t *testing.T) {
	b := &Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Jitter: func() float64 { return 0 },
	}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		time.Minute,
		time.Minute,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.Next(), "attempt %d", i)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.Next(), "reset restores the seed delay")
}

func Test_Backoff_JitterStaysWithinBounds(t *testing.T) {
	b := &Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Jitter: func() float64 { return 0.999 },
	}

	d := b.Next()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 1300*time.Millisecond, "jitter adds at most 30%")
}
