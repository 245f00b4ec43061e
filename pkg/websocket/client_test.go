package websocket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/pkg/logging"
	"perparb/pkg/websocket"
)

var upgrader = gorilla.Upgrader{}

// wsServer upgrades every connection, pushes one frame and optionally
// drops the connection to force a client reconnect
type wsServer struct {
	srv         *httptest.Server
	connections atomic.Int32
	dropAfter   bool
}

func newWSServer(t *testing.T, dropAfter bool) *wsServer {
	t.Helper()
	s := &wsServer{dropAfter: dropAfter}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.connections.Add(1)
		_ = conn.WriteMessage(gorilla.TextMessage, []byte(`{"seq":1}`))
		if s.dropAfter {
			conn.Close()
			return
		}
		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func TestClient_ReceivesMessages(t *testing.T) {
	server := newWSServer(t, false)

	var mu sync.Mutex
	var received []string
	client := websocket.NewClient(server.url(), func(msg []byte) {
		mu.Lock()
		received = append(received, string(msg))
		mu.Unlock()
	}, logging.NewNop())

	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.JSONEq(t, `{"seq":1}`, received[0])
	mu.Unlock()
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	server := newWSServer(t, true)

	connected := atomic.Int32{}
	client := websocket.NewClient(server.url(), nil, logging.NewNop())
	client.SetOnConnected(func() { connected.Add(1) })
	client.Start()
	defer client.Stop()

	// The server drops every connection; the client keeps redialing with
	// backoff, so multiple connects accumulate
	require.Eventually(t, func() bool {
		return connected.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, server.connections.Load(), int32(2))
}

func TestClient_SendBeforeConnectFails(t *testing.T) {
	client := websocket.NewClient("ws://127.0.0.1:1/nowhere", nil, logging.NewNop())
	assert.Error(t, client.Send(map[string]string{"op": "subscribe"}))
}

func TestClient_StopIsIdempotentlySafe(t *testing.T) {
	server := newWSServer(t, false)

	client := websocket.NewClient(server.url(), nil, logging.NewNop())
	client.Start()

	done := make(chan struct{})
	go func() {
		client.Stop()
		// A second Stop on a stopped client is harmless
		client.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
}
