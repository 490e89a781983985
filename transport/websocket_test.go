package transport

import (
	"encoding/json"
	"net"
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

// relayStub is a minimal relay: it greets every client with "connected"
// and records every frame it receives.
type relayStub struct {
	server *httptest.Server

	mu       sync.Mutex
	received []frame
}

func newRelayStub(t *testing.T) *relayStub {
	t.Helper()

	stub := &relayStub{}
	upgrader := websocket.Upgrader{}

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if err := ws.WriteJSON(frame{Name: EventConnected}); err != nil {
			return
		}

		for {
			var f frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			stub.mu.Lock()
			stub.received = append(stub.received, f)
			stub.mu.Unlock()

			// Echo chat messages back, as the relay broadcasts to the room.
			if f.Name == EventChatMessage {
				if err := ws.WriteJSON(f); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(stub.server.Close)

	return stub
}

func (s *relayStub) url() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

func (s *relayStub) frames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]frame, len(s.received))
	copy(out, s.received)
	return out
}

func waitForEvent(t *testing.T, ch <-chan json.RawMessage, event string) json.RawMessage {
	t.Helper()

	select {
	case data := <-ch:
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %q event", event)
		return nil
	}
}

func TestConnectDeliversConnectedEvent(t *testing.T) {
	stub := newRelayStub(t)

	conn := NewConn(Config{URL: stub.url()})
	defer conn.Close()

	connected := make(chan json.RawMessage, 1)
	conn.RegisterHandler(EventConnected, func(data json.RawMessage) {
		connected <- data
	})
	conn.Start()

	waitForEvent(t, connected, EventConnected)
}

func TestEmitReachesRelayAndEchoesBack(t *testing.T) {
	stub := newRelayStub(t)

	conn := NewConn(Config{URL: stub.url()})
	defer conn.Close()

	connected := make(chan json.RawMessage, 1)
	echoed := make(chan json.RawMessage, 1)
	conn.RegisterHandler(EventConnected, func(data json.RawMessage) {
		connected <- data
	})
	conn.RegisterHandler(EventChatMessage, func(data json.RawMessage) {
		echoed <- data
	})
	conn.Start()

	waitForEvent(t, connected, EventConnected)

	payload := map[string]string{"roomName": "dev", "message": "ciphertext"}
	require.NoError(t, conn.Emit(EventChatMessage, payload))

	data := waitForEvent(t, echoed, EventChatMessage)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "dev", got["roomName"])

	frames := stub.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, EventChatMessage, frames[0].Name)
}

func TestEmitBeforeConnectReturnsNotConnected(t *testing.T) {
	conn := NewConn(Config{URL: "ws://127.0.0.1:0"})
	defer conn.Close()

	err := conn.Emit(EventSetUser, map[string]string{"name": "alice"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

// unreachableURL reserves a port and releases it so nothing listens there.
func unreachableURL(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	return "ws://" + addr
}

func TestBoundedConnectAttempts(t *testing.T) {
	conn := NewConn(Config{
		URL:               unreachableURL(t),
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
		DialTimeout:       time.Second,
	})
	defer conn.Close()

	errs := make(chan json.RawMessage, 4)
	conn.RegisterHandler(EventConnectError, func(data json.RawMessage) {
		errs <- data
	})
	conn.RegisterHandler(EventReconnectError, func(data json.RawMessage) {
		t.Error("reconnect_error before any successful connect")
	})
	conn.Start()

	waitForEvent(t, errs, EventConnectError)
	waitForEvent(t, errs, EventConnectError)

	// Attempts are exhausted: no further dials, no further events.
	select {
	case <-errs:
		t.Fatal("dial attempted past the configured bound")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandlersSilentAfterClose(t *testing.T) {
	stub := newRelayStub(t)

	conn := NewConn(Config{URL: stub.url()})

	connected := make(chan json.RawMessage, 1)
	conn.RegisterHandler(EventConnected, func(data json.RawMessage) {
		connected <- data
	})
	conn.Start()
	waitForEvent(t, connected, EventConnected)

	require.NoError(t, conn.Close())

	err := conn.Emit(EventSetUser, map[string]string{"name": "alice"})
	assert.ErrorIs(t, err, ErrNotConnected)
}
