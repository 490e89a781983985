package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Default connection parameters. Reconnection is deliberately bounded:
// once the attempts are spent the connection gives up for good and the
// caller must reconfigure to retry.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = 2 * time.Second
	DefaultDialTimeout       = 10 * time.Second
)

// ErrNotConnected is returned by Emit when no relay connection is
// established.
var ErrNotConnected = errors.New("transport: not connected")

// Config holds the parameters of one relay connection.
type Config struct {
	// URL is the relay WebSocket endpoint (ws:// or wss://).
	URL string
	// ReconnectAttempts bounds dial attempts per connection cycle.
	// Zero means DefaultReconnectAttempts.
	ReconnectAttempts int
	// ReconnectDelay is the pause between attempts.
	ReconnectDelay time.Duration
	// DialTimeout bounds a single dial.
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	return c
}

// WebSocketConn is the gorilla/websocket implementation of Conn.
//
// One background goroutine owns the dial/redial cycle and the read
// loop; handlers therefore run sequentially in arrival order. Dial
// failures surface as EventConnectError (or EventReconnectError after
// the first successful connect) through the same handler mechanism as
// wire events.
type WebSocketConn struct {
	config Config

	ws       *websocket.Conn
	handlers map[string]EventHandler
	closed   bool
	done     chan struct{}

	mu sync.Mutex
}

// NewConn creates a connection for the given config. The connection
// stays idle until Start is called, so the caller can register all
// handlers first.
func NewConn(config Config) *WebSocketConn {
	return &WebSocketConn{
		config:   config.withDefaults(),
		handlers: make(map[string]EventHandler),
		done:     make(chan struct{}),
	}
}

// Start launches the background connect/read loop.
func (c *WebSocketConn) Start() {
	go c.run()
}

// RegisterHandler registers the handler for an event name, replacing
// any previous handler for that name.
func (c *WebSocketConn) RegisterHandler(name string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[name] = handler
}

// Emit sends a named event to the relay.
func (c *WebSocketConn) Emit(name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.ws == nil {
		return ErrNotConnected
	}

	return c.ws.WriteJSON(frame{Name: name, Data: payload})
}

// Close tears the connection down and stops the background loop.
func (c *WebSocketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *WebSocketConn) run() {
	attempts := 0
	everConnected := false

	for {
		if c.isClosed() {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: c.config.DialTimeout}
		ws, _, err := dialer.Dial(c.config.URL, nil)
		if err != nil {
			attempts++
			event := EventConnectError
			if everConnected {
				event = EventReconnectError
			}

			logrus.WithFields(logrus.Fields{
				"function": "run",
				"package":  "transport",
				"url":      c.config.URL,
				"attempt":  attempts,
				"error":    err.Error(),
			}).Warn("Relay dial failed")

			c.dispatch(event, nil)

			if attempts >= c.config.ReconnectAttempts {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"package":  "transport",
					"url":      c.config.URL,
				}).Error("Reconnection attempts exhausted, giving up")
				return
			}

			select {
			case <-c.done:
				return
			case <-time.After(c.config.ReconnectDelay):
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		attempts = 0
		everConnected = true

		c.readLoop(ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}
}

// readLoop delivers frames until the connection drops.
func (c *WebSocketConn) readLoop(ws *websocket.Conn) {
	for {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			if !c.isClosed() {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
					"package":  "transport",
					"error":    err.Error(),
				}).Debug("Relay connection dropped")
			}
			return
		}
		c.dispatch(f.Name, f.Data)
	}
}

func (c *WebSocketConn) dispatch(name string, data json.RawMessage) {
	c.mu.Lock()
	handler := c.handlers[name]
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(data)
}

func (c *WebSocketConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}
