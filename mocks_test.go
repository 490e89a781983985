package roomchat

import (
	"encoding/json"
	"sync"

	"github.com/opd-ai/roomchat/bridge"
	"github.com/opd-ai/roomchat/history"
	"github.com/opd-ai/roomchat/transport"
)

// mockConn is an in-memory transport.Conn that records emissions and
// lets tests inject inbound events, including late ones from a
// superseded connection.
type mockConn struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	handlers map[string]transport.EventHandler
	emitted  []mockEvent
}

type mockEvent struct {
	name string
	data []byte
}

func newMockConn() *mockConn {
	return &mockConn{
		handlers: make(map[string]transport.EventHandler),
	}
}

func (c *mockConn) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *mockConn) Emit(name string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotConnected
	}
	c.emitted = append(c.emitted, mockEvent{name: name, data: raw})
	return nil
}

func (c *mockConn) RegisterHandler(name string, handler transport.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fire delivers an inbound event through the registered handler. It
// deliberately ignores the closed flag: a real socket can have a frame
// in flight when it is superseded, and the engine must drop it.
func (c *mockConn) fire(name string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}

	c.mu.Lock()
	handler := c.handlers[name]
	c.mu.Unlock()

	if handler != nil {
		handler(json.RawMessage(raw))
	}
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) emittedEvents() []mockEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]mockEvent, len(c.emitted))
	copy(out, c.emitted)
	return out
}

// connFactory hands out mock connections and keeps every one it built.
type connFactory struct {
	mu    sync.Mutex
	conns []*mockConn
}

func (f *connFactory) new(transport.Config) transport.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn := newMockConn()
	f.conns = append(f.conns, conn)
	return conn
}

func (f *connFactory) latest() *mockConn {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

// mockBridge is an in-memory host with scriptable root data and recap.
type mockBridge struct {
	mu sync.Mutex

	root    bridge.RootData
	recap   json.RawMessage
	recapOK bool

	recapCalls    int
	appended      []history.Record
	clearCalls    int
	notifications []string
	savedSettings []bridge.Settings
	serverURL     string
	focusReports  []bool
}

func newMockBridge() *mockBridge {
	return &mockBridge{
		root: bridge.RootData{
			RoomName:   "dev",
			Secret:     "thisismysecretkey",
			InstanceID: "user-a",
			Settings:   bridge.Settings{Name: "alice"},
		},
	}
}

func (b *mockBridge) RootData() (*bridge.RootData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.root
	return &root, nil
}

func (b *mockBridge) RelaunchRecap() (json.RawMessage, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recapCalls++
	return b.recap, b.recapOK, nil
}

func (b *mockBridge) SaveSettings(settings bridge.Settings) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.savedSettings = append(b.savedSettings, settings)
	return nil
}

func (b *mockBridge) AppendHistory(record history.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.appended = append(b.appended, record)
	return nil
}

func (b *mockBridge) History() ([]history.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]history.Record, len(b.appended))
	copy(out, b.appended)
	return out, nil
}

func (b *mockBridge) ClearHistory() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearCalls++
	b.appended = nil
	return nil
}

func (b *mockBridge) ServerURL() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.serverURL, nil
}

func (b *mockBridge) SetServerURL(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.serverURL = url
	return nil
}

func (b *mockBridge) Notify(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.notifications = append(b.notifications, text)
	return nil
}

func (b *mockBridge) SetFocus(focused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.focusReports = append(b.focusReports, focused)
	return nil
}

func (b *mockBridge) notified() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.notifications))
	copy(out, b.notifications)
	return out
}

func (b *mockBridge) recapCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recapCalls
}
