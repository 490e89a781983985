package roomchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/roomchat/bridge"
	"github.com/opd-ai/roomchat/crypto"
	"github.com/opd-ai/roomchat/history"
	"github.com/opd-ai/roomchat/presence"
	"github.com/opd-ai/roomchat/transport"
)

// ConnectionStatus represents the engine's relay connection state.
type ConnectionStatus uint8

const (
	// ConnectionNone is the initial state and the state after any
	// intentional reset.
	ConnectionNone ConnectionStatus = iota
	// ConnectionConnected means the relay accepted the connection and
	// the room-join handshake ran.
	ConnectionConnected
	// ConnectionError means connecting or reconnecting failed. The
	// state is sticky: only a fresh Configure leaves it.
	ConnectionError
)

// String returns a human-readable connection status.
func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionConnected:
		return "connected"
	case ConnectionError:
		return "error"
	default:
		return "none"
	}
}

// DefaultServerURL is the relay used when the host has no override.
const DefaultServerURL = "wss://relay.roomchat.dev/ws"

// MaxNameLength bounds the participant name broadcast to the room.
const MaxNameLength = 20

var (
	// ErrNilBridge is returned by New when no host bridge is configured.
	ErrNilBridge = errors.New("roomchat: bridge is required")
	// ErrNoRoom is returned by SendMessage before a room is known.
	ErrNoRoom = errors.New("roomchat: no room configured")
	// ErrNameTooLong is returned by SaveSettings for over-long names.
	ErrNameTooLong = fmt.Errorf("roomchat: name exceeds %d characters", MaxNameLength)
)

// Callback types for observing engine state. Callbacks run synchronously
// after the mutation they report, on the goroutine that delivered the
// wire event or API call.
type (
	// MessageCallback fires for every record appended to the log.
	MessageCallback func(record history.Record)
	// PresenceCallback fires when the online roster is replaced.
	PresenceCallback func(entries []presence.Entry)
	// ConnectionStatusCallback fires on connection state transitions.
	ConnectionStatusCallback func(status ConnectionStatus)
	// NotificationCallback fires for transient, non-durable notices:
	// join/leave announcements and send validation failures.
	NotificationCallback func(text string)
)

// Options contains configuration options for creating an Engine.
type Options struct {
	// Bridge is the host application boundary. Required.
	Bridge bridge.Bridge
	// ServerURL is the relay endpoint used when the host has no
	// persisted override.
	ServerURL string
	// ReconnectAttempts bounds automatic reconnection per connection
	// cycle. Zero means transport.DefaultReconnectAttempts.
	ReconnectAttempts int
	// NewConn builds relay connections. Overridable for testing; nil
	// means the WebSocket transport.
	NewConn func(config transport.Config) transport.Conn
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ServerURL:         DefaultServerURL,
		ReconnectAttempts: transport.DefaultReconnectAttempts,
	}
}

// Engine is one participant's session in one room: it owns the room
// identity, the relay connection, the message log and the presence
// roster, and exposes the API surface consumed by the host's UI.
type Engine struct {
	host              bridge.Bridge
	newConn           func(config transport.Config) transport.Conn
	reconnectAttempts int

	// Room identity, immutable for the engine's lifetime.
	roomName   string
	secret     string
	instanceID string

	settings  bridge.Settings
	selection json.RawMessage
	focused   bool

	store  *history.Store
	roster *presence.Roster

	status    ConnectionStatus
	conn      transport.Conn
	serverURL string

	// generation invalidates late events from superseded connections.
	generation uint64
	// recapDone guards the one-shot relaunch recap; a fetched recap
	// is parked here until the first non-empty roster push.
	recapDone    bool
	pendingRecap json.RawMessage

	onMessage      MessageCallback
	onPresence     PresenceCallback
	onStatus       ConnectionStatusCallback
	onNotification NotificationCallback

	mu sync.Mutex
}

// New creates an Engine seeded from the host bridge: room identity,
// persisted history, saved settings and the current selection. The
// engine stays offline until Connect or Configure is called.
func New(options *Options) (*Engine, error) {
	if options == nil {
		options = NewOptions()
	}
	if options.Bridge == nil {
		return nil, ErrNilBridge
	}

	root, err := options.Bridge.RootData()
	if err != nil {
		return nil, fmt.Errorf("root data: %w", err)
	}

	key, err := crypto.DeriveKey(root.Secret)
	if err != nil {
		return nil, fmt.Errorf("room secret: %w", err)
	}

	store := history.NewStore(key)
	store.Seed(root.History)

	serverURL := options.ServerURL
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	if override, err := options.Bridge.ServerURL(); err == nil && override != "" {
		serverURL = override
	}

	newConn := options.NewConn
	if newConn == nil {
		newConn = func(config transport.Config) transport.Conn {
			return transport.NewConn(config)
		}
	}

	reconnects := options.ReconnectAttempts
	if reconnects <= 0 {
		reconnects = transport.DefaultReconnectAttempts
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"package":  "roomchat",
		"room":     root.RoomName,
		"history":  len(root.History),
	}).Info("Engine created")

	return &Engine{
		host:              options.Bridge,
		newConn:           newConn,
		reconnectAttempts: reconnects,
		roomName:          root.RoomName,
		secret:            root.Secret,
		instanceID:        root.InstanceID,
		settings:          root.Settings,
		selection:         root.Selection,
		focused:           true,
		store:             store,
		roster:            presence.NewRoster(),
		status:            ConnectionNone,
		serverURL:         serverURL,
	}, nil
}

// OnMessage sets the callback for appended records.
func (e *Engine) OnMessage(callback MessageCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = callback
}

// OnPresence sets the callback for roster replacements.
func (e *Engine) OnPresence(callback PresenceCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPresence = callback
}

// OnConnectionStatus sets the callback for connection transitions.
func (e *Engine) OnConnectionStatus(callback ConnectionStatusCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStatus = callback
}

// OnNotification sets the callback for transient notices.
func (e *Engine) OnNotification(callback NotificationCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onNotification = callback
}

// Status returns the current connection state.
func (e *Engine) Status() ConnectionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// RoomName returns the room this engine belongs to.
func (e *Engine) RoomName() string {
	return e.roomName
}

// InstanceID returns the stable per-installation identity.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// ServerURL returns the relay endpoint currently configured.
func (e *Engine) ServerURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.serverURL
}

// Settings returns the local participant's current settings.
func (e *Engine) Settings() bridge.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// Messages returns the full message log in arrival order.
func (e *Engine) Messages() []history.Record {
	return e.store.All()
}

// VisibleMessages returns the tail window selected by the cursor.
func (e *Engine) VisibleMessages() []history.Record {
	return e.store.Visible()
}

// Online returns the current presence snapshot in relay order.
func (e *Engine) Online() []presence.Entry {
	return e.roster.Entries()
}

// OnlineCount returns the number of participants online.
func (e *Engine) OnlineCount() int {
	return e.roster.Count()
}

// Selection returns the host's current selection context.
func (e *Engine) Selection() json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selection
}

// SetSelection records the host's current selection context.
func (e *Engine) SetSelection(selection json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.selection = selection
}

// SendMessage validates, encrypts, optimistically appends and emits a
// chat message. The selection is attached only while anyone else is
// online to follow it. A message with no text and no attached selection
// is rejected with history.ErrEmptyMessage and produces no log entry.
// Transport failures are not errors here; they surface only through the
// connection state.
func (e *Engine) SendMessage(text string, selection json.RawMessage) error {
	return e.send(text, selection, false)
}

func (e *Engine) send(text string, selection json.RawMessage, quiet bool) error {
	e.mu.Lock()

	if e.roomName == "" {
		e.mu.Unlock()
		return ErrNoRoom
	}

	if e.roster.Count() == 0 {
		selection = nil
	}

	record, err := e.store.Compose(e.instanceID, text, selection)
	if err != nil {
		notify := e.onNotification
		e.mu.Unlock()

		if errors.Is(err, history.ErrEmptyMessage) && !quiet && notify != nil {
			notify("Please enter a text or select something")
		}
		return err
	}

	e.store.Append(record)
	conn := e.conn
	room := e.roomName
	onMessage := e.onMessage
	e.mu.Unlock()

	if err := e.host.AppendHistory(record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "send",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to persist message")
	}

	if conn != nil {
		if err := conn.Emit(transport.EventChatMessage, chatMessageOut{
			RoomName: room,
			Message:  record.Ciphertext,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "send",
				"package":  "roomchat",
				"error":    err.Error(),
			}).Warn("Failed to emit message")
		}
	}

	if onMessage != nil {
		onMessage(record)
	}
	return nil
}

// SaveSettings validates and persists the participant settings, then
// re-runs the join handshake on the live connection so the room sees
// the change without a reconnect.
func (e *Engine) SaveSettings(settings bridge.Settings) error {
	if utf8.RuneCountInString(settings.Name) > MaxNameLength {
		return ErrNameTooLong
	}

	if err := e.host.SaveSettings(settings); err != nil {
		return fmt.Errorf("persist settings: %w", err)
	}

	e.mu.Lock()
	e.settings = settings
	conn := e.conn
	status := e.status
	room := e.roomName
	e.mu.Unlock()

	if conn != nil && status == ConnectionConnected {
		e.emitHandshake(conn, room, settings)
	}
	return nil
}

// ClearHistory atomically empties the local log and the host's
// persisted history. The window cursor resets with it.
func (e *Engine) ClearHistory() error {
	e.store.Clear()
	return e.host.ClearHistory()
}

// LoadMore widens the visible history window by one page.
func (e *Engine) LoadMore() {
	e.store.Grow()
}

// SetFocused records whether the chat surface has focus and forwards
// the state to the host. Unfocused engines escalate notifications to
// the host's native chrome.
func (e *Engine) SetFocused(focused bool) {
	e.mu.Lock()
	e.focused = focused
	e.mu.Unlock()

	if err := e.host.SetFocus(focused); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "SetFocused",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to report focus")
	}
}

// Connect dials the currently resolved relay URL.
func (e *Engine) Connect() {
	e.Configure(e.ServerURL())
}

// Close tears down the relay connection. The engine remains readable.
func (e *Engine) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.generation++
	e.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
