// Package transport carries event-tagged JSON frames between the engine
// and the relay over one persistent WebSocket connection.
//
// The relay protocol is a thin event bus: every frame is a named event
// with an opaque JSON payload. Handlers are registered per event name
// and invoked strictly in arrival order from a single read loop, so
// message and presence ordering is preserved end to end.
package transport

import "encoding/json"

// Wire event names understood by the relay.
const (
	// EventConnected is pushed by the relay once the connection is
	// accepted; it triggers the room-join handshake.
	EventConnected = "connected"
	// EventConnectError reports a failed connection attempt.
	EventConnectError = "connect_error"
	// EventReconnectError reports a failed reconnection attempt.
	EventReconnectError = "reconnect_error"
	// EventChatMessage carries an encrypted chat record, both directions.
	EventChatMessage = "chat message"
	// EventJoinLeave announces a participant joining or leaving.
	EventJoinLeave = "join leave message"
	// EventOnline replaces the full online roster.
	EventOnline = "online"
	// EventSetUser announces the local participant's settings.
	EventSetUser = "set user"
	// EventJoinRoom requests membership in a room.
	EventJoinRoom = "join room"
)

// EventHandler processes the payload of one inbound event.
type EventHandler func(data json.RawMessage)

// Conn defines the interface for relay connections used by the engine.
// This abstraction keeps the engine testable against an in-memory
// implementation.
type Conn interface {
	// Start begins connecting in the background. Handlers registered
	// before Start are guaranteed to see every event.
	Start()

	// Emit sends a named event to the relay.
	Emit(name string, data interface{}) error

	// RegisterHandler registers the handler for an event name,
	// replacing any previous handler for that name.
	RegisterHandler(name string, handler EventHandler)

	// Close shuts the connection down. No handler runs after Close
	// returns an idle connection to the caller.
	Close() error
}

// frame is the wire representation of one event.
type frame struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}
