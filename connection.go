package roomchat

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/roomchat/presence"
	"github.com/opd-ai/roomchat/transport"
)

// Wire payload shapes. Event names live in the transport package.

type joinRoomPayload struct {
	Room     string          `json:"room"`
	Settings json.RawMessage `json:"settings"`
}

type chatMessageOut struct {
	RoomName string `json:"roomName"`
	Message  string `json:"message"`
}

type chatMessageIn struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type joinLeaveMessage struct {
	User struct {
		Name string `json:"name"`
	} `json:"user"`
	Type string `json:"type"`
}

// Configure tears down any existing relay connection and dials url.
// The old connection is closed and fully detached before the new dial,
// so no event of a superseded connection can mutate state. The status
// resets to ConnectionNone synchronously; the connection attempt runs
// in the background. Configure is the only way out of ConnectionError.
func (e *Engine) Configure(url string) {
	e.mu.Lock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}

	e.generation++
	generation := e.generation
	e.serverURL = url

	changed := e.status != ConnectionNone
	e.status = ConnectionNone
	onStatus := e.onStatus

	conn := e.newConn(transport.Config{
		URL:               url,
		ReconnectAttempts: e.reconnectAttempts,
	})
	e.conn = conn
	e.registerHandlers(conn, generation)
	e.mu.Unlock()

	if err := e.host.SetServerURL(url); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Configure",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to persist server URL")
	}

	if changed && onStatus != nil {
		onStatus(ConnectionNone)
	}

	conn.Start()
}

// registerHandlers wires all inbound events of one connection into the
// engine. Every handler carries the connection's generation; events
// from a superseded connection are dropped at dispatch.
func (e *Engine) registerHandlers(conn transport.Conn, generation uint64) {
	conn.RegisterHandler(transport.EventConnected, func(json.RawMessage) {
		e.handleConnected(generation)
	})
	conn.RegisterHandler(transport.EventConnectError, func(json.RawMessage) {
		e.transition(generation, ConnectionError)
	})
	conn.RegisterHandler(transport.EventReconnectError, func(json.RawMessage) {
		e.transition(generation, ConnectionError)
	})
	conn.RegisterHandler(transport.EventChatMessage, func(data json.RawMessage) {
		e.handleChatMessage(generation, data)
	})
	conn.RegisterHandler(transport.EventJoinLeave, func(data json.RawMessage) {
		e.handleJoinLeave(generation, data)
	})
	conn.RegisterHandler(transport.EventOnline, func(data json.RawMessage) {
		e.handleOnline(generation, data)
	})
}

// transition applies a wire-driven state change. ConnectionError is
// sticky: no wire event leaves it, only Configure.
func (e *Engine) transition(generation uint64, status ConnectionStatus) {
	e.mu.Lock()

	if generation != e.generation || e.status == ConnectionError || e.status == status {
		e.mu.Unlock()
		return
	}

	e.status = status
	onStatus := e.onStatus
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "transition",
		"package":  "roomchat",
		"status":   status.String(),
	}).Debug("Connection state changed")

	if onStatus != nil {
		onStatus(status)
	}
}

// handleConnected runs the room-join handshake: announce the local
// participant, join the room, then request the relaunch recap from the
// host, at most once per engine lifetime.
func (e *Engine) handleConnected(generation uint64) {
	e.mu.Lock()

	if generation != e.generation || e.status == ConnectionError {
		e.mu.Unlock()
		return
	}

	changed := e.status != ConnectionConnected
	e.status = ConnectionConnected
	onStatus := e.onStatus

	conn := e.conn
	room := e.roomName
	settings := e.settings

	askRecap := !e.recapDone
	e.recapDone = true
	e.mu.Unlock()

	if changed && onStatus != nil {
		onStatus(ConnectionConnected)
	}

	e.emitHandshake(conn, room, settings)

	if askRecap {
		e.fetchRelaunchRecap()
	}
}

// emitHandshake announces the participant and joins the room. Emission
// failures are logged, never surfaced; they resolve through the
// connection state.
func (e *Engine) emitHandshake(conn transport.Conn, room string, settings interface{}) {
	raw, err := json.Marshal(settings)
	if err != nil {
		return
	}

	if err := conn.Emit(transport.EventSetUser, json.RawMessage(raw)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emitHandshake",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to emit set user")
	}

	if err := conn.Emit(transport.EventJoinRoom, joinRoomPayload{
		Room:     room,
		Settings: raw,
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emitHandshake",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to emit join room")
	}
}

// fetchRelaunchRecap asks the host for a relaunch selection, at most
// once per engine lifetime. A recap is parked rather than sent: the
// handshake always runs against an empty roster, because the relay can
// only push the roster after the join is processed, and a selection is
// only worth recapping while someone is online to follow it. The first
// non-empty roster push delivers it.
func (e *Engine) fetchRelaunchRecap() {
	recap, ok, err := e.host.RelaunchRecap()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "fetchRelaunchRecap",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Relaunch recap failed")
		return
	}
	if !ok || len(recap) == 0 {
		return
	}

	e.mu.Lock()
	e.pendingRecap = recap
	e.mu.Unlock()
}

// deliverRecap recaps a parked relaunch selection into the chat.
func (e *Engine) deliverRecap(recap json.RawMessage) {
	if err := e.send("", recap, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliverRecap",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Debug("Relaunch recap not sent")
		return
	}

	if err := e.host.Notify("Selection sent successfully"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "deliverRecap",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Host notification failed")
	}
}

// handleChatMessage decrypts and appends an inbound record. Records
// that fail to decode are dropped without touching the log or the
// connection state. Decryption runs outside the engine lock; the
// generation check and the append share one critical section, so a
// Configure that supersedes this socket can never be followed by an
// append attributable to it.
func (e *Engine) handleChatMessage(generation uint64, data json.RawMessage) {
	var in chatMessageIn
	if err := json.Unmarshal(data, &in); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChatMessage",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Malformed chat message frame")
		return
	}

	record, err := e.store.Decode(in.ID, in.Message)
	if err != nil {
		// Already logged by the store; foreign records are dropped.
		return
	}

	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		return
	}
	e.store.Append(record)
	onMessage := e.onMessage
	e.mu.Unlock()

	if err := e.host.AppendHistory(record); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChatMessage",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Failed to persist inbound message")
	}

	if onMessage != nil {
		onMessage(record)
	}
}

// handleJoinLeave produces the transient join/leave notice. The notice
// is not part of the durable log. Unfocused engines escalate it to the
// host when tooltip notifications are enabled.
func (e *Engine) handleJoinLeave(generation uint64, data json.RawMessage) {
	var in joinLeaveMessage
	if err := json.Unmarshal(data, &in); err != nil {
		return
	}

	name := in.User.Name
	if name == "" {
		name = "Anon"
	}
	text := name + " joins the conversation"
	if in.Type == "LEAVE" {
		text = name + " leaves the conversation"
	}

	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		return
	}
	notify := e.onNotification
	focused := e.focused
	tooltip := e.settings.EnableNotificationTooltip
	e.mu.Unlock()

	if notify != nil {
		notify(text)
	}
	if !focused && tooltip {
		if err := e.host.Notify(text); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleJoinLeave",
				"package":  "roomchat",
				"error":    err.Error(),
			}).Warn("Host notification failed")
		}
	}
}

// handleOnline replaces the presence roster wholesale. An empty push
// means the room is now empty. The replacement runs in the same
// critical section as the generation check, so a superseded socket's
// roster can never overwrite the live one. A non-empty push also
// releases a parked relaunch recap.
func (e *Engine) handleOnline(generation uint64, data json.RawMessage) {
	var entries []presence.Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleOnline",
			"package":  "roomchat",
			"error":    err.Error(),
		}).Warn("Malformed online frame")
		return
	}

	e.mu.Lock()
	if generation != e.generation {
		e.mu.Unlock()
		return
	}
	e.roster.Replace(entries)
	onPresence := e.onPresence

	var recap json.RawMessage
	if len(entries) > 0 && e.pendingRecap != nil {
		recap = e.pendingRecap
		e.pendingRecap = nil
	}
	e.mu.Unlock()

	if onPresence != nil {
		onPresence(entries)
	}
	if recap != nil {
		e.deliverRecap(recap)
	}
}
