// Package bridge defines the boundary between the chat engine and its
// host application.
//
// The host owns everything durable: room identity, the append-only
// message history, the per-installation instance id, user settings and
// the server URL override. It also owns the surrounding chrome (native
// notifications, window focus) and, on relaunch, the current selection
// context. The engine treats all of it as an opaque key-value store
// with get/set semantics and single-key atomicity.
//
// Store is a ready-made bbolt-backed implementation for hosts without
// their own persistence layer; hosts with one implement Bridge
// themselves.
package bridge

import (
	"encoding/json"

	"github.com/opd-ai/roomchat/history"
)

// Settings are the local participant's room-visible preferences. They
// are broadcast to the room on every (re)join.
type Settings struct {
	Name                      string `json:"name"`
	Color                     string `json:"color,omitempty"`
	Avatar                    string `json:"avatar,omitempty"`
	EnableNotificationTooltip bool   `json:"enableNotificationTooltip"`
	EnableNotificationSound   bool   `json:"enableNotificationSound"`
}

// RootData is the snapshot the host hands the engine on startup: the
// immutable room identity, the persisted history and the participant's
// saved state.
type RootData struct {
	RoomName   string
	Secret     string
	InstanceID string
	History    []history.Record
	Settings   Settings
	Selection  json.RawMessage
}

// Bridge is implemented by the host application.
type Bridge interface {
	// RootData returns the room identity and persisted state.
	RootData() (*RootData, error)

	// RelaunchRecap returns the selection context to recap into the
	// chat when the engine was relaunched from a selection, and whether
	// one exists. The engine asks at most once per lifetime.
	RelaunchRecap() (json.RawMessage, bool, error)

	// SaveSettings persists the participant settings blob.
	SaveSettings(settings Settings) error

	// AppendHistory appends one record to the persisted history.
	AppendHistory(record history.Record) error

	// History returns the persisted history in append order.
	History() ([]history.Record, error)

	// ClearHistory atomically empties the persisted history.
	ClearHistory() error

	// ServerURL returns the persisted server URL override, empty if none.
	ServerURL() (string, error)

	// SetServerURL persists the server URL override.
	SetServerURL(url string) error

	// Notify shows a native notification in the host.
	Notify(text string) error

	// SetFocus reports the chat surface's focus state to the host.
	SetFocus(focused bool) error
}
