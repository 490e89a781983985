// Package presence tracks the set of participants currently online in a
// room.
//
// The relay is the sole source of truth for presence: it pushes the full
// online set on every change and the roster is replaced wholesale, never
// merged. An empty push means the room is empty, not that the data is
// stale.
package presence

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Entry describes one online participant as reported by the relay.
type Entry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Roster holds the current online snapshot in the order the relay sent
// it. Render order is arrival order.
type Roster struct {
	entries []Entry

	mu sync.RWMutex
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		entries: make([]Entry, 0),
	}
}

// Replace swaps the entire roster for the given snapshot. A nil or empty
// snapshot empties the roster.
func (r *Roster) Replace(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make([]Entry, len(entries))
	copy(r.entries, entries)

	logrus.WithFields(logrus.Fields{
		"function": "Replace",
		"package":  "presence",
		"online":   len(r.entries),
	}).Debug("Roster replaced")
}

// Entries returns a copy of the current snapshot in relay order.
func (r *Roster) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of participants currently online.
func (r *Roster) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
