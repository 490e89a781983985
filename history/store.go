// Package history maintains the ordered, capacity-windowed message log
// for a room.
//
// The log is append-only: records are added as they arrive and removed
// only by an explicit clear of the whole history. Consumers never read
// the full log directly; they read a window over its tail that grows by
// a fixed page size, which bounds per-render work to the window rather
// than the log.
//
// Example:
//
//	store := history.NewStore(key)
//	record, err := store.Compose("user-1", "hello", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store.Append(record)
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/roomchat/crypto"
)

// DefaultPageSize is the initial window size and the increment applied
// by each Grow call.
const DefaultPageSize = 10

// ErrEmptyMessage is returned when a send carries neither text nor a
// selection. It is a validation error surfaced to the sender; nothing
// is appended or transmitted.
var ErrEmptyMessage = errors.New("message needs text or a selection")

// Payload is the structured plaintext carried inside every ciphertext.
type Payload struct {
	Text      string          `json:"text"`
	Date      time.Time       `json:"date"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// Record is one entry of the message log. Records are immutable once
// created. Ciphertext is what travels the wire and what the host
// persists; the decrypted payload exists only inside the engine.
type Record struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	Ciphertext string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`

	Payload *Payload `json:"-"`
}

// recordID derives a stable id from the record's timestamp and author.
func recordID(ts time.Time, authorID string) string {
	return fmt.Sprintf("%d-%s", ts.UnixMilli(), authorID)
}

// Store is the authoritative message log plus the view-layer window
// cursor over it. Wire events replayed against an empty store always
// reproduce the same visible ordering.
type Store struct {
	key     crypto.Key
	records []Record
	visible int

	mu sync.RWMutex
}

// NewStore creates an empty store encrypting and decrypting with the
// given room key.
func NewStore(key crypto.Key) *Store {
	return &Store{
		key:     key,
		records: make([]Record, 0),
		visible: DefaultPageSize,
	}
}

// Seed loads a persisted history snapshot in order. Records whose
// ciphertext cannot be opened under the room key are dropped; a foreign
// or corrupted entry never reaches the log.
func (s *Store) Seed(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for _, rec := range records {
		payload, err := s.decode(rec.Ciphertext)
		if err != nil {
			dropped++
			continue
		}
		rec.Payload = payload
		if rec.ID == "" {
			rec.ID = recordID(payload.Date, rec.AuthorID)
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = payload.Date
		}
		s.records = append(s.records, rec)
	}

	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Seed",
			"package":  "history",
			"dropped":  dropped,
			"loaded":   len(s.records),
		}).Warn("Dropped undecodable history records")
	}
}

// Compose validates and builds an outbound record. The payload
// {text, date, selection} is serialized, encrypted under the room key
// and returned together with the wire ciphertext. The record is not
// appended; the caller appends it after (or while) emitting it.
func (s *Store) Compose(authorID, text string, selection json.RawMessage) (Record, error) {
	if text == "" && len(selection) == 0 {
		return Record{}, ErrEmptyMessage
	}

	now := time.Now()
	payload := &Payload{
		Text:      text,
		Date:      now,
		Selection: selection,
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("serialize payload: %w", err)
	}

	ciphertext, err := crypto.Seal(plaintext, s.key)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt payload: %w", err)
	}

	return Record{
		ID:         recordID(now, authorID),
		AuthorID:   authorID,
		Ciphertext: ciphertext,
		Timestamp:  now,
		Payload:    payload,
	}, nil
}

// Append adds an already-decoded record to the end of the log.
//
// No deduplication is performed: the sender's optimistic append and the
// relay's echo of the same message both land in the log, matching the
// relay's broadcast semantics.
func (s *Store) Append(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
}

// Decode turns an inbound wire record into a Record without touching
// the log. A record that fails to decode yields ErrDecodeFailed. The
// caller decides whether the result is still worth appending; decoding
// is the expensive half and needs no store state beyond the key.
func (s *Store) Decode(authorID, ciphertext string) (Record, error) {
	payload, err := s.decode(ciphertext)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decode",
			"package":  "history",
			"author":   authorID,
		}).Warn("Dropping undecodable inbound record")
		return Record{}, err
	}

	return Record{
		ID:         recordID(payload.Date, authorID),
		AuthorID:   authorID,
		Ciphertext: ciphertext,
		Timestamp:  payload.Date,
		Payload:    payload,
	}, nil
}

func (s *Store) decode(ciphertext string) (*Payload, error) {
	plaintext, err := crypto.Open(ciphertext, s.key)
	if err != nil {
		return nil, err
	}

	var payload Payload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed payload", crypto.ErrDecodeFailed)
	}
	return &payload, nil
}

// Clear atomically empties the log and resets the window cursor.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = s.records[:0]
	s.visible = DefaultPageSize
}

// Len returns the number of records in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

// All returns a copy of the full log in arrival order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Window returns the last min(n, Len) records in arrival order. It is a
// pure function of the log and n: repeated calls with the same n return
// the same result absent new appends.
func (s *Store) Window(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.windowLocked(n)
}

func (s *Store) windowLocked(n int) []Record {
	if n < 0 {
		n = 0
	}
	if n > len(s.records) {
		n = len(s.records)
	}

	out := make([]Record, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}

// Visible returns the window selected by the current cursor.
func (s *Store) Visible() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.windowLocked(s.visible)
}

// Grow widens the window cursor by one page, capped at the log length.
// When the next page would reach the head of the log the cursor jumps
// straight to the full length.
func (s *Store) Grow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.visible+DefaultPageSize >= len(s.records) {
		s.visible = len(s.records)
		return
	}
	s.visible += DefaultPageSize
}

// VisibleCount returns the current window cursor, capped at the log
// length.
func (s *Store) VisibleCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.visible > len(s.records) {
		return len(s.records)
	}
	return s.visible
}
