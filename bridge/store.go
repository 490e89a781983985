package bridge

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/roomchat/history"
)

const (
	bucketRoom = "room"

	keyRoomName   = "roomName"
	keySecret     = "secret"
	keyOwnerID    = "ownerId"
	keyInstanceID = "instanceId"
	keySettings   = "settings"
	keyServerURL  = "serverUrl"
	keyHistory    = "history"
)

const secretLength = 20

// Store is a bbolt-backed Bridge for hosts without their own
// persistence layer.
//
// The first Open against a path creates the room: it generates the
// instance id, room name and secret and marks this installation as the
// room's owner. Every later Open reads them back unchanged; room
// identity is immutable for the room's lifetime.
type Store struct {
	db *bolt.DB

	focused bool
}

// Open opens or initializes the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	store := &Store{db: db, focused: true}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// initialize creates missing identity keys. The owner id is set only
// when neither room name nor secret exist yet, i.e. by whichever
// installation creates the room.
func (s *Store) initialize() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketRoom))
		if err != nil {
			return err
		}

		instanceID := b.Get([]byte(keyInstanceID))
		if instanceID == nil {
			instanceID = []byte("user-" + uuid.NewString())
			if err := b.Put([]byte(keyInstanceID), instanceID); err != nil {
				return err
			}
		}

		if b.Get([]byte(keyRoomName)) == nil && b.Get([]byte(keySecret)) == nil {
			if err := b.Put([]byte(keyOwnerID), instanceID); err != nil {
				return err
			}
		}

		if b.Get([]byte(keyRoomName)) == nil {
			if err := b.Put([]byte(keyRoomName), []byte(uuid.NewString())); err != nil {
				return err
			}
		}

		if b.Get([]byte(keySecret)) == nil {
			secret, err := randomSecret(secretLength)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(keySecret), []byte(secret)); err != nil {
				return err
			}
		}

		if b.Get([]byte(keyHistory)) == nil {
			if err := b.Put([]byte(keyHistory), []byte("[]")); err != nil {
				return err
			}
		}

		return nil
	})
}

// randomSecret returns an alphanumeric secret of the given length.
func randomSecret(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, c := range raw {
		raw[i] = charset[int(c)%len(charset)]
	}
	return string(raw), nil
}

// RootData returns the room identity and persisted state.
func (s *Store) RootData() (*RootData, error) {
	data := &RootData{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRoom))

		data.RoomName = string(b.Get([]byte(keyRoomName)))
		data.Secret = string(b.Get([]byte(keySecret)))
		data.InstanceID = string(b.Get([]byte(keyInstanceID)))

		if raw := b.Get([]byte(keySettings)); raw != nil {
			if err := json.Unmarshal(raw, &data.Settings); err != nil {
				return fmt.Errorf("settings blob: %w", err)
			}
		}

		raw := b.Get([]byte(keyHistory))
		if err := json.Unmarshal(raw, &data.History); err != nil {
			return fmt.Errorf("history blob: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// RelaunchRecap reports no recap: a headless store has no selection
// context. Hosts with one implement Bridge themselves.
func (s *Store) RelaunchRecap() (json.RawMessage, bool, error) {
	return nil, false, nil
}

// SaveSettings persists the participant settings blob.
func (s *Store) SaveSettings(settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRoom)).Put([]byte(keySettings), raw)
	})
}

// AppendHistory appends one record to the persisted history array.
func (s *Store) AppendHistory(record history.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketRoom))

		var records []history.Record
		if err := json.Unmarshal(b.Get([]byte(keyHistory)), &records); err != nil {
			return fmt.Errorf("history blob: %w", err)
		}

		records = append(records, record)
		raw, err := json.Marshal(records)
		if err != nil {
			return err
		}
		return b.Put([]byte(keyHistory), raw)
	})
}

// History returns the persisted history in append order.
func (s *Store) History() ([]history.Record, error) {
	var records []history.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketRoom)).Get([]byte(keyHistory))
		return json.Unmarshal(raw, &records)
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// ClearHistory atomically empties the persisted history.
func (s *Store) ClearHistory() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRoom)).Put([]byte(keyHistory), []byte("[]"))
	})
}

// ServerURL returns the persisted server URL override, empty if none.
func (s *Store) ServerURL() (string, error) {
	var url string

	err := s.db.View(func(tx *bolt.Tx) error {
		url = string(tx.Bucket([]byte(bucketRoom)).Get([]byte(keyServerURL)))
		return nil
	})
	return url, err
}

// SetServerURL persists the server URL override.
func (s *Store) SetServerURL(url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketRoom)).Put([]byte(keyServerURL), []byte(url))
	})
}

// Notify logs the notification; a headless store has no chrome.
func (s *Store) Notify(text string) error {
	logrus.WithFields(logrus.Fields{
		"function": "Notify",
		"package":  "bridge",
	}).Info(text)
	return nil
}

// SetFocus records the focus state.
func (s *Store) SetFocus(focused bool) error {
	s.focused = focused
	return nil
}

// OwnerID returns the instance id of the installation that created the
// room.
func (s *Store) OwnerID() (string, error) {
	var owner string

	err := s.db.View(func(tx *bolt.Tx) error {
		owner = string(tx.Bucket([]byte(bucketRoom)).Get([]byte(keyOwnerID)))
		return nil
	})
	return owner, err
}
