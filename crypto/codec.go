// Package crypto implements the symmetric message codec for roomchat.
//
// Every payload exchanged inside a room is encrypted with a key derived
// from the room's shared secret. The relay only ever sees ciphertext;
// a participant that does not hold the secret cannot read or forge
// messages for the room.
//
// Example:
//
//	key, err := crypto.DeriveKey("thisismysecretkey")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ciphertext, err := crypto.Seal([]byte(`{"text":"hello"}`), key)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	plaintext, err := crypto.Open(ciphertext, key)
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// Key is the 32-byte symmetric key derived from a room secret.
type Key [32]byte

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// Maximum payload size (1MB to prevent excessive memory usage).
const MaxPayloadSize = 1024 * 1024

var (
	// ErrEmptySecret is returned when a key is requested for an empty secret.
	ErrEmptySecret = errors.New("room secret is empty")
	// ErrDecodeFailed is returned when ciphertext is malformed or was not
	// produced under the same room secret.
	ErrDecodeFailed = errors.New("decode failed")
)

// keyInfo binds derived keys to this protocol so the same secret used
// elsewhere never yields the same key material.
const keyInfo = "roomchat message key v1"

// DeriveKey derives the symmetric message key from a room secret.
func DeriveKey(secret string) (Key, error) {
	if secret == "" {
		return Key{}, ErrEmptySecret
	}

	var key Key
	hk := hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(hk, key[:]); err != nil {
		return Key{}, fmt.Errorf("key derivation: %w", err)
	}
	return key, nil
}

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Seal encrypts a serialized payload with the room key and returns it as
// a transport-safe base64 string. The nonce is generated per call and
// prefixed to the ciphertext, so encrypting the same payload twice
// produces different output.
func Seal(plaintext []byte, key Key) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("empty payload")
	}

	if len(plaintext) > MaxPayloadSize {
		return "", errors.New("payload too large")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return "", fmt.Errorf("nonce generation: %w", err)
	}

	// NaCl secretbox provides both confidentiality and integrity,
	// so a wrong-key Open is always detected.
	out := secretbox.Seal(nonce[:], plaintext, (*[24]byte)(&nonce), (*[32]byte)(&key))

	return base64.StdEncoding.EncodeToString(out), nil
}

// Open authenticates and decrypts a string produced by Seal. Any
// malformed input or key mismatch yields ErrDecodeFailed; callers drop
// the record rather than surfacing it.
func Open(encoded string, key Key) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"package":  "crypto",
		}).Warn("Ciphertext is not valid base64")
		return nil, fmt.Errorf("%w: invalid encoding", ErrDecodeFailed)
	}

	if len(raw) <= len(Nonce{}) {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecodeFailed)
	}

	var nonce Nonce
	copy(nonce[:], raw[:len(nonce)])

	plaintext, ok := secretbox.Open(nil, raw[len(nonce):], (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Open",
			"package":  "crypto",
			"ct_size":  len(raw),
		}).Warn("Message authentication failed, dropping record")
		return nil, fmt.Errorf("%w: message authentication failed", ErrDecodeFailed)
	}

	return plaintext, nil
}
