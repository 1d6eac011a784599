// Package credential keeps the notifications API credential in the OS keyring.
package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName = "opsdash"

	// TokenKey is the keyring entry holding the API credential.
	TokenKey = "api-token"
)

// ErrNotFound is returned when no credential is stored.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes credentials in a keyring.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file under
// ~/.config/opsdash when no OS backend is available.
func Open() (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/opsdash/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("opsdash-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

// NewStore wraps an already opened keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Get retrieves the credential stored under key.
func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}

	value := strings.TrimSpace(string(item.Data))
	if value == "" {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("setting credential %q: empty value", key)
	}

	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "opsdash notifications credential",
		Description: "API credential used by notifyd",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
