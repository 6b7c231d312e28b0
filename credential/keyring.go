package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const ServiceName = "mail-digest"

// Keys under which secrets are stored.
const (
	KeyIMAPPassword = "imap-password"
	KeySMTPPassword = "smtp-password"
	KeyLLMAPIKey    = "llm-api-key"
)

// Keys lists every secret the tool knows about.
var Keys = []string{KeyIMAPPassword, KeySMTPPassword, KeyLLMAPIKey}

var ErrNotFound = errors.New("credential not found")

// Store reads and writes secrets in the system keyring.
type Store struct {
	ring keyring.Keyring
}

// Open returns a store backed by the first available system keyring. The
// encrypted file backend under fileDir is the last resort.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("mail-digest-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Known reports whether key is one of Keys.
func Known(key string) bool {
	for _, k := range Keys {
		if k == key {
			return true
		}
	}
	return false
}

func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Lookup is Get without the error; a nil store never finds anything.
func (s *Store) Lookup(key string) (string, bool) {
	if s == nil || s.ring == nil {
		return "", false
	}
	value, err := s.Get(key)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       ServiceName + " " + key,
		Description: "mail-digest secret",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	err := s.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
