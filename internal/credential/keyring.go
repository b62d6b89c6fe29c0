package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/nhle/notify-engine/internal/vault"
)

const (
	serviceName  = "notifyd"
	masterKeyKey = "vault.master_key"
)

// Keyring wraps the OS keyring that holds the vault master key.
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring returns a configured keyring instance. fileDir is used by
// the encrypted-file backend on hosts without a desktop secret service.
func OpenKeyring(fileDir, filePassword string) (*Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring, e.g. keyring.NewArrayKeyring
// in tests.
func NewKeyring(ring keyring.Keyring) *Keyring {
	return &Keyring{ring: ring}
}

// MasterKey returns the vault master key, generating and storing a fresh
// random one on first use.
func (k *Keyring) MasterKey() ([]byte, error) {
	item, err := k.ring.Get(masterKeyKey)
	if err == nil {
		key, err := base64.StdEncoding.DecodeString(string(item.Data))
		if err != nil {
			return nil, fmt.Errorf("decoding master key: %w", err)
		}
		if len(key) != vault.MasterKeySize {
			return nil, fmt.Errorf("stored master key has %d bytes, want %d", len(key), vault.MasterKeySize)
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("getting master key: %w", err)
	}

	key := make([]byte, vault.MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	err = k.ring.Set(keyring.Item{
		Key:         masterKeyKey,
		Data:        []byte(base64.StdEncoding.EncodeToString(key)),
		Label:       "notifyd vault master key",
		Description: "Derives the credential sealing and action token signing keys",
	})
	if err != nil {
		return nil, fmt.Errorf("storing master key: %w", err)
	}
	return key, nil
}

// DecodeMasterKey parses a base64 master key supplied through configuration.
func DecodeMasterKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(key) != vault.MasterKeySize {
		return nil, fmt.Errorf("master key has %d bytes, want %d", len(key), vault.MasterKeySize)
	}
	return key, nil
}
