// Package vault seals long-lived provider credentials and issues the
// short-lived, single-use action tokens embedded in RSVP links and call
// sessions.
package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required length of the vault master key.
const MasterKeySize = 32

const sealPrefix = "v1:"

var (
	// ErrInvalidToken is the only error RedeemActionToken returns for a
	// bad token. It deliberately does not say which check failed.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrTampered is returned when a sealed credential fails
	// authentication.
	ErrTampered = errors.New("sealed value failed authentication")
)

// Vault holds the derived sealing and signing keys.
type Vault struct {
	sealKey []byte
	signKey []byte
	nonces  NonceStore
	now     func() time.Time
	log     *logrus.Entry
}

// Option customizes a Vault.
type Option func(*Vault)

// WithClock overrides the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithLogger sets the logger used for rejected-token diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(v *Vault) { v.log = log }
}

// New derives independent sealing and signing keys from masterKey.
func New(masterKey []byte, nonces NonceStore, opts ...Option) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	if nonces == nil {
		return nil, errors.New("vault needs a nonce store")
	}

	sealKey, err := deriveKey(masterKey, "credential-seal")
	if err != nil {
		return nil, err
	}
	signKey, err := deriveKey(masterKey, "action-token-sign")
	if err != nil {
		return nil, err
	}

	v := &Vault{
		sealKey: sealKey,
		signKey: signKey,
		nonces:  nonces,
		now:     time.Now,
		log:     logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", info, err)
	}
	return key, nil
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under a random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.sealKey)
	if err != nil {
		return "", fmt.Errorf("creating aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(sealPrefix))
	return sealPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Any modification of the
// ciphertext yields ErrTampered.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, sealPrefix) {
		return "", ErrTampered
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, sealPrefix))
	if err != nil {
		return "", ErrTampered
	}

	aead, err := chacha20poly1305.NewX(v.sealKey)
	if err != nil {
		return "", fmt.Errorf("creating aead: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrTampered
	}

	nonce, body := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, body, []byte(sealPrefix))
	if err != nil {
		return "", ErrTampered
	}
	return string(plain), nil
}

func (v *Vault) sign(payload string) []byte {
	mac := hmac.New(sha256.New, v.signKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
