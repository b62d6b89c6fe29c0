// Package credential manages the vault master key and the sealed provider
// credentials (SMTP password, call-provider auth token, oracle API key).
package credential

import (
	"context"
	"fmt"
)

// Sealer is the part of the vault the resolver needs.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// BlobStore persists sealed credential blobs.
type BlobStore interface {
	PutCredential(ctx context.Context, name, ciphertext string) error
	GetCredential(ctx context.Context, name string) (string, error)
}

// Resolver stores credentials sealed and opens them on demand, so
// plaintext secrets never sit in the database or config files.
type Resolver struct {
	sealer Sealer
	blobs  BlobStore
}

// NewResolver creates a resolver over the given vault and store.
func NewResolver(sealer Sealer, blobs BlobStore) *Resolver {
	return &Resolver{sealer: sealer, blobs: blobs}
}

// Put seals value and stores it under name.
func (r *Resolver) Put(ctx context.Context, name, value string) error {
	sealed, err := r.sealer.Encrypt(value)
	if err != nil {
		return fmt.Errorf("sealing credential %q: %w", name, err)
	}
	return r.blobs.PutCredential(ctx, name, sealed)
}

// Get loads and opens the credential stored under name.
func (r *Resolver) Get(ctx context.Context, name string) (string, error) {
	sealed, err := r.blobs.GetCredential(ctx, name)
	if err != nil {
		return "", err
	}
	plain, err := r.sealer.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("opening credential %q: %w", name, err)
	}
	return plain, nil
}
