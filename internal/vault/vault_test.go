package vault

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/notify-engine/internal/model"
)

type memNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memNonces) ConsumeNonce(_ context.Context, nonce string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[nonce] {
		return false, nil
	}
	m.seen[nonce] = true
	return true, nil
}

func newTestVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	v, err := New(bytes.Repeat([]byte{7}, MasterKeySize), &memNonces{}, opts...)
	require.NoError(t, err)
	return v
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New([]byte("short"), &memNonces{})
	assert.Error(t, err)

	_, err = New(bytes.Repeat([]byte{1}, MasterKeySize), nil)
	assert.Error(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	v := newTestVault(t)

	sealed, err := v.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	again, err := v.Encrypt("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "each seal uses a fresh nonce")

	plain, err := v.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptTampered(t *testing.T) {
	v := newTestVault(t)
	sealed, err := v.Encrypt("hunter2")
	require.NoError(t, err)

	flipped := []byte(sealed)
	last := len(flipped) - 1
	if flipped[last] == 'A' {
		flipped[last] = 'B'
	} else {
		flipped[last] = 'A'
	}

	tests := map[string]string{
		"flipped byte":   string(flipped),
		"missing prefix": strings.TrimPrefix(sealed, sealPrefix),
		"not base64":     sealPrefix + "!!!",
		"too short":      sealPrefix + "AAAA",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Decrypt(in)
			assert.ErrorIs(t, err, ErrTampered)
		})
	}

	other, err := New(bytes.Repeat([]byte{8}, MasterKeySize), &memNonces{})
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrTampered)
}

func TestActionTokenSingleUse(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	tok, err := v.IssueActionToken("job-1", []model.Action{model.ActionConfirm}, time.Hour)
	require.NoError(t, err)

	claims, err := v.RedeemActionToken(ctx, tok, nil)
	require.NoError(t, err)
	assert.Equal(t, "job-1", claims.JobID)
	assert.Equal(t, []model.Action{model.ActionConfirm}, claims.Actions)

	_, err = v.RedeemActionToken(ctx, tok, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestActionTokenConcurrentVerify(t *testing.T) {
	v := newTestVault(t)
	tok, err := v.IssueActionToken("job-1", model.AllActions, time.Hour)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.RedeemActionToken(context.Background(), tok, nil); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestActionTokenExpiry(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	v := newTestVault(t, WithClock(func() time.Time { return now }))

	tok, err := v.IssueActionToken("job-1", []model.Action{model.ActionCancel}, time.Hour)
	require.NoError(t, err)

	_, err = v.PeekActionToken(tok)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = v.PeekActionToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = v.RedeemActionToken(context.Background(), tok, nil)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPeekDoesNotConsume(t *testing.T) {
	v := newTestVault(t)
	tok, err := v.IssueActionToken("job-1", []model.Action{model.ActionConfirm}, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := v.PeekActionToken(tok)
		require.NoError(t, err)
	}
	_, err = v.RedeemActionToken(context.Background(), tok, nil)
	assert.NoError(t, err)
}

func TestActionTokenForgery(t *testing.T) {
	v := newTestVault(t)
	tok, err := v.IssueActionToken("job-1", []model.Action{model.ActionConfirm}, time.Hour)
	require.NoError(t, err)

	payload, sig, _ := strings.Cut(tok, ".")
	other, err := v.IssueActionToken("job-2", model.AllActions, time.Hour)
	require.NoError(t, err)
	otherPayload, _, _ := strings.Cut(other, ".")

	for name, bad := range map[string]string{
		"empty":           "",
		"no signature":    payload,
		"swapped payload": otherPayload + "." + sig,
		"garbage":         "abc.def",
		"truncated sig":   payload + "." + sig[:len(sig)-2],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.RedeemActionToken(context.Background(), bad, nil)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestIssueActionTokenValidation(t *testing.T) {
	v := newTestVault(t)
	_, err := v.IssueActionToken("", model.AllActions, time.Hour)
	assert.Error(t, err)
	_, err = v.IssueActionToken("job-1", nil, time.Hour)
	assert.Error(t, err)
	_, err = v.IssueActionToken("job-1", model.AllActions, 0)
	assert.Error(t, err)
}
