package vault

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/notify-engine/internal/model"
)

// NonceStore records consumed token nonces. ConsumeNonce must be atomic:
// of two concurrent calls with the same nonce exactly one returns true.
type NonceStore interface {
	ConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// IssueActionToken signs {job, actions, expiry, nonce} into an opaque
// URL-safe token valid for ttl.
func (v *Vault) IssueActionToken(jobID string, actions []model.Action, ttl time.Duration) (string, error) {
	if jobID == "" {
		return "", errors.New("action token needs a job id")
	}
	if len(actions) == 0 {
		return "", errors.New("action token needs at least one action")
	}
	if ttl <= 0 {
		return "", errors.New("action token ttl must be positive")
	}

	claims := model.ActionClaims{
		JobID:     jobID,
		Actions:   actions,
		ExpiresAt: v.now().Add(ttl).Unix(),
		Nonce:     uuid.NewString(),
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshaling token claims: %w", err)
	}

	payload := base64.RawURLEncoding.EncodeToString(body)
	sig := base64.RawURLEncoding.EncodeToString(v.sign(payload))
	return payload + "." + sig, nil
}

// PeekActionToken checks signature and expiry without consuming the
// token. It lets a GET render a confirmation page without burning a link
// that mail scanners may prefetch.
func (v *Vault) PeekActionToken(token string) (model.ActionClaims, error) {
	claims, reason := v.check(token)
	if reason != "" {
		v.log.WithField("reason", reason).Debug("action token rejected on peek")
		return model.ActionClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// RedeemActionToken checks signature and expiry, then consumes the
// token's nonce in nonces, so a caller can make it part of its own
// transaction. A nil nonces selects the vault's store. A second
// redemption of the same token fails. Every failure returns
// ErrInvalidToken; the reason is only logged.
func (v *Vault) RedeemActionToken(ctx context.Context, token string, nonces NonceStore) (model.ActionClaims, error) {
	if nonces == nil {
		nonces = v.nonces
	}
	claims, reason := v.check(token)
	if reason == "" {
		fresh, err := nonces.ConsumeNonce(ctx, claims.Nonce, claims.Expiry())
		switch {
		case err != nil:
			v.log.WithError(err).Error("consuming action token nonce")
			reason = "nonce store"
		case !fresh:
			reason = "replay"
		}
	}
	if reason != "" {
		entry := v.log.WithField("reason", reason)
		if claims.JobID != "" {
			entry = entry.WithField("job_id", claims.JobID)
		}
		entry.Debug("action token rejected")
		return model.ActionClaims{}, ErrInvalidToken
	}
	return claims, nil
}

// check returns the claims and an empty reason when the token is
// authentic and unexpired.
func (v *Vault) check(token string) (model.ActionClaims, string) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || payload == "" || sig == "" {
		return model.ActionClaims{}, "malformed"
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return model.ActionClaims{}, "malformed signature"
	}
	if !hmac.Equal(gotSig, v.sign(payload)) {
		return model.ActionClaims{}, "signature"
	}

	body, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return model.ActionClaims{}, "malformed payload"
	}
	var claims model.ActionClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return model.ActionClaims{}, "malformed claims"
	}
	if claims.JobID == "" || claims.Nonce == "" || len(claims.Actions) == 0 {
		return model.ActionClaims{}, "incomplete claims"
	}
	if !v.now().Before(claims.Expiry()) {
		return claims, "expired"
	}
	return claims, ""
}
