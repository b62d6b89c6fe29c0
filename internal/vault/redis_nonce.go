package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore keeps consumed nonces in Redis so several engine
// instances share one replay window. Keys expire with their token.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore wraps a connected client.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "notifyd:nonce:", now: time.Now}
}

// ConsumeNonce uses SET NX so only the first caller succeeds.
func (s *RedisNonceStore) ConsumeNonce(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		// Expired tokens are already rejected; keep a short marker anyway
		// so a clock-skewed peer cannot reuse it.
		ttl = time.Minute
	}
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consuming nonce in redis: %w", err)
	}
	return ok, nil
}

// PruneNonces is a no-op: Redis expires markers itself.
func (s *RedisNonceStore) PruneNonces(context.Context, time.Time) (int64, error) {
	return 0, nil
}
