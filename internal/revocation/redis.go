package revocation

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"openclip-auth/internal/storage"
)

const defaultRedisPrefix = "blacklist"

type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(tokenID string) string {
	return r.prefix + ":" + tokenID
}

func (r *Redis) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.key(tokenID), "1", ttl).Err(); err != nil {
		return storage.Wrap("redis revoke token", err)
	}
	return nil
}

func (r *Redis) RevokeOnce(ctx context.Context, tokenID string, ttl time.Duration) (bool, error) {
	created, err := r.client.SetNX(ctx, r.key(tokenID), "1", onceTTL(ttl)).Result()
	if err != nil {
		return false, storage.Wrap("redis revoke token once", err)
	}
	return created, nil
}

func (r *Redis) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	count, err := r.client.Exists(ctx, r.key(tokenID)).Result()
	if err != nil {
		return false, storage.Wrap("redis check revoked token", err)
	}
	return count > 0, nil
}

// Sweep is a no-op: redis expires the keys itself.
func (r *Redis) Sweep(context.Context) (int64, error) {
	return 0, nil
}
