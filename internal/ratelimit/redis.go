package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"openclip-auth/internal/storage"
)

var allowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string, policy Policy) (Decision, error) {
	raw, err := allowScript.Run(ctx, r.client, []string{r.prefix + ":" + key}, policy.Window.Milliseconds()).Result()
	if err != nil {
		return Decision{}, storage.Wrap("redis rate limit", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, storage.Wrap("decode rate limit reply", fmt.Errorf("unexpected reply %v", raw))
	}
	count, countOK := values[0].(int64)
	ttl, ttlOK := values[1].(int64)
	if !countOK || !ttlOK {
		return Decision{}, storage.Wrap("decode rate limit reply", fmt.Errorf("unexpected reply %v", raw))
	}

	now := r.now()
	return decide(policy, int(count), now.Add(time.Duration(ttl)*time.Millisecond), now), nil
}

// Sweep is a no-op: counters expire with their window.
func (r *Redis) Sweep(context.Context) (int64, error) {
	return 0, nil
}
