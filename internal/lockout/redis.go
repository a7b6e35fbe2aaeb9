package lockout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"openclip-auth/internal/storage"
)

// Both scripts keep the whole read-modify-write of one identifier inside
// redis so concurrent failures cannot undercount.
var recordFailureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local locked_until = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0')
if locked_until > now then
	local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
	local first = tonumber(redis.call('HGET', KEYS[1], 'first') or '0')
	local last = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
	return {count, first, last, locked_until}
end
if locked_until > 0 then
	redis.call('DEL', KEYS[1])
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
if count == 1 then
	redis.call('HSET', KEYS[1], 'first', ARGV[1])
end
redis.call('HSET', KEYS[1], 'last', ARGV[1])
local first = tonumber(redis.call('HGET', KEYS[1], 'first') or ARGV[1])
if count >= threshold then
	locked_until = now + window
	redis.call('HSET', KEYS[1], 'locked_until', tostring(locked_until))
else
	locked_until = 0
end
redis.call('PEXPIRE', KEYS[1], window)
return {count, first, now, locked_until}
`)

var checkScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local locked_until = tonumber(redis.call('HGET', KEYS[1], 'locked_until') or '0')
if locked_until > 0 and locked_until <= now then
	redis.call('DEL', KEYS[1])
	return {0, 0, 0, 0}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local first = tonumber(redis.call('HGET', KEYS[1], 'first') or '0')
local last = tonumber(redis.call('HGET', KEYS[1], 'last') or '0')
return {count, first, last, locked_until}
`)

type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, policy Policy, prefix string) *Redis {
	if prefix == "" {
		prefix = "lockout"
	}
	return &Redis{client: client, policy: policy.normalized(), prefix: prefix, now: time.Now}
}

func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) key(identifier string) string {
	return r.prefix + ":" + identifier
}

func (r *Redis) RecordFailure(ctx context.Context, identifier string) (Status, error) {
	now := r.now()
	raw, err := recordFailureScript.Run(ctx, r.client, []string{r.key(identifier)},
		now.UnixMilli(), r.policy.Threshold, r.policy.Duration.Milliseconds()).Result()
	if err != nil {
		return Status{}, storage.Wrap("redis record login failure", err)
	}
	return r.decode(raw, now)
}

func (r *Redis) Check(ctx context.Context, identifier string) (Status, error) {
	now := r.now()
	raw, err := checkScript.Run(ctx, r.client, []string{r.key(identifier)}, now.UnixMilli()).Result()
	if err != nil {
		return Status{}, storage.Wrap("redis check lockout", err)
	}
	return r.decode(raw, now)
}

func (r *Redis) Clear(ctx context.Context, identifier string) error {
	if err := r.client.Del(ctx, r.key(identifier)).Err(); err != nil {
		return storage.Wrap("redis clear lockout", err)
	}
	return nil
}

// Sweep is a no-op: every record carries a PEXPIRE.
func (r *Redis) Sweep(context.Context) (int64, error) {
	return 0, nil
}

func (r *Redis) decode(raw any, now time.Time) (Status, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 4 {
		return Status{}, storage.Wrap("decode lockout script reply", fmt.Errorf("unexpected reply %v", raw))
	}

	ints := make([]int64, len(values))
	for i, value := range values {
		n, ok := value.(int64)
		if !ok {
			return Status{}, storage.Wrap("decode lockout script reply", fmt.Errorf("unexpected element %v", value))
		}
		ints[i] = n
	}

	return statusFor(r.policy, int(ints[0]), fromMillis(ints[1]), fromMillis(ints[2]), fromMillis(ints[3]), now), nil
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
