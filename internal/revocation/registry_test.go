package revocation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry Registry
	advance  func(time.Duration)
}

func memoryFixture(t *testing.T) fixture {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := NewMemory().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return fixture{
		registry: reg,
		advance: func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		},
	}
}

func redisFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return fixture{registry: NewRedis(client, ""), advance: mr.FastForward}
}

func eachBackend(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFixture(t)) })
}

func TestRegistry_RevokeAndExpire(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		revoked, err := f.registry.IsRevoked(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, revoked)

		require.NoError(t, f.registry.Revoke(ctx, "jti-1", 30*time.Minute))

		revoked, err = f.registry.IsRevoked(ctx, "jti-1")
		require.NoError(t, err)
		assert.True(t, revoked)

		f.advance(31 * time.Minute)

		revoked, err = f.registry.IsRevoked(ctx, "jti-1")
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}

func TestRegistry_NonPositiveTTLIsNoop(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		require.NoError(t, f.registry.Revoke(ctx, "expired", 0))
		require.NoError(t, f.registry.Revoke(ctx, "expired", -time.Minute))

		revoked, err := f.registry.IsRevoked(ctx, "expired")
		require.NoError(t, err)
		assert.False(t, revoked)
	})
}

func TestRegistry_RevokeOnceSingleWinner(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		var winners int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, err := f.registry.RevokeOnce(ctx, "reset-jti", time.Hour)
				assert.NoError(t, err)
				if won {
					atomic.AddInt32(&winners, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners)

		revoked, err := f.registry.IsRevoked(ctx, "reset-jti")
		require.NoError(t, err)
		assert.True(t, revoked)
	})
}

func TestMemory_Sweep(t *testing.T) {
	f := memoryFixture(t)
	reg := f.registry.(*Memory)
	ctx := context.Background()

	require.NoError(t, reg.Revoke(ctx, "a", time.Minute))
	require.NoError(t, reg.Revoke(ctx, "b", time.Hour))
	f.advance(2 * time.Minute)

	removed, err := reg.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestRedis_ConnectionFailureIsStorageError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	_, err = NewRedis(client, "").IsRevoked(context.Background(), "jti")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: redis check revoked token")
}
