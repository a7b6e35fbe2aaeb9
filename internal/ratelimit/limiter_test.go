package ratelimit

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
	limiter Limiter
	advance func(time.Duration)
}

func memoryFixture(t *testing.T) fixture {
	t.Helper()
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewMemory().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return fixture{
		limiter: limiter,
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
	return fixture{limiter: NewRedis(client, ""), advance: mr.FastForward}
}

func eachBackend(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFixture(t)) })
}

func TestLimiter_LoginWindow(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		policy := DefaultPolicies().Login
		key := Key(OperationLogin, "ip1")

		for i := 1; i <= 10; i++ {
			decision, err := f.limiter.Allow(ctx, key, policy)
			require.NoError(t, err)
			assert.True(t, decision.Allowed, "call %d", i)
			assert.Equal(t, 10-i, decision.Remaining)
		}

		decision, err := f.limiter.Allow(ctx, key, policy)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.Greater(t, decision.RetryAfter, time.Duration(0))
		assert.LessOrEqual(t, decision.RetryAfter, time.Minute)

		f.advance(61 * time.Second)

		decision, err = f.limiter.Allow(ctx, key, policy)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 1, decision.Count)
	})
}

func TestLimiter_WindowAlignedToFirstRequest(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		policy := Policy{Limit: 2, Window: time.Minute}

		_, err := f.limiter.Allow(ctx, "k", policy)
		require.NoError(t, err)
		f.advance(50 * time.Second)
		_, err = f.limiter.Allow(ctx, "k", policy)
		require.NoError(t, err)

		decision, err := f.limiter.Allow(ctx, "k", policy)
		require.NoError(t, err)
		assert.False(t, decision.Allowed)
		assert.LessOrEqual(t, decision.RetryAfter, 10*time.Second)

		f.advance(11 * time.Second)
		decision, err = f.limiter.Allow(ctx, "k", policy)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	})
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		policy := Policy{Limit: 1, Window: time.Minute}

		first, err := f.limiter.Allow(ctx, Key(OperationLogin, "ip1"), policy)
		require.NoError(t, err)
		other, err := f.limiter.Allow(ctx, Key(OperationRegister, "ip1"), policy)
		require.NoError(t, err)
		again, err := f.limiter.Allow(ctx, Key(OperationLogin, "ip1"), policy)
		require.NoError(t, err)

		assert.True(t, first.Allowed)
		assert.True(t, other.Allowed)
		assert.False(t, again.Allowed)
	})
}

func TestLimiter_ConcurrentBurstNeverOveradmits(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		policy := Policy{Limit: 3, Window: time.Minute}

		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				decision, err := f.limiter.Allow(ctx, "burst", policy)
				if assert.NoError(t, err) && decision.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), allowed.Load())
	})
}

func TestParsePolicy(t *testing.T) {
	policy, err := ParsePolicy(" 10/60 ")
	require.NoError(t, err)
	assert.Equal(t, Policy{Limit: 10, Window: time.Minute}, policy)
	assert.Equal(t, "10/60", policy.String())

	for _, bad := range []string{"", "10", "0/60", "10/0", "x/60", "10/y"} {
		_, err := ParsePolicy(bad)
		assert.Error(t, err, bad)
	}
}

func TestDefaultPolicies(t *testing.T) {
	policies := DefaultPolicies()
	assert.Equal(t, Policy{Limit: 5, Window: 5 * time.Minute}, policies.Register)
	assert.Equal(t, Policy{Limit: 10, Window: time.Minute}, policies.Login)
	assert.Equal(t, Policy{Limit: 3, Window: 5 * time.Minute}, policies.PasswordReset)
}
