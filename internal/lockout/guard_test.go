package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	guard   Guard
	advance func(time.Duration)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func memoryFixture(t *testing.T) fixture {
	t.Helper()
	clock := newTestClock()
	return fixture{guard: NewMemory(DefaultPolicy()).WithClock(clock.Now), advance: clock.Advance}
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

	clock := newTestClock()
	return fixture{
		guard: NewRedis(client, DefaultPolicy(), "").WithClock(clock.Now),
		advance: func(d time.Duration) {
			clock.Advance(d)
			mr.FastForward(d)
		},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, redisFixture(t)) })
}

func TestGuard_LocksOnThreshold(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()

		for i := 1; i <= 4; i++ {
			status, err := f.guard.RecordFailure(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.False(t, status.Locked)
			assert.Equal(t, i, status.Failures)
			assert.Equal(t, 5-i, status.RemainingAttempts)
		}

		status, err := f.guard.RecordFailure(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, status.Locked)
		assert.Equal(t, 5, status.Failures)
		assert.Equal(t, 0, status.RemainingAttempts)

		checked, err := f.guard.Check(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, checked.Locked)
		assert.Equal(t, status.LockedUntil, checked.LockedUntil)

		other, err := f.guard.Check(ctx, "bob@example.com")
		require.NoError(t, err)
		assert.False(t, other.Locked)
		assert.Equal(t, 5, other.RemainingAttempts)
	})
}

func TestGuard_FailureWhileLockedDoesNotExtend(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		var first Status
		for i := 0; i < 5; i++ {
			var err error
			first, err = f.guard.RecordFailure(ctx, "alice@example.com")
			require.NoError(t, err)
		}

		f.advance(time.Minute)
		again, err := f.guard.RecordFailure(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, again.Locked)
		assert.Equal(t, first.LockedUntil, again.LockedUntil)
		assert.Equal(t, 5, again.Failures)
	})
}

func TestGuard_LockExpires(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := f.guard.RecordFailure(ctx, "alice@example.com")
			require.NoError(t, err)
		}

		f.advance(15*time.Minute + time.Second)

		status, err := f.guard.Check(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, status.Locked)
		assert.Equal(t, 0, status.Failures)
		assert.Equal(t, 5, status.RemainingAttempts)

		status, err = f.guard.RecordFailure(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, status.Locked)
		assert.Equal(t, 1, status.Failures)
	})
}

func TestGuard_QuietWindowForgetsFailures(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			_, err := f.guard.RecordFailure(ctx, "alice@example.com")
			require.NoError(t, err)
		}

		f.advance(16 * time.Minute)

		status, err := f.guard.RecordFailure(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, 1, status.Failures)
	})
}

func TestGuard_Clear(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := f.guard.RecordFailure(ctx, "alice@example.com")
			require.NoError(t, err)
		}
		require.NoError(t, f.guard.Clear(ctx, "alice@example.com"))

		status, err := f.guard.Check(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.False(t, status.Locked)
		assert.Equal(t, 0, status.Failures)
	})
}

func TestGuard_ConcurrentFailuresAreCounted(t *testing.T) {
	eachBackend(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.guard.RecordFailure(ctx, "alice@example.com")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		status, err := f.guard.Check(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, 4, status.Failures)
		assert.Equal(t, 1, status.RemainingAttempts)
	})
}

func TestStatus_RetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.Zero(t, Status{}.RetryAfter(now))
	assert.Equal(t, 10*time.Minute, Status{Locked: true, LockedUntil: now.Add(10 * time.Minute)}.RetryAfter(now))
	assert.Equal(t, time.Second, Status{Locked: true, LockedUntil: now.Add(time.Millisecond)}.RetryAfter(now))
}

func TestMemory_Sweep(t *testing.T) {
	clock := newTestClock()
	guard := NewMemory(Policy{Threshold: 2, Duration: time.Minute}).WithClock(clock.Now)
	ctx := context.Background()

	_, err := guard.RecordFailure(ctx, "a")
	require.NoError(t, err)
	_, err = guard.RecordFailure(ctx, "b")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	removed, err := guard.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
