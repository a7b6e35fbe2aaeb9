package ttlmap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_GetHonoursExpiry(t *testing.T) {
	m := New[string]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m.Set("a", "alpha", now.Add(time.Minute))

	value, ok := m.Get("a", now)
	require.True(t, ok)
	assert.Equal(t, "alpha", value)

	_, ok = m.Get("a", now.Add(time.Minute))
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMap_SetIfAbsent(t *testing.T) {
	m := New[int]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, m.SetIfAbsent("k", 1, now.Add(time.Second), now))
	assert.False(t, m.SetIfAbsent("k", 2, now.Add(time.Second), now))

	// an expired entry does not block a new one
	assert.True(t, m.SetIfAbsent("k", 3, now.Add(time.Hour), now.Add(2*time.Second)))
	value, _ := m.Get("k", now.Add(2*time.Second))
	assert.Equal(t, 3, value)
}

func TestMap_UpdateIsAtomic(t *testing.T) {
	m := New[int]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Update("counter", now, func(current int, ok bool) (int, time.Time, bool) {
				return current + 1, now.Add(time.Minute), true
			})
		}()
	}
	wg.Wait()

	value, ok := m.Get("counter", now)
	require.True(t, ok)
	assert.Equal(t, 100, value)
}

func TestMap_UpdateCanDelete(t *testing.T) {
	m := New[int]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.Set("k", 5, now.Add(time.Minute))

	got := m.Update("k", now, func(current int, ok bool) (int, time.Time, bool) {
		return 0, time.Time{}, false
	})
	assert.Equal(t, 0, got)
	_, ok := m.Get("k", now)
	assert.False(t, ok)
}

func TestMap_Sweep(t *testing.T) {
	m := New[bool]()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.Set("old", true, now.Add(-time.Second))
	m.Set("edge", true, now)
	m.Set("fresh", true, now.Add(time.Second))

	assert.Equal(t, 2, m.Sweep(now))
	assert.Equal(t, 1, m.Len())
}
