// Package ttlmap is a mutex-guarded map whose entries carry their own
// expiry. It backs the in-memory variants of the revocation, lockout and
// rate-limit stores, where every read-modify-write must happen under a
// single lock and nothing may be evicted before it expires.
package ttlmap

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type Map[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
}

func New[V any]() *Map[V] {
	return &Map[V]{items: make(map[string]entry[V])}
}

// Get returns the value stored under key if it has not expired at now.
// Expired entries are dropped on the way out.
func (m *Map[V]) Get(key string, now time.Time) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.live(key, now)
}

func (m *Map[V]) Set(key string, value V, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[key] = entry[V]{value: value, expiresAt: expiresAt}
}

// SetIfAbsent stores value only when no live entry exists for key and
// reports whether it did.
func (m *Map[V]) SetIfAbsent(key string, value V, expiresAt, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key, now); ok {
		return false
	}
	m.items[key] = entry[V]{value: value, expiresAt: expiresAt}
	return true
}

// Update applies fn to the live value under key while holding the lock.
// fn returns the replacement value, its expiry, and whether to keep it;
// when keep is false the key is removed. The value fn produced is returned.
func (m *Map[V]) Update(key string, now time.Time, fn func(current V, ok bool) (V, time.Time, bool)) V {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.live(key, now)
	next, expiresAt, keep := fn(current, ok)
	if keep {
		m.items[key] = entry[V]{value: next, expiresAt: expiresAt}
	} else {
		delete(m.items, key)
	}
	return next
}

func (m *Map[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
}

// Sweep removes every entry expired at now and returns how many it removed.
func (m *Map[V]) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, item := range m.items {
		if !now.Before(item.expiresAt) {
			delete(m.items, key)
			removed++
		}
	}
	return removed
}

func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items)
}

func (m *Map[V]) live(key string, now time.Time) (V, bool) {
	item, ok := m.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !now.Before(item.expiresAt) {
		delete(m.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}
