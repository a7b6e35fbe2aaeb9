package providerkey

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]Key
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]Key), now: time.Now}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Put(_ context.Context, key Key) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key.CreatedAt = now
	if existing, ok := s.keys[key.Provider]; ok {
		key.CreatedAt = existing.CreatedAt
	}
	key.UpdatedAt = now
	s.keys[key.Provider] = key
	return key, nil
}

func (s *MemoryStore) Get(_ context.Context, provider string) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[provider]
	if !ok {
		return Key{}, ErrNotFound
	}
	return key, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Key, error) {
	s.mu.RLock()
	keys := make([]Key, 0, len(s.keys))
	for _, key := range s.keys {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Provider < keys[j].Provider })
	return keys, nil
}

func (s *MemoryStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[provider]; !ok {
		return ErrNotFound
	}
	delete(s.keys, provider)
	return nil
}
