package revocation

import (
	"context"
	"time"

	"openclip-auth/internal/ttlmap"
)

type Memory struct {
	entries *ttlmap.Map[struct{}]
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: ttlmap.New[struct{}](), now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.entries.Set(tokenID, struct{}{}, m.now().Add(ttl))
	return nil
}

func (m *Memory) RevokeOnce(_ context.Context, tokenID string, ttl time.Duration) (bool, error) {
	now := m.now()
	return m.entries.SetIfAbsent(tokenID, struct{}{}, now.Add(onceTTL(ttl)), now), nil
}

func (m *Memory) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	_, ok := m.entries.Get(tokenID, m.now())
	return ok, nil
}

func (m *Memory) Sweep(_ context.Context) (int64, error) {
	return int64(m.entries.Sweep(m.now())), nil
}
