package ratelimit

import (
	"context"
	"time"

	"openclip-auth/internal/ttlmap"
)

type window struct {
	count   int
	started time.Time
}

type Memory struct {
	windows *ttlmap.Map[window]
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{windows: ttlmap.New[window](), now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Allow(_ context.Context, key string, policy Policy) (Decision, error) {
	now := m.now()
	current := m.windows.Update(key, now, func(w window, ok bool) (window, time.Time, bool) {
		if !ok {
			w = window{started: now}
		}
		w.count++
		return w, w.started.Add(policy.Window), true
	})
	return decide(policy, current.count, current.started.Add(policy.Window), now), nil
}

func (m *Memory) Sweep(_ context.Context) (int64, error) {
	return int64(m.windows.Sweep(m.now())), nil
}
