package lockout

import (
	"context"
	"time"

	"openclip-auth/internal/ttlmap"
)

type record struct {
	failures    int
	first       time.Time
	last        time.Time
	lockedUntil time.Time
}

type Memory struct {
	policy  Policy
	records *ttlmap.Map[record]
	now     func() time.Time
}

func NewMemory(policy Policy) *Memory {
	return &Memory{policy: policy.normalized(), records: ttlmap.New[record](), now: time.Now}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) RecordFailure(_ context.Context, identifier string) (Status, error) {
	now := m.now()
	rec := m.records.Update(identifier, now, func(current record, ok bool) (record, time.Time, bool) {
		if ok && now.Before(current.lockedUntil) {
			return current, current.lockedUntil, true
		}
		if !ok {
			current = record{first: now}
		}
		current.failures++
		current.last = now
		if current.failures >= m.policy.Threshold {
			current.lockedUntil = now.Add(m.policy.Duration)
			return current, current.lockedUntil, true
		}
		return current, now.Add(m.policy.Duration), true
	})
	return statusFor(m.policy, rec.failures, rec.first, rec.last, rec.lockedUntil, now), nil
}

func (m *Memory) Check(_ context.Context, identifier string) (Status, error) {
	now := m.now()
	rec, ok := m.records.Get(identifier, now)
	if !ok {
		return statusFor(m.policy, 0, time.Time{}, time.Time{}, time.Time{}, now), nil
	}
	return statusFor(m.policy, rec.failures, rec.first, rec.last, rec.lockedUntil, now), nil
}

func (m *Memory) Clear(_ context.Context, identifier string) error {
	m.records.Delete(identifier)
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int64, error) {
	return int64(m.records.Sweep(m.now())), nil
}
