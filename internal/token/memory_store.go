package token

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps refresh token records in process. One mutex guards every
// record, which makes Rotate a compare-and-set.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Create(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[hashToken(record.Token)] = stripToken(record)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, rawToken string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[hashToken(rawToken)]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return record, nil
}

func (s *MemoryStore) Rotate(_ context.Context, oldToken string, next Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := hashToken(oldToken)
	current, ok := s.records[key]
	if !ok {
		return ErrRecordNotFound
	}
	if !current.Active(now) {
		return ErrRecordInactive
	}

	current.RevokedAt = now
	s.records[key] = current
	s.records[hashToken(next.Token)] = stripToken(next)
	return nil
}

func (s *MemoryStore) RevokeAll(_ context.Context, subjectID string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for key, record := range s.records {
		if record.SubjectID != subjectID || record.Revoked() {
			continue
		}
		record.RevokedAt = now
		s.records[key] = record
		revoked++
	}
	return revoked, nil
}

// Sweep drops expired and revoked records.
func (s *MemoryStore) Sweep(_ context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, record := range s.records {
		if !record.Active(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

func stripToken(record Record) Record {
	record.Token = ""
	return record
}
