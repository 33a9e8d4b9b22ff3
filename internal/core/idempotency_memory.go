package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryIdempotencyStore is the durable tier for single-process deployments
// and tests. Records do not survive a restart.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// SetClock overrides time.Now, for tests.
func (s *MemoryIdempotencyStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.compositeKey()
	if cur, ok := s.records[key]; ok && s.now().Before(cur.ExpiresAt) {
		return cur, false, nil
	}
	rec.Status = RecordPending
	s.records[key] = rec
	return Record{}, true, nil
}

func (s *MemoryIdempotencyStore) Complete(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.compositeKey()
	cur, ok := s.records[key]
	if !ok || cur.Status != RecordPending || cur.Fingerprint != rec.Fingerprint {
		return fmt.Errorf("%w: %s", ErrClaimHeld, key)
	}
	rec.Status = RecordCompleted
	rec.Payload = slices.Clone(rec.Payload)
	s.records[key] = rec
	return nil
}

func (s *MemoryIdempotencyStore) Release(_ context.Context, scope Scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ck := compositeKey(scope, key)
	cur, ok := s.records[ck]
	if !ok || cur.Status != RecordPending {
		return fmt.Errorf("%w: %s", ErrClaimHeld, ck)
	}
	delete(s.records, ck)
	return nil
}

func (s *MemoryIdempotencyStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, r := range s.records {
		if !before.Before(r.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryIdempotencyStore) Recent(_ context.Context, since time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	var out []Record
	for _, r := range s.records {
		if r.Status == RecordCompleted && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
