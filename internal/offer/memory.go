package offer

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store. Writes to one offer are serialized by
// a per-offer mutex so read-modify-write sequences (see Update) never lose
// a concurrent decrement.
type MemoryStore struct {
	mu     sync.RWMutex
	offers map[string]Offer
	locks  map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers: make(map[string]Offer),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) Get(_ context.Context, id string) (Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return Offer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, f Filter) ([]Offer, error) {
	s.mu.RLock()
	out := make([]Offer, 0, len(s.offers))
	for _, o := range s.offers {
		if f.matches(o) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()

	side := f.Side
	if side == "" {
		side = SideSell
	}
	SortFor(side, out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, o Offer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	l := s.lockFor(o.ID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.offers[o.ID]; ok && o.CreatedAt.IsZero() {
		o.CreatedAt = prev.CreatedAt
	}
	s.offers[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.offers, id)
	return nil
}

// Update runs fn against the current offer while holding that offer's lock
// and stores the result if fn returns nil. The offer is re-validated before
// it is written back, so fn cannot drive available_amount negative.
func (s *MemoryStore) Update(_ context.Context, id string, fn func(o *Offer) error) (Offer, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	cur, ok := s.offers[id]
	s.mu.RUnlock()
	if !ok {
		return Offer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur.Clone(), err
	}
	if err := next.Validate(); err != nil {
		return cur.Clone(), err
	}

	s.mu.Lock()
	s.offers[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}
