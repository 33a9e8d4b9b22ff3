package trade

import (
	"P2PDesk/internal/offer"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps trades in process and pairs every liquidity change with
// the offer's own lock through offer.MemoryStore.Update.
type MemoryStore struct {
	offers *offer.MemoryStore

	mu     sync.RWMutex
	trades map[string]Trade
	locks  map[string]*sync.Mutex
}

func NewMemoryStore(offers *offer.MemoryStore) *MemoryStore {
	return &MemoryStore{
		offers: offers,
		trades: make(map[string]Trade),
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

func (s *MemoryStore) Create(ctx context.Context, t Trade, check func(o offer.Offer, t *Trade) error) (Trade, error) {
	s.mu.RLock()
	_, exists := s.trades[t.ID]
	s.mu.RUnlock()
	if exists {
		return Trade{}, fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
	}

	_, err := s.offers.Update(ctx, t.OfferID, func(o *offer.Offer) error {
		if err := check(*o, &t); err != nil {
			return err
		}
		remaining := o.Available.Sub(t.AmountCrypto)
		if remaining.IsNegative() {
			return fmt.Errorf("offer %s: available %s below %s", o.ID, o.Available, t.AmountCrypto)
		}
		o.Available = remaining

		s.mu.Lock()
		defer s.mu.Unlock()
		if _, dup := s.trades[t.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicate, t.ID)
		}
		s.trades[t.ID] = t
		return nil
	})
	if err != nil {
		return Trade{}, err
	}
	return t, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return Trade{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from []Status, to Status, apply func(t *Trade)) (Trade, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return Trade{}, err
	}
	if !slices.Contains(from, cur.Status) {
		return cur, ErrStatusConflict
	}

	next := cur
	if apply != nil {
		apply(&next)
	}
	next.Status = to
	if to.Terminal() {
		next.EscrowLocked = false
	}

	if to.RestoresLiquidity() && cur.EscrowLocked {
		_, err := s.offers.Update(ctx, cur.OfferID, func(o *offer.Offer) error {
			o.Available = o.Available.Add(cur.AmountCrypto)
			return nil
		})
		// A deleted offer has nothing to restore into.
		if err != nil && !errors.Is(err, offer.ErrNotFound) {
			return cur, fmt.Errorf("restore liquidity on %s: %w", cur.OfferID, err)
		}
	}

	s.mu.Lock()
	s.trades[id] = next
	s.mu.Unlock()
	return next, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Trade, error) {
	return s.collect(limit, func(t Trade) bool { return t.Expired(now) }, func(a, b Trade) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	}), nil
}

func (s *MemoryStore) ListStalePaid(_ context.Context, cutoff time.Time, limit int) ([]Trade, error) {
	return s.collect(limit, func(t Trade) bool {
		return t.Status == StatusBuyerMarkedPaid && t.PaidAt != nil && !t.PaidAt.After(cutoff)
	}, func(a, b Trade) int {
		return a.PaidAt.Compare(*b.PaidAt)
	}), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Trade, error) {
	return s.collect(limit, func(t Trade) bool { return t.IsParty(userID) }, func(a, b Trade) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	}), nil
}

func (s *MemoryStore) collect(limit int, keep func(Trade) bool, order func(a, b Trade) int) []Trade {
	s.mu.RLock()
	var out []Trade
	for _, t := range s.trades {
		if keep(t) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
