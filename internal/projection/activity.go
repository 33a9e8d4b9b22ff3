package projection

import (
	"P2PDesk/internal/event"
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNoActivity = errors.New("no activity recorded for seller")

// SellerActivity aggregates an offer owner's trades from lifecycle events.
// It is eventually consistent and can be rebuilt from the trades table.
type SellerActivity struct {
	SellerID            string    `json:"seller_id"`
	Opened              int64     `json:"opened"`
	Paid                int64     `json:"paid"`
	Completed           int64     `json:"completed"`
	Cancelled           int64     `json:"cancelled"`
	Expired             int64     `json:"expired"`
	Disputed            int64     `json:"disputed"`
	PaymentSecondsTotal int64     `json:"-"`
	ReleaseSecondsTotal int64     `json:"-"`
	LastTradeAt         time.Time `json:"last_trade_at"`
}

// CompletionRate is completed over closed trades, in percent.
func (a SellerActivity) CompletionRate() float64 {
	closed := a.Completed + a.Cancelled + a.Expired
	if closed == 0 {
		return 0
	}
	return float64(a.Completed) * 100 / float64(closed)
}

// AvgPaymentSeconds is the mean time from open to buyer payment.
func (a SellerActivity) AvgPaymentSeconds() int64 {
	if a.Paid == 0 {
		return 0
	}
	return a.PaymentSecondsTotal / a.Paid
}

// AvgReleaseSeconds is the mean time from payment to release.
func (a SellerActivity) AvgReleaseSeconds() int64 {
	if a.Completed == 0 {
		return 0
	}
	return a.ReleaseSecondsTotal / a.Completed
}

// Delta is the change one event makes to its seller's aggregate.
type Delta struct {
	SellerID       string
	Opened         int64
	Paid           int64
	Completed      int64
	Cancelled      int64
	Expired        int64
	Disputed       int64
	PaymentSeconds int64
	ReleaseSeconds int64
	At             time.Time
}

// DeltaFor maps a trade event onto the offer owner's aggregate. ok is false
// for events that do not move any counter.
func DeltaFor(e event.TradeEvent) (d Delta, ok bool) {
	d = Delta{SellerID: e.OfferOwnerID, At: e.OccurredAt}
	if d.SellerID == "" {
		return Delta{}, false
	}
	switch e.Type {
	case event.EventTypeTradeCreated:
		d.Opened = 1
	case event.EventTypeTradeMarkedPaid:
		d.Paid = 1
		if e.PaidAt != nil {
			d.PaymentSeconds = int64(e.PaidAt.Sub(e.CreatedAt).Seconds())
		}
	case event.EventTypeTradeReleased:
		d.Completed = 1
		d.ReleaseSeconds = releaseSeconds(e)
	case event.EventTypeTradeCancelled:
		d.Cancelled = 1
	case event.EventTypeTradeExpired:
		d.Expired = 1
	case event.EventTypeTradeDisputed, event.EventTypeTradeEscalated:
		d.Disputed = 1
	case event.EventTypeTradeResolved:
		if e.Status == "resolved_released" {
			d.Completed = 1
			d.ReleaseSeconds = releaseSeconds(e)
		} else {
			d.Cancelled = 1
		}
	default:
		return Delta{}, false
	}
	return d, true
}

func releaseSeconds(e event.TradeEvent) int64 {
	if e.PaidAt == nil {
		return 0
	}
	return int64(e.OccurredAt.Sub(*e.PaidAt).Seconds())
}

func (a *SellerActivity) apply(d Delta) {
	a.Opened += d.Opened
	a.Paid += d.Paid
	a.Completed += d.Completed
	a.Cancelled += d.Cancelled
	a.Expired += d.Expired
	a.Disputed += d.Disputed
	a.PaymentSecondsTotal += d.PaymentSeconds
	a.ReleaseSecondsTotal += d.ReleaseSeconds
	if d.At.After(a.LastTradeAt) {
		a.LastTradeAt = d.At
	}
}

// ActivityStore persists seller aggregates. Apply must ignore an event it
// has already applied, keyed by the event's idempotency key.
type ActivityStore interface {
	Apply(ctx context.Context, e event.TradeEvent) error
	Activity(ctx context.Context, sellerID string) (SellerActivity, error)
}

// MemoryActivityStore keeps aggregates in process.
type MemoryActivityStore struct {
	mu      sync.RWMutex
	sellers map[string]SellerActivity
	applied map[string]struct{}
}

func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{
		sellers: make(map[string]SellerActivity),
		applied: make(map[string]struct{}),
	}
}

func (s *MemoryActivityStore) Apply(_ context.Context, e event.TradeEvent) error {
	d, ok := DeltaFor(e)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := e.IdempotencyKey()
	if _, dup := s.applied[key]; dup {
		return nil
	}
	s.applied[key] = struct{}{}

	a := s.sellers[d.SellerID]
	a.SellerID = d.SellerID
	a.apply(d)
	s.sellers[d.SellerID] = a
	return nil
}

func (s *MemoryActivityStore) Activity(_ context.Context, sellerID string) (SellerActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.sellers[sellerID]
	if !ok {
		return SellerActivity{}, ErrNoActivity
	}
	return a, nil
}
