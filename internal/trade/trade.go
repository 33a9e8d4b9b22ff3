package trade

import (
	"P2PDesk/internal/offer"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("trade not found")
	// ErrStatusConflict means the trade was not in any of the expected
	// statuses when the compare-and-set ran. The store returns the current
	// trade alongside it.
	ErrStatusConflict = errors.New("trade status changed concurrently")
	ErrDuplicate      = errors.New("trade already exists")
)

// SystemActor marks changes made by the sweeper rather than a user.
const SystemActor = "system"

type Status string

const (
	StatusPendingPayment    Status = "pending_payment"
	StatusBuyerMarkedPaid   Status = "buyer_marked_paid"
	StatusReleased          Status = "released"
	StatusCancelled         Status = "cancelled"
	StatusDisputed          Status = "disputed"
	StatusResolvedReleased  Status = "resolved_released"
	StatusResolvedCancelled Status = "resolved_cancelled"
)

var transitions = map[Status][]Status{
	StatusPendingPayment:  {StatusBuyerMarkedPaid, StatusCancelled, StatusDisputed},
	StatusBuyerMarkedPaid: {StatusReleased, StatusDisputed},
	StatusDisputed:        {StatusResolvedReleased, StatusResolvedCancelled},
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Next lists the statuses reachable from s in one step.
func (s Status) Next() []Status {
	return slices.Clone(transitions[s])
}

func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusCancelled, StatusResolvedReleased, StatusResolvedCancelled:
		return true
	}
	return false
}

// RestoresLiquidity reports whether entering s returns the escrowed crypto
// to the offer.
func (s Status) RestoresLiquidity() bool {
	return s == StatusCancelled || s == StatusResolvedCancelled
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s.Terminal()
}

// Trade binds two parties to one offer at a frozen price and amount.
// Side is the requester's side: for BUY the requester is the buyer and the
// offer owner the seller, for SELL the reverse.
type Trade struct {
	ID            string          `json:"trade_id"`
	OfferID       string          `json:"offer_id"`
	QuoteID       string          `json:"quote_id,omitempty"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	Side          offer.Side      `json:"side"`
	Asset         string          `json:"asset"`
	Fiat          string          `json:"fiat"`
	AmountFiat    decimal.Decimal `json:"amount_fiat"`
	AmountCrypto  decimal.Decimal `json:"amount_crypto"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"payment_method"`
	Status        Status          `json:"status"`
	EscrowLocked  bool            `json:"escrow_locked"`
	CreatedAt     time.Time       `json:"created_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CancelledBy   string          `json:"cancelled_by,omitempty"`
	DisputedBy    string          `json:"disputed_by,omitempty"`
	DisputeReason string          `json:"dispute_reason,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RequesterID is the party who created the trade.
func (t Trade) RequesterID() string {
	if t.Side == offer.SideBuy {
		return t.BuyerID
	}
	return t.SellerID
}

// OwnerID is the offer owner.
func (t Trade) OwnerID() string {
	if t.Side == offer.SideBuy {
		return t.SellerID
	}
	return t.BuyerID
}

func (t Trade) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Expired reports whether the payment window has closed on a pending trade.
func (t Trade) Expired(now time.Time) bool {
	return t.Status == StatusPendingPayment && !now.Before(t.ExpiresAt)
}

// ExpiredBySystem reports whether the trade was cancelled by the sweeper.
func (t Trade) ExpiredBySystem() bool {
	return t.Status == StatusCancelled && t.CancelledBy == SystemActor
}

// Store persists trades. Implementations make Create and Transition atomic
// with the offer liquidity change they imply.
type Store interface {
	// Create locks the offer, runs check against its current state,
	// decrements available_amount by t.AmountCrypto and inserts t, all in
	// one atomic step. check may fill in fields of t that depend on the
	// offer. Errors from check are returned unchanged.
	Create(ctx context.Context, t Trade, check func(o offer.Offer, t *Trade) error) (Trade, error)

	Get(ctx context.Context, id string) (Trade, error)

	// Transition moves the trade to `to` if its status is one of from,
	// applying apply to the row first. Entering a status that restores
	// liquidity credits the offer in the same atomic step. On a status
	// mismatch it returns the current trade and ErrStatusConflict.
	Transition(ctx context.Context, id string, from []Status, to Status, apply func(t *Trade)) (Trade, error)

	// ListExpired returns pending trades whose expires_at is at or before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Trade, error)

	// ListStalePaid returns buyer_marked_paid trades paid at or before cutoff.
	ListStalePaid(ctx context.Context, cutoff time.Time, limit int) ([]Trade, error)

	// ListByUser returns trades where the user is a party, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]Trade, error)
}

// Finish applies the bookkeeping every store performs on a successful
// transition: status, updated_at, and escrow release on terminal states.
func Finish(t *Trade, to Status, now time.Time) {
	t.Status = to
	t.UpdatedAt = now
	if to.Terminal() {
		t.EscrowLocked = false
		if t.CompletedAt == nil {
			c := now
			t.CompletedAt = &c
		}
	}
}
