package offer

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"
)

// Filter selects offers for List. Side is the offer owner's side.
type Filter struct {
	Side     Side
	Asset    string
	Fiat     string
	SellerID string
	// ActiveOnly drops offers that are not Matchable at At.
	ActiveOnly bool
	// At is the matchability instant; zero means now.
	At    time.Time
	Limit int
}

// AsOf is At, defaulting to the current time.
func (f Filter) AsOf() time.Time {
	if f.At.IsZero() {
		return time.Now()
	}
	return f.At
}

func (f Filter) matches(o Offer) bool {
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.Asset != "" && !strings.EqualFold(o.Asset, f.Asset) {
		return false
	}
	if f.Fiat != "" && !strings.EqualFold(o.Fiat, f.Fiat) {
		return false
	}
	if f.SellerID != "" && o.SellerID != f.SellerID {
		return false
	}
	if f.ActiveOnly && !o.Matchable(f.AsOf()) {
		return false
	}
	return true
}

// Store holds offers. List returns offers in upstream price order (see
// PriceOrder); ranking never re-sorts by price.
//
// Liquidity is not mutated through Store. The trade store owns the
// compare-and-decrement so it can pair it with the trade insert.
type Store interface {
	Get(ctx context.Context, id string) (Offer, error)
	List(ctx context.Context, f Filter) ([]Offer, error)
	Upsert(ctx context.Context, o Offer) error
	Delete(ctx context.Context, id string) error
}

// PriceOrder is the upstream sort for offers of the given owner side.
// SELL offers serve buyers, cheapest first; BUY offers serve sellers,
// highest bid first. Equal prices fall back to age, then id.
func PriceOrder(offerSide Side) func(a, b Offer) int {
	return func(a, b Offer) int {
		c := a.Price.Cmp(b.Price)
		if offerSide == SideBuy {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	}
}

// SortFor sorts offers in place by the upstream order for offerSide.
func SortFor(offerSide Side, offers []Offer) {
	slices.SortStableFunc(offers, PriceOrder(offerSide))
}
