package offer

import (
	"P2PDesk/internal/apperr"
	fpmath "P2PDesk/internal/math"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("offer not found")
	ErrInvalid  = errors.New("invalid offer")
)

// Side is BUY or SELL. On an Offer it is the owner's perspective; on a
// request it is the requester's.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// Opposite returns the counter side. A BUY request is filled by SELL offers.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// CryptoRounding is the direction applied to the crypto leg of a request.
// The buyer receives crypto, so it is rounded down; the seller delivers
// crypto, so it is rounded up.
func (s Side) CryptoRounding() fpmath.RoundingMode {
	if s == SideBuy {
		return fpmath.RoundDown
	}
	return fpmath.RoundUp
}

// FiatRounding is the direction applied when fiat is derived from crypto.
// The buyer pays fiat (round up); the seller receives it (round down).
func (s Side) FiatRounding() fpmath.RoundingMode {
	if s == SideBuy {
		return fpmath.RoundUp
	}
	return fpmath.RoundDown
}

type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusInactive Status = "inactive"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusInactive:
		return true
	}
	return false
}

type Tier string

const (
	TierNone   Tier = ""
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Rank orders tiers for ranking. Unset counts as bronze.
func (t Tier) Rank() int {
	switch t {
	case TierGold:
		return 3
	case TierSilver:
		return 2
	default:
		return 1
	}
}

func (t Tier) Valid() bool {
	switch t {
	case TierNone, TierBronze, TierSilver, TierGold:
		return true
	}
	return false
}

// Offer is a standing willingness to trade an asset within fiat limits.
// Seller reputation is never copied in; callers join it at read time.
type Offer struct {
	ID             string          `json:"offer_id"`
	SellerID       string          `json:"seller_id"`
	Side           Side            `json:"side"`
	Asset          string          `json:"asset"`
	Fiat           string          `json:"fiat"`
	Price          decimal.Decimal `json:"price_per_unit"`
	Available      decimal.Decimal `json:"available_amount"`
	MinLimitFiat   decimal.Decimal `json:"min_limit_fiat"`
	MaxLimitFiat   decimal.Decimal `json:"max_limit_fiat"`
	PaymentMethods []string        `json:"payment_methods"`
	SellerTier     Tier            `json:"seller_tier,omitempty"`
	IsBoosted      bool            `json:"is_boosted"`
	BoostedUntil   *time.Time      `json:"boosted_until,omitempty"`
	Status         Status          `json:"status"`
	Region         string          `json:"region,omitempty"`
	KYCRequired    bool            `json:"kyc_required"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks structural invariants. It does not look at status.
func (o Offer) Validate() error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: offer_id is required", ErrInvalid)
	case o.SellerID == "":
		return fmt.Errorf("%w: seller_id is required", ErrInvalid)
	case o.Side != SideBuy && o.Side != SideSell:
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalid)
	case o.Asset == "" || o.Fiat == "":
		return fmt.Errorf("%w: asset and fiat are required", ErrInvalid)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: price_per_unit must be positive", ErrInvalid)
	case o.Available.IsNegative():
		return fmt.Errorf("%w: available_amount must not be negative", ErrInvalid)
	case o.MinLimitFiat.IsNegative():
		return fmt.Errorf("%w: min_limit_fiat must not be negative", ErrInvalid)
	case !o.MinLimitFiat.LessThan(o.MaxLimitFiat):
		return fmt.Errorf("%w: min_limit_fiat must be below max_limit_fiat", ErrInvalid)
	case len(o.PaymentMethods) == 0:
		return fmt.Errorf("%w: at least one payment method is required", ErrInvalid)
	case !o.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, o.Status)
	case !o.SellerTier.Valid():
		return fmt.Errorf("%w: unknown seller_tier %q", ErrInvalid, o.SellerTier)
	case o.IsBoosted && o.BoostedUntil == nil:
		return fmt.Errorf("%w: boosted offers need boosted_until", ErrInvalid)
	}
	return nil
}

// Matchable reports whether the offer may take new trades at now. A boosted
// offer stops matching once its boost lapses.
func (o Offer) Matchable(now time.Time) bool {
	if o.Status != StatusActive {
		return false
	}
	return !o.IsBoosted || o.BoostActive(now)
}

// BoostActive reports whether the boost still counts for ordering at now.
func (o Offer) BoostActive(now time.Time) bool {
	return o.IsBoosted && o.BoostedUntil != nil && now.Before(*o.BoostedUntil)
}

func (o Offer) AcceptsPayment(method string) bool {
	for _, m := range o.PaymentMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// ServesRegion treats an empty offer region as worldwide.
func (o Offer) ServesRegion(region string) bool {
	return o.Region == "" || region == "" || strings.EqualFold(o.Region, region)
}

// CheckAmount validates a fiat amount, and the crypto it converts to, against
// the offer's limits and remaining liquidity. Limits are checked first so a
// too-large request reports LIMIT_TOO_HIGH regardless of liquidity.
func (o Offer) CheckAmount(amountFiat, amountCrypto decimal.Decimal) *apperr.Error {
	if amountFiat.LessThan(o.MinLimitFiat) {
		return apperr.Newf(apperr.CodeLimitTooLow,
			"amount %s %s is below the offer minimum of %s", amountFiat, o.Fiat, o.MinLimitFiat)
	}
	if amountFiat.GreaterThan(o.MaxLimitFiat) {
		return apperr.Newf(apperr.CodeLimitTooHigh,
			"amount %s %s is above the offer maximum of %s", amountFiat, o.Fiat, o.MaxLimitFiat)
	}
	if amountCrypto.GreaterThan(o.Available) {
		return apperr.Newf(apperr.CodeInsufficientLiquidity,
			"offer has %s %s available, %s requested", o.Available, o.Asset, amountCrypto)
	}
	return nil
}

// Clone returns a copy that shares no slices with o.
func (o Offer) Clone() Offer {
	c := o
	c.PaymentMethods = append([]string(nil), o.PaymentMethods...)
	if o.BoostedUntil != nil {
		t := *o.BoostedUntil
		c.BoostedUntil = &t
	}
	return c
}

// Normalize upper-cases codes and defaults status.
func (o *Offer) Normalize() {
	o.Asset = strings.ToUpper(strings.TrimSpace(o.Asset))
	o.Fiat = strings.ToUpper(strings.TrimSpace(o.Fiat))
	o.Side = Side(strings.ToUpper(string(o.Side)))
	o.SellerTier = Tier(strings.ToLower(string(o.SellerTier)))
	if o.Status == "" {
		o.Status = StatusActive
	}
}
