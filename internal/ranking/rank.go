package ranking

import (
	"P2PDesk/internal/apperr"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/reputation"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Filters are reputation and promotion constraints from the caller.
type Filters struct {
	MinRating         float64      `json:"min_rating,omitempty"`
	MinCompletionRate float64      `json:"min_completion_rate,omitempty"`
	VerifiedOnly      bool         `json:"verified_only,omitempty"`
	Tiers             []offer.Tier `json:"tiers,omitempty"`
	BoostedOnly       bool         `json:"boosted_only,omitempty"`
}

func (f Filters) needsProfile() bool {
	return f.MinRating > 0 || f.MinCompletionRate > 0 || f.VerifiedOnly
}

// Query describes a ranking request. Side is the requester's side; the
// candidates are offers on the opposite side.
type Query struct {
	Side          offer.Side
	Asset         string
	Fiat          string
	PaymentMethod string
	Region        string
	// AmountFiat, when set, enables the limit and liquidity checks.
	AmountFiat *decimal.Decimal
	// AssetDecimals is the precision used to convert AmountFiat to crypto.
	AssetDecimals int32
	Filters       Filters
}

// Candidate is one ranked offer with its seller joined in.
type Candidate struct {
	Offer   offer.Offer         `json:"offer"`
	Seller  *reputation.Profile `json:"seller,omitempty"`
	Boosted bool                `json:"boosted"`
	// AmountCrypto is set when the query carried an amount.
	AmountCrypto *decimal.Decimal `json:"amount_crypto,omitempty"`
}

// Result is the ordered candidate list plus why the rest were dropped.
type Result struct {
	Candidates []Candidate
	// Eligible counts offers that passed every non-amount filter.
	Eligible int
	// Rejections counts amount-feasibility failures by code.
	Rejections map[apperr.Code]int
}

// Rank filters offers (in upstream price order) and orders the survivors:
// boosted first, then seller tier, then upstream position. Offers whose
// boost has lapsed are not matchable and are dropped. It never re-sorts by
// price. profiles may omit sellers without a profile.
func Rank(q Query, offers []offer.Offer, profiles map[string]reputation.Profile, now time.Time) Result {
	res := Result{Rejections: make(map[apperr.Code]int)}
	want := q.Side.Opposite()

	for _, o := range offers {
		if !o.Matchable(now) || o.Side != want {
			continue
		}
		if !strings.EqualFold(o.Asset, q.Asset) {
			continue
		}
		if q.Fiat != "" && !strings.EqualFold(o.Fiat, q.Fiat) {
			continue
		}
		if q.PaymentMethod != "" && !o.AcceptsPayment(q.PaymentMethod) {
			continue
		}
		if !o.ServesRegion(q.Region) {
			continue
		}
		boosted := o.BoostActive(now)
		if q.Filters.BoostedOnly && !boosted {
			continue
		}
		if len(q.Filters.Tiers) > 0 && !slices.Contains(q.Filters.Tiers, o.SellerTier) {
			continue
		}

		var seller *reputation.Profile
		if p, ok := profiles[o.SellerID]; ok {
			p := p
			seller = &p
		}
		if !passesReputation(q.Filters, seller) {
			continue
		}
		res.Eligible++

		c := Candidate{Offer: o, Seller: seller, Boosted: boosted}
		if q.AmountFiat != nil {
			crypto, err := fpmath.CryptoForFiat(*q.AmountFiat, o.Price, q.AssetDecimals, q.Side.CryptoRounding())
			if err != nil {
				continue
			}
			if !crypto.IsPositive() {
				res.Rejections[apperr.CodeLimitTooLow]++
				continue
			}
			if aerr := o.CheckAmount(*q.AmountFiat, crypto); aerr != nil {
				res.Rejections[aerr.Code]++
				continue
			}
			c.AmountCrypto = &crypto
		}
		res.Candidates = append(res.Candidates, c)
	}

	slices.SortStableFunc(res.Candidates, compare)
	return res
}

// compare orders by boost, then tier. Equal keys keep upstream order
// because the sort is stable.
func compare(a, b Candidate) int {
	if a.Boosted != b.Boosted {
		if a.Boosted {
			return -1
		}
		return 1
	}
	return b.Offer.SellerTier.Rank() - a.Offer.SellerTier.Rank()
}

func passesReputation(f Filters, seller *reputation.Profile) bool {
	if !f.needsProfile() {
		return true
	}
	if seller == nil {
		return false
	}
	if seller.Rating < f.MinRating {
		return false
	}
	if seller.CompletionRate < f.MinCompletionRate {
		return false
	}
	if f.VerifiedOnly && !seller.Verified {
		return false
	}
	return true
}

// EmptyReason picks the error for an empty constrained ranking: a specific
// code when every eligible offer failed for the same reason, else NO_MATCH.
func (r Result) EmptyReason(q Query) *apperr.Error {
	if r.Eligible > 0 {
		for _, code := range []apperr.Code{
			apperr.CodeLimitTooLow,
			apperr.CodeLimitTooHigh,
			apperr.CodeInsufficientLiquidity,
		} {
			if r.Rejections[code] == r.Eligible {
				return apperr.Newf(code, "%s for all %d matching %s/%s offers", describe(code), r.Eligible, q.Asset, q.Fiat)
			}
		}
		return apperr.Newf(apperr.CodeNoMatch,
			"no %s/%s offer can fill this amount (%d too low, %d too high, %d short on liquidity)",
			q.Asset, q.Fiat,
			r.Rejections[apperr.CodeLimitTooLow],
			r.Rejections[apperr.CodeLimitTooHigh],
			r.Rejections[apperr.CodeInsufficientLiquidity])
	}
	return apperr.Newf(apperr.CodeNoMatch, "no active %s offers for %s/%s match the filters",
		strings.ToLower(string(q.Side.Opposite())), q.Asset, q.Fiat)
}

func describe(code apperr.Code) string {
	switch code {
	case apperr.CodeLimitTooLow:
		return "amount is below the minimum limit"
	case apperr.CodeLimitTooHigh:
		return "amount is above the maximum limit"
	default:
		return "not enough liquidity"
	}
}
