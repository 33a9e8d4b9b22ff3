package ranking_test

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/ranking"
	"P2PDesk/internal/reputation"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func sellOffer(id, price string) offer.Offer {
	return offer.Offer{
		ID:             id,
		SellerID:       "seller-" + id,
		Side:           offer.SideSell,
		Asset:          "BTC",
		Fiat:           "GBP",
		Price:          decimal.RequireFromString(price),
		Available:      decimal.RequireFromString("1.0"),
		MinLimitFiat:   decimal.NewFromInt(50),
		MaxLimitFiat:   decimal.NewFromInt(5000),
		PaymentMethods: []string{"bank_transfer", "revolut"},
		Status:         offer.StatusActive,
	}
}

func boosted(o offer.Offer, until time.Time) offer.Offer {
	o.IsBoosted = true
	o.BoostedUntil = &until
	return o
}

func tier(o offer.Offer, t offer.Tier) offer.Offer {
	o.SellerTier = t
	return o
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func buyQuery() ranking.Query {
	return ranking.Query{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AssetDecimals: 8}
}

func candidateIDs(r ranking.Result) []string {
	out := make([]string, len(r.Candidates))
	for i, c := range r.Candidates {
		out[i] = c.Offer.ID
	}
	return out
}

// ============================================================
// Ordering
// ============================================================

func TestRank_BoostThenTierThenUpstream(t *testing.T) {
	offers := []offer.Offer{
		sellOffer("cheap", "29000"),
		tier(sellOffer("gold", "29500"), offer.TierGold),
		boosted(sellOffer("boost", "30500"), testNow.Add(time.Hour)),
		tier(sellOffer("silver", "30000"), offer.TierSilver),
		boosted(sellOffer("lapsed", "28000"), testNow.Add(-time.Minute)),
	}

	r := ranking.Rank(buyQuery(), offers, nil, testNow)

	want := []string{"boost", "gold", "silver", "cheap"}
	if got := candidateIDs(r); !slices.Equal(got, want) {
		t.Errorf("order: got %v, want %v", got, want)
	}
	if !r.Candidates[0].Boosted || r.Candidates[3].Boosted {
		t.Error("only the first candidate is boosted")
	}
}

func TestRank_DropsOfferWhenBoostLapses(t *testing.T) {
	offers := []offer.Offer{
		boosted(sellOffer("lapsed", "28000"), testNow.Add(-time.Nanosecond)),
		boosted(sellOffer("edge", "28500"), testNow),
		sellOffer("plain", "30000"),
	}

	r := ranking.Rank(buyQuery(), offers, nil, testNow)
	if got := candidateIDs(r); !slices.Equal(got, []string{"plain"}) {
		t.Errorf("got %v, want only the unboosted offer", got)
	}

	q := buyQuery()
	q.AmountFiat = amount("100")
	r = ranking.Rank(q, offers, nil, testNow)
	if got := candidateIDs(r); !slices.Equal(got, []string{"plain"}) {
		t.Errorf("with amount: got %v", got)
	}
	if r.Eligible != 1 {
		t.Errorf("lapsed offers are not eligible, got %d", r.Eligible)
	}
}

func TestRank_ZeroCryptoAmountIsTooLow(t *testing.T) {
	usdt := sellOffer("usdt", "1000")
	usdt.Asset = "USDT"
	usdt.MinLimitFiat = decimal.Zero

	q := ranking.Query{Side: offer.SideBuy, Asset: "USDT", Fiat: "GBP", AssetDecimals: 2, AmountFiat: amount("0.01")}
	r := ranking.Rank(q, []offer.Offer{usdt}, nil, testNow)

	if len(r.Candidates) != 0 {
		t.Fatalf("zero-size candidate survived: %+v", r.Candidates[0].AmountCrypto)
	}
	if r.Rejections[apperr.CodeLimitTooLow] != 1 {
		t.Errorf("rejections: %v", r.Rejections)
	}
	if aerr := r.EmptyReason(q); aerr.Code != apperr.CodeLimitTooLow {
		t.Errorf("reason: got %s", aerr.Code)
	}
}

func TestRank_KeepsUpstreamOrderForTies(t *testing.T) {
	offers := []offer.Offer{sellOffer("a", "30000"), sellOffer("b", "30000"), sellOffer("c", "31000")}
	r := ranking.Rank(buyQuery(), offers, nil, testNow)
	if got := candidateIDs(r); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("got %v", got)
	}
}

// ============================================================
// Filtering
// ============================================================

func TestRank_DropsIneligibleOffers(t *testing.T) {
	paused := sellOffer("paused", "30000")
	paused.Status = offer.StatusPaused
	buySide := sellOffer("buyside", "30000")
	buySide.Side = offer.SideBuy
	eur := sellOffer("eur", "30000")
	eur.Fiat = "EUR"
	cashOnly := sellOffer("cash", "30000")
	cashOnly.PaymentMethods = []string{"cash"}
	regional := sellOffer("de", "30000")
	regional.Region = "DE"

	offers := []offer.Offer{paused, buySide, eur, cashOnly, regional, sellOffer("ok", "30000")}
	q := buyQuery()
	q.PaymentMethod = "REVOLUT"
	q.Region = "GB"

	r := ranking.Rank(q, offers, nil, testNow)
	if got := candidateIDs(r); !slices.Equal(got, []string{"ok"}) {
		t.Errorf("got %v, want [ok]", got)
	}
}

func TestRank_ReputationFilters(t *testing.T) {
	offers := []offer.Offer{sellOffer("good", "30000"), sellOffer("poor", "30000"), sellOffer("unknown", "30000")}
	profiles := map[string]reputation.Profile{
		"seller-good": {SellerID: "seller-good", Rating: 4.9, CompletionRate: 99, Verified: true},
		"seller-poor": {SellerID: "seller-poor", Rating: 3.1, CompletionRate: 80},
	}

	q := buyQuery()
	q.Filters.MinRating = 4.5
	r := ranking.Rank(q, offers, profiles, testNow)
	if got := candidateIDs(r); !slices.Equal(got, []string{"good"}) {
		t.Errorf("min rating: got %v", got)
	}
	if r.Candidates[0].Seller == nil || r.Candidates[0].Seller.Rating != 4.9 {
		t.Error("seller profile should be joined")
	}

	// Without reputation filters an unknown seller is still listed, with no
	// synthesized profile.
	r = ranking.Rank(buyQuery(), offers, profiles, testNow)
	if len(r.Candidates) != 3 {
		t.Fatalf("got %d candidates, want 3", len(r.Candidates))
	}
	if r.Candidates[2].Seller != nil {
		t.Error("unknown seller must not get a default profile")
	}
}

func TestRank_TierAndBoostFilters(t *testing.T) {
	offers := []offer.Offer{
		tier(sellOffer("g", "30000"), offer.TierGold),
		tier(sellOffer("s", "30000"), offer.TierSilver),
		boosted(sellOffer("b", "30000"), testNow.Add(time.Hour)),
	}
	q := buyQuery()
	q.Filters.Tiers = []offer.Tier{offer.TierGold}
	if got := candidateIDs(ranking.Rank(q, offers, nil, testNow)); !slices.Equal(got, []string{"g"}) {
		t.Errorf("tiers: got %v", got)
	}

	q = buyQuery()
	q.Filters.BoostedOnly = true
	if got := candidateIDs(ranking.Rank(q, offers, nil, testNow)); !slices.Equal(got, []string{"b"}) {
		t.Errorf("boosted only: got %v", got)
	}
}

// ============================================================
// Amount feasibility
// ============================================================

func TestRank_AmountFeasibility(t *testing.T) {
	offers := []offer.Offer{sellOffer("o", "30000")}

	cases := []struct {
		amount string
		want   apperr.Code
	}{
		{"10", apperr.CodeLimitTooLow},
		{"40000", apperr.CodeLimitTooHigh},
	}
	for _, tc := range cases {
		q := buyQuery()
		q.AmountFiat = amount(tc.amount)
		r := ranking.Rank(q, offers, nil, testNow)
		if len(r.Candidates) != 0 {
			t.Fatalf("%s: expected no candidates", tc.amount)
		}
		if got := r.EmptyReason(q).Code; got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.amount, got, tc.want)
		}
	}

	q := buyQuery()
	q.AmountFiat = amount("100")
	r := ranking.Rank(q, offers, nil, testNow)
	if len(r.Candidates) != 1 {
		t.Fatal("100 GBP should be feasible")
	}
	if !r.Candidates[0].AmountCrypto.Equal(decimal.RequireFromString("0.00333333")) {
		t.Errorf("amount_crypto: got %s", r.Candidates[0].AmountCrypto)
	}
}

func TestRank_MixedRejectionsReportNoMatch(t *testing.T) {
	small := sellOffer("small", "30000")
	small.MaxLimitFiat = decimal.NewFromInt(80)
	thin := sellOffer("thin", "30000")
	thin.Available = decimal.RequireFromString("0.001")

	q := buyQuery()
	q.AmountFiat = amount("100")
	r := ranking.Rank(q, []offer.Offer{small, thin}, nil, testNow)
	if got := r.EmptyReason(q).Code; got != apperr.CodeNoMatch {
		t.Errorf("got %s, want NO_MATCH", got)
	}

	r = ranking.Rank(q, []offer.Offer{thin}, nil, testNow)
	if got := r.EmptyReason(q).Code; got != apperr.CodeInsufficientLiquidity {
		t.Errorf("got %s, want INSUFFICIENT_LIQUIDITY", got)
	}
}

func TestRank_SellRequestsRoundCryptoUp(t *testing.T) {
	bid := sellOffer("bid", "30000")
	bid.Side = offer.SideBuy
	bid.Available = decimal.RequireFromString("0.00333333")

	q := ranking.Query{Side: offer.SideSell, Asset: "BTC", Fiat: "GBP", AssetDecimals: 8, AmountFiat: amount("100")}
	r := ranking.Rank(q, []offer.Offer{bid}, nil, testNow)
	if len(r.Candidates) != 0 {
		t.Fatal("0.00333334 BTC rounded up exceeds the bid's 0.00333333")
	}
	if r.Rejections[apperr.CodeInsufficientLiquidity] != 1 {
		t.Errorf("rejections: %v", r.Rejections)
	}
}

// ============================================================
// Properties
// ============================================================

func TestRank_OrderIsTotalAndStable(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		offers := make([]offer.Offer, n)
		live := 0
		for i := range offers {
			o := sellOffer(fmt.Sprintf("o%02d", i), "30000")
			o.SellerTier = rapid.SampledFrom([]offer.Tier{"", offer.TierBronze, offer.TierSilver, offer.TierGold}).Draw(rt, "tier")
			if rapid.Bool().Draw(rt, "boosted") {
				o = boosted(o, testNow.Add(time.Duration(rapid.IntRange(-60, 60).Draw(rt, "mins"))*time.Minute))
			}
			if o.Matchable(testNow) {
				live++
			}
			offers[i] = o
		}

		r := ranking.Rank(buyQuery(), offers, nil, testNow)
		if len(r.Candidates) != live {
			rt.Fatalf("lost candidates: %d of %d", len(r.Candidates), live)
		}
		for i := 1; i < len(r.Candidates); i++ {
			a, b := r.Candidates[i-1], r.Candidates[i]
			if !a.Boosted && b.Boosted {
				rt.Fatalf("unboosted %s ahead of boosted %s", a.Offer.ID, b.Offer.ID)
			}
			if a.Boosted == b.Boosted {
				ra, rb := a.Offer.SellerTier.Rank(), b.Offer.SellerTier.Rank()
				if ra < rb {
					rt.Fatalf("tier %d ahead of %d", ra, rb)
				}
				if ra == rb && a.Offer.ID > b.Offer.ID {
					rt.Fatalf("upstream order broken: %s before %s", a.Offer.ID, b.Offer.ID)
				}
			}
		}
	})
}
