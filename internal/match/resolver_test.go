package match_test

import (
	"P2PDesk/internal/apperr"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/match"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/ranking"
	"P2PDesk/internal/reputation"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type resolverFixture struct {
	offers   *offer.MemoryStore
	profiles *reputation.MemoryLoader
	quotes   *match.QuoteCache
	resolver *match.Resolver
}

func newTestResolver(t *testing.T) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		offers:   offer.NewMemoryStore(),
		profiles: reputation.NewMemoryLoader(),
		quotes:   match.NewQuoteCache(nil),
	}
	catalog := match.NewCatalog([]string{"BTC", "ETH", "USDT"}, []string{"GBP", "EUR"}, fpmath.NewPrecision(nil))
	cache := reputation.NewCache(f.profiles, time.Minute, 100)
	f.resolver = match.NewResolver(f.offers, cache, f.quotes, catalog, 90*time.Second, zerolog.Nop(), nil)
	f.resolver.SetClock(func() time.Time { return testNow })
	return f
}

func (f *resolverFixture) mustUpsert(t *testing.T, o offer.Offer) {
	t.Helper()
	if err := f.offers.Upsert(context.Background(), o); err != nil {
		t.Fatalf("upsert %s: %v", o.ID, err)
	}
}

// workedExampleOffer: price 30000, limits 50-5000, 1.0 BTC available.
func workedExampleOffer() offer.Offer {
	return offer.Offer{
		ID:             "offer-1",
		SellerID:       "seller-1",
		Side:           offer.SideSell,
		Asset:          "BTC",
		Fiat:           "GBP",
		Price:          decimal.NewFromInt(30000),
		Available:      decimal.RequireFromString("1.0"),
		MinLimitFiat:   decimal.NewFromInt(50),
		MaxLimitFiat:   decimal.NewFromInt(5000),
		PaymentMethods: []string{"bank_transfer"},
		Status:         offer.StatusActive,
	}
}

func fiat(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func codeOf(t *testing.T, err error) apperr.Code {
	t.Helper()
	var aerr *apperr.Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *apperr.Error, got %T: %v", err, err)
	}
	return aerr.Code
}

// ============================================================
// Worked example
// ============================================================

func TestMatch_WorkedExample(t *testing.T) {
	f := newTestResolver(t)
	f.mustUpsert(t, workedExampleOffer())
	ctx := context.Background()

	res, err := f.resolver.Match(ctx, match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Offer.ID != "offer-1" {
		t.Errorf("offer: got %s", res.Offer.ID)
	}
	if !res.Quote.AmountCrypto.Equal(decimal.RequireFromString("0.00333333")) {
		t.Errorf("amount_crypto: got %s, want 0.00333333", res.Quote.AmountCrypto)
	}
	if !res.Quote.Rate.Equal(decimal.NewFromInt(30000)) {
		t.Errorf("rate: got %s", res.Quote.Rate)
	}
	if !res.Quote.ExpiresAt.Equal(testNow.Add(90 * time.Second)) {
		t.Errorf("expires_at: got %s", res.Quote.ExpiresAt)
	}
	if res.Seller != nil {
		t.Error("seller without profile must be nil, not a default")
	}

	_, err = f.resolver.Match(ctx, match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("10")})
	if got := codeOf(t, err); got != apperr.CodeLimitTooLow {
		t.Errorf("10 GBP: got %s, want LIMIT_TOO_LOW", got)
	}

	_, err = f.resolver.Match(ctx, match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("40000")})
	if got := codeOf(t, err); got != apperr.CodeLimitTooHigh {
		t.Errorf("40000 GBP: got %s, want LIMIT_TOO_HIGH", got)
	}
}

func TestMatch_QuoteIsReproducibleAndCached(t *testing.T) {
	f := newTestResolver(t)
	f.mustUpsert(t, workedExampleOffer())

	res, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "btc", Fiat: "gbp", AmountFiat: fiat("1234.56")})
	if err != nil {
		t.Fatal(err)
	}
	want, _ := fpmath.CryptoForFiat(res.Quote.AmountFiat, res.Quote.Rate, 8, fpmath.RoundDown)
	if !res.Quote.AmountCrypto.Equal(want) {
		t.Errorf("quote not reproducible: %s vs %s", res.Quote.AmountCrypto, want)
	}

	cached, ok := f.quotes.Get(res.Quote.ID, testNow)
	if !ok || cached.ID != res.Quote.ID {
		t.Fatal("quote should be cached")
	}
	if _, ok := f.quotes.Get(res.Quote.ID, res.Quote.ExpiresAt); ok {
		t.Error("quote must not be served at expires_at")
	}
}

func TestMatch_DoesNotReserveLiquidity(t *testing.T) {
	f := newTestResolver(t)
	f.mustUpsert(t, workedExampleOffer())

	for i := 0; i < 3; i++ {
		if _, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("4000")}); err != nil {
			t.Fatal(err)
		}
	}
	o, _ := f.offers.Get(context.Background(), "offer-1")
	if !o.Available.Equal(decimal.RequireFromString("1.0")) {
		t.Errorf("available changed to %s", o.Available)
	}
}

// ============================================================
// Ranking interplay
// ============================================================

func TestMatch_PrefersBoostedOverCheaper(t *testing.T) {
	f := newTestResolver(t)
	cheap := workedExampleOffer()
	cheap.ID, cheap.SellerID, cheap.Price = "cheap", "s-cheap", decimal.NewFromInt(29000)
	promo := workedExampleOffer()
	until := testNow.Add(time.Hour)
	promo.ID, promo.SellerID, promo.IsBoosted, promo.BoostedUntil = "promo", "s-promo", true, &until
	f.mustUpsert(t, cheap)
	f.mustUpsert(t, promo)

	res, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Offer.ID != "promo" {
		t.Errorf("got %s, want promo", res.Offer.ID)
	}
}

func TestMatch_IgnoresLapsedBoost(t *testing.T) {
	f := newTestResolver(t)
	lapsed := workedExampleOffer()
	until := testNow.Add(-time.Nanosecond)
	lapsed.IsBoosted, lapsed.BoostedUntil = true, &until
	f.mustUpsert(t, lapsed)

	_, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")})
	if code := codeOf(t, err); code != apperr.CodeNoMatch {
		t.Errorf("got %s, want NO_MATCH", code)
	}

	list, err := f.resolver.List(context.Background(), ranking.Query{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("lapsed offer listed: %d candidates", len(list))
	}
}

func TestMatch_RejectsZeroCryptoQuote(t *testing.T) {
	f := newTestResolver(t)
	usdt := workedExampleOffer()
	usdt.Asset, usdt.Price, usdt.MinLimitFiat = "USDT", decimal.NewFromInt(1000), decimal.Zero
	f.mustUpsert(t, usdt)

	_, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "USDT", Fiat: "GBP", AmountFiat: fiat("0.01")})
	if code := codeOf(t, err); code != apperr.CodeLimitTooLow {
		t.Errorf("got %s, want LIMIT_TOO_LOW", code)
	}
	if f.quotes.Len() != 0 {
		t.Error("no quote should be issued for a zero amount")
	}
}

func TestMatch_SkipsInfeasibleHead(t *testing.T) {
	f := newTestResolver(t)
	small := workedExampleOffer()
	small.ID, small.Price, small.MaxLimitFiat = "small", decimal.NewFromInt(29000), decimal.NewFromInt(60)
	f.mustUpsert(t, small)
	f.mustUpsert(t, workedExampleOffer())

	res, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Offer.ID != "offer-1" {
		t.Errorf("got %s, want offer-1", res.Offer.ID)
	}
}

func TestMatch_CryptoAmountUsesHeadRate(t *testing.T) {
	f := newTestResolver(t)
	f.mustUpsert(t, workedExampleOffer())

	crypto := decimal.RequireFromString("0.01")
	res, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountCrypto: &crypto})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Quote.AmountFiat.Equal(decimal.NewFromInt(300)) {
		t.Errorf("amount_fiat: got %s, want 300", res.Quote.AmountFiat)
	}
	if !res.Quote.AmountCrypto.Equal(crypto) {
		t.Errorf("amount_crypto: got %s, want 0.01", res.Quote.AmountCrypto)
	}
}

func TestMatch_SellRequestMatchesBids(t *testing.T) {
	f := newTestResolver(t)
	low := workedExampleOffer()
	low.ID, low.Side, low.Price = "low-bid", offer.SideBuy, decimal.NewFromInt(29000)
	high := workedExampleOffer()
	high.ID, high.Side, high.Price = "high-bid", offer.SideBuy, decimal.NewFromInt(29500)
	f.mustUpsert(t, low)
	f.mustUpsert(t, high)
	f.mustUpsert(t, workedExampleOffer())

	res, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideSell, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")})
	if err != nil {
		t.Fatal(err)
	}
	if res.Offer.ID != "high-bid" {
		t.Errorf("got %s, want high-bid", res.Offer.ID)
	}
	if !res.Quote.AmountCrypto.Equal(decimal.RequireFromString("0.00338984")) {
		t.Errorf("seller delivers rounded-up crypto: got %s", res.Quote.AmountCrypto)
	}
}

func TestMatch_NoOffersIsNoMatch(t *testing.T) {
	f := newTestResolver(t)
	_, err := f.resolver.Match(context.Background(), match.Request{Side: offer.SideBuy, Asset: "ETH", Fiat: "EUR", AmountFiat: fiat("100")})
	if got := codeOf(t, err); got != apperr.CodeNoMatch {
		t.Errorf("got %s, want NO_MATCH", got)
	}
}

// ============================================================
// Validation
// ============================================================

func TestMatch_Validation(t *testing.T) {
	f := newTestResolver(t)
	both := decimal.NewFromInt(1)
	cases := map[string]struct {
		req  match.Request
		want apperr.Code
	}{
		"no amount":      {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP"}, apperr.CodeInvalidAmount},
		"both amounts":   {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100"), AmountCrypto: &both}, apperr.CodeInvalidAmount},
		"negative":       {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("-5")}, apperr.CodeInvalidAmount},
		"sub-cent":       {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("1.001")}, apperr.CodeInvalidAmount},
		"unknown asset":  {match.Request{Side: offer.SideBuy, Asset: "DOGE", Fiat: "GBP", AmountFiat: fiat("100")}, apperr.CodeUnsupportedAsset},
		"unknown fiat":   {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "JPY", AmountFiat: fiat("100")}, apperr.CodeUnsupportedFiat},
		"bad side":       {match.Request{Side: "HOLD", Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100")}, apperr.CodeInvalidRequest},
		"bad min rating": {match.Request{Side: offer.SideBuy, Asset: "BTC", Fiat: "GBP", AmountFiat: fiat("100"), Filters: ranking.Filters{MinRating: 7}}, apperr.CodeInvalidRequest},
	}
	for name, tc := range cases {
		_, err := f.resolver.Match(context.Background(), tc.req)
		if got := codeOf(t, err); got != tc.want {
			t.Errorf("%s: got %s, want %s", name, got, tc.want)
		}
	}
}

// ============================================================
// List view
// ============================================================

func TestList_JoinsProfilesAndLimits(t *testing.T) {
	f := newTestResolver(t)
	for _, id := range []string{"a", "b", "c"} {
		o := workedExampleOffer()
		o.ID, o.SellerID = id, "seller-"+id
		f.mustUpsert(t, o)
	}
	_ = f.profiles.UpsertProfile(context.Background(), reputation.Profile{SellerID: "seller-a", Rating: 4.7})

	cands, err := f.resolver.List(context.Background(), ranking.Query{Side: offer.SideBuy, Asset: "BTC"}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	if cands[0].Seller == nil || cands[0].Seller.Rating != 4.7 {
		t.Error("profile not joined")
	}
}

func TestQuoteCache_Sweep(t *testing.T) {
	c := match.NewQuoteCache(nil)
	c.Put(match.Quote{ID: "old", ExpiresAt: testNow.Add(-time.Second)})
	c.Put(match.Quote{ID: "new", ExpiresAt: testNow.Add(time.Minute)})

	if n := c.Sweep(testNow); n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("len %d, want 1", c.Len())
	}
}
