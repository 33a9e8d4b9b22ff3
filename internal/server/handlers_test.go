package server_test

import (
	"P2PDesk/internal/core"
	"P2PDesk/internal/event"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/match"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/projection"
	"P2PDesk/internal/reputation"
	"P2PDesk/internal/server"
	"P2PDesk/internal/trade"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	offers  *offer.MemoryStore
	health  *observability.HealthChecker
	history *recordingHistory
}

type recordingHistory struct {
	mu     sync.Mutex
	events map[string][]event.TradeEvent
}

func (h *recordingHistory) Emit(e event.TradeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[e.TradeID] = append(h.events[e.TradeID], e)
}

func (h *recordingHistory) History(_ context.Context, tradeID string) ([]event.TradeEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]event.TradeEvent(nil), h.events[tradeID]...), nil
}

// newFixture wires the in-memory stack behind the HTTP handler, with one
// active SELL BTC/GBP offer at 30000 (limits 50-5000, 1.0 BTC available).
func newFixture(t *testing.T, limit server.RateLimit) *fixture {
	t.Helper()
	f := &fixture{
		offers:  offer.NewMemoryStore(),
		health:  observability.NewHealthChecker(),
		history: &recordingHistory{events: make(map[string][]event.TradeEvent)},
	}
	profiles := reputation.NewMemoryLoader()
	catalog := match.NewCatalog([]string{"BTC", "USDT"}, []string{"GBP"}, fpmath.NewPrecision(nil))
	cache := reputation.NewCache(profiles, time.Minute, 100)
	quotes := match.NewQuoteCache(nil)
	resolver := match.NewResolver(f.offers, cache, quotes, catalog, 90*time.Second, zerolog.Nop(), nil)
	manager := trade.NewManager(trade.NewMemoryStore(f.offers), quotes, catalog, f.history, trade.Config{
		PaymentWindow: 15 * time.Minute,
		Arbiters:      []string{"arbiter-1"},
	}, zerolog.Nop(), nil)
	guard := core.NewIdempotencyGuard(core.NewMemoryIdempotencyStore(), 100, time.Hour, zerolog.Nop(), nil)

	engine := core.NewEngine(core.EngineDeps{
		Offers:   f.offers,
		Profiles: cache,
		Resolver: resolver,
		Trades:   manager,
		Guard:    guard,
		Activity: projection.NewMemoryActivityStore(),
		Catalog:  catalog,
		Logger:   zerolog.Nop(),
	})

	require.NoError(t, profiles.UpsertProfile(context.Background(), reputation.Profile{
		SellerID: "seller-1", Rating: 4.9, TotalTrades: 40, CompletionRate: 97, Verified: true,
	}))
	_, err := engine.UpsertOffer(context.Background(), "seller-1", offer.Offer{
		ID:             "offer-1",
		Side:           offer.SideSell,
		Asset:          "BTC",
		Fiat:           "GBP",
		Price:          decimal.NewFromInt(30000),
		Available:      decimal.RequireFromString("1.0"),
		MinLimitFiat:   decimal.NewFromInt(50),
		MaxLimitFiat:   decimal.NewFromInt(5000),
		PaymentMethods: []string{"bank_transfer"},
	})
	require.NoError(t, err)

	srv, err := server.NewGRPCServer(":0", ":0", &server.ServerDeps{
		Engine:        engine,
		History:       f.history,
		HealthChecker: f.health,
		RateLimit:     limit,
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path, user string, body any, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec, out
}

func (f *fixture) available(t *testing.T) decimal.Decimal {
	t.Helper()
	o, err := f.offers.Get(context.Background(), "offer-1")
	require.NoError(t, err)
	return o.Available
}

func createBody(amount string) map[string]any {
	return map[string]any{
		"offer_id":        "offer-1",
		"side":            "BUY",
		"fiat_currency":   "GBP",
		"fiat_amount":     amount,
		"crypto_currency": "BTC",
		"price":           "30000",
		"payment_method":  "bank_transfer",
		"buyer_user_id":   "buyer-1",
	}
}

// ============================================================================
// Matching
// ============================================================================

func TestMatchBest_WorkedExample(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	rec, body := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", map[string]any{
		"side": "buy", "asset": "BTC", "fiat": "GBP", "amount_fiat": "100",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	quote := body["quote"].(map[string]any)
	assert.Equal(t, "0.00333333", quote["amount_crypto"])
	assert.Equal(t, "30000", quote["rate"])
	assert.Equal(t, "offer-1", body["offer"].(map[string]any)["offer_id"])
	assert.Equal(t, "seller-1", body["seller"].(map[string]any)["seller_id"])
}

func TestMatchBest_LimitErrors(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	cases := map[string]string{"10": "LIMIT_TOO_LOW", "40000": "LIMIT_TOO_HIGH"}
	for amount, code := range cases {
		rec, body := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", map[string]any{
			"side": "BUY", "asset": "BTC", "fiat": "GBP", "amount_fiat": amount,
		})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, amount)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, code, body["code"], amount)
		assert.NotEmpty(t, body["reason"])
	}
}

func TestMatchBest_IdempotentReplay(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	req := map[string]any{"side": "BUY", "asset": "BTC", "fiat": "GBP", "amount_fiat": "100"}

	_, first := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", req, "Idempotency-Key", "m-1")
	rec, second := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", req, "Idempotency-Key", "m-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, first["quote"].(map[string]any)["quote_id"], second["quote"].(map[string]any)["quote_id"])

	req["amount_fiat"] = "200"
	rec, body := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", req, "Idempotency-Key", "m-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", body["code"])
}

// ============================================================================
// Trades
// ============================================================================

func TestCreateTrade_ExactlyOncePerKey(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	rec, first := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tradeID := first["trade_id"].(string)
	require.NotEmpty(t, tradeID)
	assert.Equal(t, "pending_payment", first["trade"].(map[string]any)["status"])

	rec, second := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, tradeID, second["trade_id"])

	assert.True(t, f.available(t).Equal(decimal.RequireFromString("0.9")), "available: %s", f.available(t))
}

func TestCreateTrade_ConfirmsQuote(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	_, matched := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", map[string]any{
		"side": "BUY", "asset": "BTC", "fiat": "GBP", "amount_fiat": "100",
	})
	quoteID := matched["quote"].(map[string]any)["quote_id"].(string)
	require.NotEmpty(t, quoteID)

	rec, body := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", map[string]any{
		"quote_id":       quoteID,
		"side":           "BUY",
		"payment_method": "bank_transfer",
	}, "Idempotency-Key", "q-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tr := body["trade"].(map[string]any)
	assert.Equal(t, "offer-1", tr["offer_id"])
	assert.Equal(t, quoteID, tr["quote_id"])
	assert.Equal(t, "0.00333333", tr["amount_crypto"])
	assert.True(t, f.available(t).Equal(decimal.RequireFromString("0.99666667")), "available: %s", f.available(t))

	rec, body = f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", map[string]any{
		"quote_id": "unknown", "side": "BUY", "payment_method": "bank_transfer",
	}, "Idempotency-Key", "q-2")
	assert.Equal(t, "QUOTE_EXPIRED", body["code"], rec.Body.String())
}

func TestCreateTrade_RequiresIdempotencyKey(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	rec, body := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
	assert.Equal(t, false, body["retryable"])
}

func TestCreateTrade_RejectsMismatchedBuyer(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	rec, body := f.do(t, http.MethodPost, "/v1/trade/create", "someone-else", createBody("3000"), "Idempotency-Key", "k-2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])
}

func TestCreateTrade_KYCGate(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	o, err := f.offers.Get(context.Background(), "offer-1")
	require.NoError(t, err)
	o.KYCRequired = true
	require.NoError(t, f.offers.Upsert(context.Background(), o))

	rec, body := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "kyc-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "VERIFICATION_REQUIRED", body["code"])

	rec, _ = f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"),
		"Idempotency-Key", "kyc-2", "X-User-Verified", "true")
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTradeLifecycle(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	_, created := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "k-3")
	id := created["trade_id"].(string)
	base := "/v1/trade/" + id

	rec, body := f.do(t, http.MethodPost, base+"/release", "seller-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_STATE_TRANSITION", body["code"])

	rec, body = f.do(t, http.MethodPost, base+"/mark-paid", "seller-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", body["code"])

	rec, body = f.do(t, http.MethodPost, base+"/mark-paid", "buyer-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "buyer_marked_paid", body["trade"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodPost, base+"/release", "seller-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", body["trade"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodGet, base, "buyer-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "released", body["trade"].(map[string]any)["status"])

	rec, body = f.do(t, http.MethodGet, base, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodGet, base+"/events", "buyer-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["events"], 3)
}

func TestTradeDisputeAndResolve(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	_, created := f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "k-4")
	base := "/v1/trade/" + created["trade_id"].(string)

	rec, body := f.do(t, http.MethodPost, base+"/dispute", "buyer-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "dispute needs a reason")
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	rec, body = f.do(t, http.MethodPost, base+"/dispute", "buyer-1", map[string]string{"reason": "seller unresponsive"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disputed", body["trade"].(map[string]any)["status"])

	rec, _ = f.do(t, http.MethodPost, base+"/resolve", "buyer-1", map[string]string{"outcome": "cancel"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodPost, base+"/resolve", "arbiter-1", map[string]string{"outcome": "cancel", "note": "no payment proof"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "resolved_cancelled", body["trade"].(map[string]any)["status"])
	assert.True(t, f.available(t).Equal(decimal.RequireFromString("1.0")), "liquidity restored, got %s", f.available(t))
}

func TestListTrades(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("3000"), "Idempotency-Key", "k-5")
	f.do(t, http.MethodPost, "/v1/trade/create", "buyer-1", createBody("1500"), "Idempotency-Key", "k-6")

	rec, body := f.do(t, http.MethodGet, "/v1/trades?limit=10", "buyer-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["trades"], 2)

	rec, body = f.do(t, http.MethodGet, "/v1/trades?user_id=seller-1", "buyer-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/trades", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

// ============================================================================
// Offers and sellers
// ============================================================================

func TestListOffers(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	rec, body := f.do(t, http.MethodGet, "/v1/offers?side=BUY&asset=BTC&fiat=GBP&amount_fiat=100&min_rating=4.5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	offers := body["offers"].([]any)
	require.Len(t, offers, 1)
	assert.Equal(t, "offer-1", offers[0].(map[string]any)["offer"].(map[string]any)["offer_id"])

	rec, body = f.do(t, http.MethodGet, "/v1/offers?side=BUY&asset=BTC&tiers=gold", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["offers"])

	rec, body = f.do(t, http.MethodGet, "/v1/offers?side=hold&asset=BTC", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])

	rec, body = f.do(t, http.MethodGet, "/v1/offers?side=BUY&asset=BTC&fiat=GBP&sort=price", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["offers"], 1)

	rec, body = f.do(t, http.MethodGet, "/v1/offers?side=BUY&asset=BTC&sort=rating", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", body["code"])
}

func TestOfferOwnerCRUD(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	payload := map[string]any{
		"side": "SELL", "asset": "BTC", "fiat": "GBP", "price_per_unit": "31000",
		"available_amount": "0.5", "min_limit_fiat": "100", "max_limit_fiat": "1000",
		"payment_methods": []string{"revolut"},
	}

	rec, body := f.do(t, http.MethodPut, "/v1/offers/offer-2", "seller-2", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "seller-2", body["offer"].(map[string]any)["seller_id"])

	rec, _ = f.do(t, http.MethodPut, "/v1/offers/offer-2", "seller-3", payload)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/v1/offers/offer-2", "seller-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/v1/offers/offer-2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "OFFER_NOT_FOUND", body["code"])
}

func TestGetSeller(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	rec, body := f.do(t, http.MethodGet, "/v1/sellers/seller-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4.9, body["profile"].(map[string]any)["rating"])

	rec, body = f.do(t, http.MethodGet, "/v1/sellers/ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "SELLER_PROFILE_NOT_FOUND", body["code"])
}

// ============================================================================
// Transport
// ============================================================================

func TestRateLimitPerUser(t *testing.T) {
	f := newFixture(t, server.RateLimit{RequestsPerMinute: 1, Burst: 2})
	req := map[string]any{"side": "BUY", "asset": "BTC", "fiat": "GBP", "amount_fiat": "100"}

	for i := 0; i < 2; i++ {
		rec, _ := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := f.do(t, http.MethodPost, "/v1/match/best", "buyer-1", req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", body["code"])
	assert.Equal(t, true, body["retryable"])

	rec, _ = f.do(t, http.MethodPost, "/v1/match/best", "buyer-2", req)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per user")

	rec, _ = f.do(t, http.MethodGet, "/v1/sellers/seller-1", "buyer-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestUnknownRoute(t *testing.T) {
	f := newFixture(t, server.RateLimit{})
	rec, body := f.do(t, http.MethodGet, "/v1/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["success"])
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, server.RateLimit{})

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not_ready", body["status"])

	f.health.SetReady(true)
	rec, body = f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])
}
