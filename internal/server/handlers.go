package server

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/core"
	"P2PDesk/internal/match"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/ranking"
	"P2PDesk/internal/trade"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	headerUserID         = "X-User-ID"
	headerUserVerified   = "X-User-Verified"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	maxBodyBytes     = 1 << 20
	defaultListLimit = 50
	maxListLimit     = 200
)

type api struct {
	engine  *core.Engine
	history TradeHistory
	limiter *RateLimiter
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func newAPI(deps *ServerDeps) *api {
	return &api{
		engine:  deps.Engine,
		history: deps.History,
		limiter: NewRateLimiter(deps.RateLimit),
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, pattern, name string
		limited               bool
		h                     apiHandler
	}{
		{http.MethodGet, "/v1/offers", "list_offers", false, a.listOffers},
		{http.MethodGet, "/v1/offers/{offer_id}", "get_offer", false, a.getOffer},
		{http.MethodPut, "/v1/offers/{offer_id}", "put_offer", true, a.putOffer},
		{http.MethodDelete, "/v1/offers/{offer_id}", "delete_offer", true, a.deleteOffer},
		{http.MethodPost, "/v1/match/best", "match_best", true, a.matchBest},
		{http.MethodPost, "/v1/trade/create", "trade_create", true, a.createTrade},
		{http.MethodGet, "/v1/trade/{trade_id}", "get_trade", false, a.getTrade},
		{http.MethodGet, "/v1/trades", "list_trades", false, a.listTrades},
		{http.MethodPost, "/v1/trade/{trade_id}/mark-paid", "trade_mark_paid", false, a.markPaid},
		{http.MethodPost, "/v1/trade/{trade_id}/release", "trade_release", false, a.release},
		{http.MethodPost, "/v1/trade/{trade_id}/cancel", "trade_cancel", false, a.cancel},
		{http.MethodPost, "/v1/trade/{trade_id}/dispute", "trade_dispute", false, a.dispute},
		{http.MethodPost, "/v1/trade/{trade_id}/resolve", "trade_resolve", false, a.resolve},
		{http.MethodGet, "/v1/sellers/{seller_id}", "get_seller", false, a.getSeller},
	}
	if a.history != nil {
		routes = append(routes, struct {
			method, pattern, name string
			limited               bool
			h                     apiHandler
		}{http.MethodGet, "/v1/trade/{trade_id}/events", "trade_events", false, a.tradeEvents})
	}

	for _, rt := range routes {
		var limiter *RateLimiter
		if rt.limited {
			limiter = a.limiter
		}
		if err := mux.HandlePath(rt.method, rt.pattern, route(rt.name, limiter, a.logger, a.metrics, rt.h)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// ============================================================================
// Offers
// ============================================================================

type offersResponse struct {
	Success bool                `json:"success"`
	Offers  []ranking.Candidate `json:"offers"`
}

type offerResponse struct {
	Success bool        `json:"success"`
	Offer   offer.Offer `json:"offer"`
}

type okResponse struct {
	Success bool `json:"success"`
}

func (a *api) listOffers(w http.ResponseWriter, r *http.Request, _ map[string]string) (int, any, error) {
	q, limit, err := parseOfferQuery(r)
	if err != nil {
		return 0, nil, err
	}
	cands, err := a.engine.ListOffers(r.Context(), q, limit)
	if err != nil {
		return 0, nil, err
	}
	if cands == nil {
		cands = []ranking.Candidate{}
	}
	return http.StatusOK, offersResponse{Success: true, Offers: cands}, nil
}

func parseOfferQuery(r *http.Request) (ranking.Query, int, error) {
	v := r.URL.Query()
	side, err := offer.ParseSide(v.Get("side"))
	if err != nil {
		return ranking.Query{}, 0, apperr.New(apperr.CodeInvalidRequest, "side must be BUY or SELL")
	}
	q := ranking.Query{
		Side:          side,
		Asset:         strings.ToUpper(strings.TrimSpace(v.Get("asset"))),
		Fiat:          strings.ToUpper(strings.TrimSpace(v.Get("fiat"))),
		PaymentMethod: v.Get("payment_method"),
		Region:        v.Get("region"),
	}
	// Results always follow the upstream price sort for the side; ranking
	// only reorders by boost and tier.
	switch sort := strings.ToLower(strings.TrimSpace(v.Get("sort"))); sort {
	case "", "price":
	default:
		return ranking.Query{}, 0, apperr.Newf(apperr.CodeInvalidRequest, "unsupported sort %q, only price is available", sort)
	}
	if s := v.Get("amount_fiat"); s != "" {
		amt, err := decimal.NewFromString(s)
		if err != nil {
			return ranking.Query{}, 0, apperr.Newf(apperr.CodeInvalidAmount, "amount_fiat %q is not a number", s)
		}
		q.AmountFiat = &amt
	}
	if q.Filters.MinRating, err = floatParam(v.Get("min_rating"), "min_rating"); err != nil {
		return ranking.Query{}, 0, err
	}
	if q.Filters.MinCompletionRate, err = floatParam(v.Get("min_completion_rate"), "min_completion_rate"); err != nil {
		return ranking.Query{}, 0, err
	}
	if q.Filters.VerifiedOnly, err = boolParam(v.Get("verified_only"), "verified_only"); err != nil {
		return ranking.Query{}, 0, err
	}
	if q.Filters.BoostedOnly, err = boolParam(v.Get("boosted_only"), "boosted_only"); err != nil {
		return ranking.Query{}, 0, err
	}
	if s := v.Get("tiers"); s != "" {
		for _, t := range strings.Split(s, ",") {
			tier := offer.Tier(strings.ToLower(strings.TrimSpace(t)))
			if !tier.Valid() {
				return ranking.Query{}, 0, apperr.Newf(apperr.CodeInvalidRequest, "unknown seller tier %q", t)
			}
			q.Filters.Tiers = append(q.Filters.Tiers, tier)
		}
	}
	limit, err := limitParam(v.Get("limit"))
	return q, limit, err
}

func (a *api) getOffer(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	o, err := a.engine.GetOffer(r.Context(), p["offer_id"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, offerResponse{Success: true, Offer: o}, nil
}

func (a *api) putOffer(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	user, err := requireUser(r)
	if err != nil {
		return 0, nil, err
	}
	var o offer.Offer
	if err := decodeBody(r, &o); err != nil {
		return 0, nil, err
	}
	if o.ID != "" && o.ID != p["offer_id"] {
		return 0, nil, apperr.New(apperr.CodeInvalidRequest, "offer_id in body does not match the path")
	}
	o.ID = p["offer_id"]
	saved, err := a.engine.UpsertOffer(r.Context(), user, o)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, offerResponse{Success: true, Offer: saved}, nil
}

func (a *api) deleteOffer(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	user, err := requireUser(r)
	if err != nil {
		return 0, nil, err
	}
	if err := a.engine.DeleteOffer(r.Context(), user, p["offer_id"]); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, okResponse{Success: true}, nil
}

// ============================================================================
// Matching
// ============================================================================

type matchBody struct {
	Side          string           `json:"side"`
	Asset         string           `json:"asset"`
	Fiat          string           `json:"fiat"`
	AmountFiat    *decimal.Decimal `json:"amount_fiat"`
	AmountCrypto  *decimal.Decimal `json:"amount_crypto"`
	PaymentMethod string           `json:"payment_method"`
	Region        string           `json:"region"`
	Filters       ranking.Filters  `json:"filters"`
}

type matchResponse struct {
	Success bool `json:"success"`
	match.Result
}

func (a *api) matchBest(w http.ResponseWriter, r *http.Request, _ map[string]string) (int, any, error) {
	var body matchBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	side, err := offer.ParseSide(body.Side)
	if err != nil {
		return 0, nil, apperr.New(apperr.CodeInvalidRequest, "side must be BUY or SELL")
	}
	res, replayed, err := a.engine.Match(r.Context(), r.Header.Get(headerIdempotencyKey), match.Request{
		Side:          side,
		Asset:         body.Asset,
		Fiat:          body.Fiat,
		AmountFiat:    body.AmountFiat,
		AmountCrypto:  body.AmountCrypto,
		PaymentMethod: body.PaymentMethod,
		Region:        body.Region,
		Filters:       body.Filters,
	})
	if err != nil {
		return 0, nil, err
	}
	if replayed {
		w.Header().Set(headerReplayed, "true")
	}
	return http.StatusOK, matchResponse{Success: true, Result: res}, nil
}

// ============================================================================
// Trades
// ============================================================================

type createTradeBody struct {
	OfferID        string           `json:"offer_id"`
	QuoteID        string           `json:"quote_id"`
	Side           string           `json:"side"`
	FiatCurrency   string           `json:"fiat_currency"`
	FiatAmount     decimal.Decimal  `json:"fiat_amount"`
	CryptoAmount   *decimal.Decimal `json:"crypto_amount"`
	CryptoCurrency string           `json:"crypto_currency"`
	Price          decimal.Decimal  `json:"price"`
	PaymentMethod  string           `json:"payment_method"`
	BuyerUserID    string           `json:"buyer_user_id"`
}

type tradeResponse struct {
	Success bool        `json:"success"`
	TradeID string      `json:"trade_id"`
	Trade   trade.Trade `json:"trade"`
}

type tradesResponse struct {
	Success bool          `json:"success"`
	Trades  []trade.Trade `json:"trades"`
}

func (a *api) createTrade(w http.ResponseWriter, r *http.Request, _ map[string]string) (int, any, error) {
	var body createTradeBody
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	side, err := offer.ParseSide(body.Side)
	if err != nil {
		return 0, nil, apperr.New(apperr.CodeInvalidRequest, "side must be BUY or SELL")
	}

	// buyer_user_id names the requesting user; the header wins when both
	// are present and they must agree.
	user := r.Header.Get(headerUserID)
	switch {
	case user == "":
		user = body.BuyerUserID
	case body.BuyerUserID != "" && body.BuyerUserID != user:
		return 0, nil, apperr.New(apperr.CodeForbidden, "buyer_user_id does not match the authenticated user")
	}
	if user == "" {
		return 0, nil, apperr.New(apperr.CodeInvalidRequest, "X-User-ID header is required")
	}

	t, replayed, err := a.engine.CreateTrade(r.Context(), r.Header.Get(headerIdempotencyKey), trade.CreateRequest{
		OfferID:           body.OfferID,
		QuoteID:           body.QuoteID,
		Side:              side,
		Asset:             body.CryptoCurrency,
		Fiat:              body.FiatCurrency,
		AmountFiat:        body.FiatAmount,
		AmountCrypto:      body.CryptoAmount,
		Price:             body.Price,
		PaymentMethod:     body.PaymentMethod,
		RequesterID:       user,
		RequesterVerified: verified(r),
	})
	if err != nil {
		return 0, nil, err
	}
	status := http.StatusCreated
	if replayed {
		w.Header().Set(headerReplayed, "true")
		status = http.StatusOK
	}
	return status, tradeResponse{Success: true, TradeID: t.ID, Trade: t}, nil
}

func (a *api) getTrade(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.GetTrade(ctx, p["trade_id"], user)
	})
}

func (a *api) listTrades(w http.ResponseWriter, r *http.Request, _ map[string]string) (int, any, error) {
	user, err := requireUser(r)
	if err != nil {
		return 0, nil, err
	}
	if q := r.URL.Query().Get("user_id"); q != "" && q != user {
		return 0, nil, apperr.New(apperr.CodeForbidden, "trades can only be listed for the authenticated user")
	}
	limit, err := limitParam(r.URL.Query().Get("limit"))
	if err != nil {
		return 0, nil, err
	}
	ts, err := a.engine.ListTrades(r.Context(), user, limit)
	if err != nil {
		return 0, nil, err
	}
	if ts == nil {
		ts = []trade.Trade{}
	}
	return http.StatusOK, tradesResponse{Success: true, Trades: ts}, nil
}

func (a *api) markPaid(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.MarkPaid(ctx, p["trade_id"], user)
	})
}

func (a *api) release(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.Release(ctx, p["trade_id"], user)
	})
}

func (a *api) cancel(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.Cancel(ctx, p["trade_id"], user)
	})
}

func (a *api) dispute(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		return 0, nil, err
	}
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.Dispute(ctx, p["trade_id"], user, body.Reason)
	})
}

func (a *api) resolve(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	var body struct {
		Outcome string `json:"outcome"`
		Note    string `json:"note"`
	}
	if err := decodeBody(r, &body); err != nil {
		return 0, nil, err
	}
	return a.tradeCall(r, func(ctx context.Context, user string) (trade.Trade, error) {
		return a.engine.Resolve(ctx, p["trade_id"], user, trade.Outcome(strings.ToLower(body.Outcome)), body.Note)
	})
}

func (a *api) tradeCall(r *http.Request, fn func(ctx context.Context, user string) (trade.Trade, error)) (int, any, error) {
	user, err := requireUser(r)
	if err != nil {
		return 0, nil, err
	}
	t, err := fn(r.Context(), user)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, tradeResponse{Success: true, TradeID: t.ID, Trade: t}, nil
}

func (a *api) tradeEvents(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	user, err := requireUser(r)
	if err != nil {
		return 0, nil, err
	}
	// Access follows the trade itself.
	if _, err := a.engine.GetTrade(r.Context(), p["trade_id"], user); err != nil {
		return 0, nil, err
	}
	events, err := a.history.History(r.Context(), p["trade_id"])
	if err != nil {
		a.logger.Error().Err(err).Str("trade_id", p["trade_id"]).Msg("trade history unavailable")
		return 0, nil, apperr.Wrap(apperr.CodeStoreUnavailable, "trade history unavailable", err)
	}
	return http.StatusOK, map[string]any{"success": true, "events": events}, nil
}

// ============================================================================
// Sellers
// ============================================================================

type sellerResponse struct {
	Success bool `json:"success"`
	core.SellerView
}

func (a *api) getSeller(w http.ResponseWriter, r *http.Request, p map[string]string) (int, any, error) {
	view, err := a.engine.GetSeller(r.Context(), p["seller_id"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sellerResponse{Success: true, SellerView: view}, nil
}

// ============================================================================
// Helpers
// ============================================================================

type errorResponse struct {
	Success   bool        `json:"success"`
	Code      apperr.Code `json:"code"`
	Reason    string      `json:"reason"`
	Retryable bool        `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	aerr := apperr.From(err)
	reason := aerr.Reason
	if aerr.Code == apperr.CodeInternal {
		reason = "internal error"
	}
	writeJSON(w, aerr.HTTPStatus(), errorResponse{
		Success:   false,
		Code:      aerr.Code,
		Reason:    reason,
		Retryable: aerr.Retryable(),
	})
}

// routingError renders unmatched paths and methods in the API error shape.
func routingError(_ context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{
		Code:   apperr.CodeInvalidRequest,
		Reason: fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path),
	})
}

func requireUser(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(headerUserID))
	if user == "" {
		return "", apperr.New(apperr.CodeInvalidRequest, "X-User-ID header is required")
	}
	return user, nil
}

func verified(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.Header.Get(headerUserVerified))
	return v
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.CodeInvalidRequest, "request body is required")
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, "malformed request body", err)
	}
	return nil
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Wrap(apperr.CodeInvalidRequest, "malformed request body", err)
}

func floatParam(s, name string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "%s %q is not a number", name, s)
	}
	return f, nil
}

func boolParam(s, name string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, apperr.Newf(apperr.CodeInvalidRequest, "%s %q is not a boolean", name, s)
	}
	return b, nil
}

func limitParam(s string) (int, error) {
	if s == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, apperr.Newf(apperr.CodeInvalidRequest, "limit %q must be a positive integer", s)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
