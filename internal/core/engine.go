package core

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/match"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/projection"
	"P2PDesk/internal/ranking"
	"P2PDesk/internal/reputation"
	"P2PDesk/internal/trade"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ActivitySource serves live seller aggregates built from trade events.
type ActivitySource interface {
	Activity(ctx context.Context, sellerID string) (projection.SellerActivity, error)
}

// Engine is the single entry point the transports call. It composes the
// offer store, reputation cache, resolver, trade manager and idempotency
// guard, and converts every error it returns into an *apperr.Error.
type Engine struct {
	offers   offer.Store
	profiles *reputation.Cache
	resolver *match.Resolver
	trades   *trade.Manager
	guard    *IdempotencyGuard
	activity ActivitySource
	catalog  *match.Catalog
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

type EngineDeps struct {
	Offers   offer.Store
	Profiles *reputation.Cache
	Resolver *match.Resolver
	Trades   *trade.Manager
	Guard    *IdempotencyGuard
	Activity ActivitySource
	Catalog  *match.Catalog
	Logger   zerolog.Logger
	Metrics  *observability.Metrics
}

func NewEngine(d EngineDeps) *Engine {
	return &Engine{
		offers:   d.Offers,
		profiles: d.Profiles,
		resolver: d.Resolver,
		trades:   d.Trades,
		guard:    d.Guard,
		activity: d.Activity,
		catalog:  d.Catalog,
		now:      time.Now,
		logger:   d.Logger,
		metrics:  d.Metrics,
	}
}

// SetClock overrides time.Now, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// ============================================================
// Offers
// ============================================================

// ListOffers returns ranked offers with their sellers joined.
func (e *Engine) ListOffers(ctx context.Context, q ranking.Query, limit int) ([]ranking.Candidate, error) {
	cands, err := e.resolver.List(ctx, q, limit)
	if err != nil {
		return nil, e.appErr(err, "list offers")
	}
	return cands, nil
}

func (e *Engine) GetOffer(ctx context.Context, id string) (offer.Offer, error) {
	o, err := e.offers.Get(ctx, id)
	if err != nil {
		return offer.Offer{}, e.appErr(err, "get offer")
	}
	return o, nil
}

// UpsertOffer creates or replaces an offer owned by userID. Liquidity held
// by open trades is the caller's responsibility: available_amount is taken
// as given.
func (e *Engine) UpsertOffer(ctx context.Context, userID string, o offer.Offer) (offer.Offer, error) {
	if userID == "" {
		return offer.Offer{}, apperr.New(apperr.CodeInvalidRequest, "user id is required")
	}
	o.Normalize()
	if o.SellerID == "" {
		o.SellerID = userID
	}
	if o.SellerID != userID {
		return offer.Offer{}, apperr.New(apperr.CodeForbidden, "offers can only be published by their owner")
	}
	if aerr := e.catalog.CheckAsset(o.Asset); aerr != nil {
		return offer.Offer{}, aerr
	}
	if aerr := e.catalog.CheckFiat(o.Fiat); aerr != nil {
		return offer.Offer{}, aerr
	}

	existing, err := e.offers.Get(ctx, o.ID)
	switch {
	case err == nil && existing.SellerID != userID:
		return offer.Offer{}, apperr.New(apperr.CodeForbidden, "offer belongs to another user")
	case err != nil && !errors.Is(err, offer.ErrNotFound):
		return offer.Offer{}, e.appErr(err, "get offer")
	}

	o.UpdatedAt = e.now()
	if err != nil && o.CreatedAt.IsZero() {
		o.CreatedAt = o.UpdatedAt
	}
	if err := e.offers.Upsert(ctx, o); err != nil {
		return offer.Offer{}, e.appErr(err, "upsert offer")
	}
	e.logger.Info().
		Str("offer_id", o.ID).
		Str("seller_id", o.SellerID).
		Str("status", string(o.Status)).
		Msg("offer upserted")
	return e.GetOffer(ctx, o.ID)
}

func (e *Engine) DeleteOffer(ctx context.Context, userID, id string) error {
	o, err := e.offers.Get(ctx, id)
	if err != nil {
		return e.appErr(err, "get offer")
	}
	if o.SellerID != userID {
		return apperr.New(apperr.CodeForbidden, "offer belongs to another user")
	}
	if err := e.offers.Delete(ctx, id); err != nil {
		return e.appErr(err, "delete offer")
	}
	e.logger.Info().Str("offer_id", id).Str("seller_id", userID).Msg("offer deleted")
	return nil
}

// ============================================================
// Matching
// ============================================================

// Match resolves the best offer for an amount. With an idempotency key, a
// retried request replays the original quote instead of issuing a new one.
func (e *Engine) Match(ctx context.Context, idemKey string, req match.Request) (match.Result, bool, error) {
	req.Asset = strings.ToUpper(strings.TrimSpace(req.Asset))
	req.Fiat = strings.ToUpper(strings.TrimSpace(req.Fiat))

	if idemKey == "" {
		res, err := e.resolver.Match(ctx, req)
		if err != nil {
			return match.Result{}, false, e.appErr(err, "match")
		}
		return res, false, nil
	}

	fp, err := Fingerprint(req)
	if err != nil {
		return match.Result{}, false, e.appErr(err, "match")
	}
	rec, err := e.guard.Execute(ctx, ScopeMatch, idemKey, fp, func(ctx context.Context) (string, []byte, error) {
		res, err := e.resolver.Match(ctx, req)
		if err != nil {
			return "", nil, err
		}
		payload, err := json.Marshal(res)
		if err != nil {
			return "", nil, fmt.Errorf("encode match result: %w", err)
		}
		return res.Quote.ID, payload, nil
	})
	if err != nil {
		return match.Result{}, false, e.appErr(err, "match")
	}

	var res match.Result
	if err := json.Unmarshal(rec.Payload, &res); err != nil {
		return match.Result{}, false, e.appErr(fmt.Errorf("decode match result: %w", err), "match")
	}
	return res, rec.Replayed, nil
}

// ============================================================
// Trades
// ============================================================

// CreateTrade opens a trade exactly once per idempotency key. A replay
// returns the trade's current state, not its state at creation.
func (e *Engine) CreateTrade(ctx context.Context, idemKey string, req trade.CreateRequest) (trade.Trade, bool, error) {
	if strings.TrimSpace(idemKey) == "" {
		return trade.Trade{}, false, apperr.New(apperr.CodeInvalidRequest, "Idempotency-Key header is required")
	}
	fp, err := Fingerprint(req)
	if err != nil {
		return trade.Trade{}, false, e.appErr(err, "create trade")
	}

	var created trade.Trade
	rec, err := e.guard.Execute(ctx, ScopeTradeCreate, idemKey, fp, func(ctx context.Context) (string, []byte, error) {
		t, err := e.trades.Create(ctx, req)
		if err != nil {
			return "", nil, err
		}
		created = t
		return t.ID, nil, nil
	})
	if err != nil {
		return trade.Trade{}, false, e.appErr(err, "create trade")
	}
	if created.ID == rec.ResultID && !rec.Replayed {
		return created, false, nil
	}

	t, err := e.trades.Get(ctx, rec.ResultID, req.RequesterID)
	if err != nil {
		return trade.Trade{}, false, e.appErr(err, "get trade")
	}
	e.logger.Debug().Str("trade_id", t.ID).Str("key", idemKey).Msg("trade create replayed")
	return t, true, nil
}

func (e *Engine) GetTrade(ctx context.Context, id, userID string) (trade.Trade, error) {
	t, err := e.trades.Get(ctx, id, userID)
	return t, e.appErr(err, "get trade")
}

func (e *Engine) ListTrades(ctx context.Context, userID string, limit int) ([]trade.Trade, error) {
	ts, err := e.trades.ListForUser(ctx, userID, limit)
	return ts, e.appErr(err, "list trades")
}

func (e *Engine) MarkPaid(ctx context.Context, id, userID string) (trade.Trade, error) {
	t, err := e.trades.MarkPaid(ctx, id, userID)
	return t, e.appErr(err, "mark paid")
}

func (e *Engine) Release(ctx context.Context, id, userID string) (trade.Trade, error) {
	t, err := e.trades.Release(ctx, id, userID)
	return t, e.appErr(err, "release")
}

func (e *Engine) Cancel(ctx context.Context, id, userID string) (trade.Trade, error) {
	t, err := e.trades.Cancel(ctx, id, userID)
	return t, e.appErr(err, "cancel")
}

func (e *Engine) Dispute(ctx context.Context, id, userID, reason string) (trade.Trade, error) {
	t, err := e.trades.Dispute(ctx, id, userID, reason)
	return t, e.appErr(err, "dispute")
}

func (e *Engine) Resolve(ctx context.Context, id, arbiterID string, outcome trade.Outcome, note string) (trade.Trade, error) {
	t, err := e.trades.Resolve(ctx, id, arbiterID, outcome, note)
	return t, e.appErr(err, "resolve")
}

// ============================================================
// Sellers
// ============================================================

// SellerView is a seller's cached profile plus live activity, if tracked.
type SellerView struct {
	Profile  reputation.Profile         `json:"profile"`
	Activity *projection.SellerActivity `json:"activity,omitempty"`
}

func (e *Engine) GetSeller(ctx context.Context, sellerID string) (SellerView, error) {
	p, err := e.profiles.Get(ctx, sellerID)
	if err != nil {
		return SellerView{}, e.appErr(err, "get seller")
	}
	view := SellerView{Profile: p}
	if e.activity != nil {
		a, err := e.activity.Activity(ctx, sellerID)
		switch {
		case err == nil:
			view.Activity = &a
		case errors.Is(err, projection.ErrNoActivity):
		default:
			e.logger.Warn().Err(err).Str("seller_id", sellerID).Msg("seller activity unavailable")
		}
	}
	return view, nil
}

// appErr converts package errors into the public taxonomy. Typed errors
// pass through; anything unrecognised is INTERNAL and logged.
func (e *Engine) appErr(err error, op string) error {
	if err == nil {
		return nil
	}
	var aerr *apperr.Error
	switch {
	case errors.As(err, &aerr):
		return aerr
	case errors.Is(err, offer.ErrNotFound):
		return apperr.Wrap(apperr.CodeOfferNotFound, "offer not found", err)
	case errors.Is(err, offer.ErrInvalid):
		return apperr.Wrap(apperr.CodeInvalidRequest, strings.TrimPrefix(err.Error(), offer.ErrInvalid.Error()+": "), err)
	case errors.Is(err, trade.ErrNotFound):
		return apperr.Wrap(apperr.CodeTradeNotFound, "trade not found", err)
	case errors.Is(err, reputation.ErrProfileNotFound):
		return apperr.Wrap(apperr.CodeProfileNotFound, "seller profile not found", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.CodeStoreUnavailable, op+": request timed out", err)
	}
	e.logger.Error().Err(err).Str("op", op).Msg("unclassified engine error")
	return apperr.Wrap(apperr.CodeInternal, op+" failed", err)
}
