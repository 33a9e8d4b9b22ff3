package match

import (
	"P2PDesk/internal/apperr"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/ranking"
	"P2PDesk/internal/reputation"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ProfileSource joins seller profiles at read time.
type ProfileSource interface {
	GetMany(ctx context.Context, sellerIDs []string) (map[string]reputation.Profile, error)
}

// Request is a best-match request. Exactly one of AmountFiat and
// AmountCrypto must be set.
type Request struct {
	Side          offer.Side       `json:"side"`
	Asset         string           `json:"asset"`
	Fiat          string           `json:"fiat"`
	AmountFiat    *decimal.Decimal `json:"amount_fiat,omitempty"`
	AmountCrypto  *decimal.Decimal `json:"amount_crypto,omitempty"`
	PaymentMethod string           `json:"payment_method,omitempty"`
	Region        string           `json:"region,omitempty"`
	Filters       ranking.Filters  `json:"filters"`
}

// Result is the winning offer, its seller if a profile exists, and the
// quote issued against it.
type Result struct {
	Offer  offer.Offer         `json:"offer"`
	Seller *reputation.Profile `json:"seller,omitempty"`
	Quote  Quote               `json:"quote"`
}

// Resolver turns an amount into a single best offer plus a time-boxed quote.
// It reads offers and profiles and writes only to the quote cache; it never
// reserves liquidity.
type Resolver struct {
	offers   offer.Store
	profiles ProfileSource
	quotes   *QuoteCache
	catalog  *Catalog
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewResolver(
	offers offer.Store,
	profiles ProfileSource,
	quotes *QuoteCache,
	catalog *Catalog,
	ttl time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Resolver {
	return &Resolver{
		offers:   offers,
		profiles: profiles,
		quotes:   quotes,
		catalog:  catalog,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetClock overrides time.Now, for tests.
func (r *Resolver) SetClock(now func() time.Time) {
	r.now = now
}

// List returns the ranked, feasible offers for a list view. Without an
// amount only status, boost expiry, attribute and reputation filters apply.
func (r *Resolver) List(ctx context.Context, q ranking.Query, limit int) ([]ranking.Candidate, error) {
	if aerr := r.validateQuery(q, false); aerr != nil {
		return nil, aerr
	}
	if q.AmountFiat != nil {
		if aerr := r.catalog.CheckFiatAmount(*q.AmountFiat); aerr != nil {
			return nil, aerr
		}
	}
	q.AssetDecimals = r.catalog.Decimals(q.Asset)

	now := r.now()
	offers, profiles, err := r.load(ctx, q, now)
	if err != nil {
		return nil, err
	}
	res := ranking.Rank(q, offers, profiles, now)
	if r.metrics != nil {
		r.metrics.OfferListRequests.Inc()
		r.metrics.RankingCandidates.Observe(float64(len(res.Candidates)))
	}

	cands := res.Candidates
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	return cands, nil
}

// Match resolves req to the head of the constrained ranking and issues a
// quote. An empty ranking is an error; a lesser offer is never substituted.
func (r *Resolver) Match(ctx context.Context, req Request) (res Result, err error) {
	start := time.Now()
	defer func() {
		r.observe(req.Side, start, err)
	}()

	if aerr := r.validate(req); aerr != nil {
		return Result{}, aerr
	}

	q := ranking.Query{
		Side:          req.Side,
		Asset:         strings.ToUpper(req.Asset),
		Fiat:          strings.ToUpper(req.Fiat),
		PaymentMethod: req.PaymentMethod,
		Region:        req.Region,
		AssetDecimals: r.catalog.Decimals(req.Asset),
		Filters:       req.Filters,
	}

	now := r.now()
	offers, profiles, err := r.load(ctx, q, now)
	if err != nil {
		return Result{}, err
	}

	amountFiat, err := r.normalize(req, q, offers, profiles, now)
	if err != nil {
		return Result{}, err
	}
	q.AmountFiat = &amountFiat

	ranked := ranking.Rank(q, offers, profiles, now)
	r.recordRejections(ranked)
	if len(ranked.Candidates) == 0 {
		aerr := ranked.EmptyReason(q)
		r.logger.Debug().
			Str("side", string(req.Side)).
			Str("asset", q.Asset).
			Str("fiat", q.Fiat).
			Str("amount_fiat", amountFiat.String()).
			Str("code", string(aerr.Code)).
			Msg("no feasible offer")
		return Result{}, aerr
	}

	head := ranked.Candidates[0]
	quote := Quote{
		ID:           uuid.NewString(),
		OfferID:      head.Offer.ID,
		Side:         req.Side,
		Asset:        q.Asset,
		Fiat:         q.Fiat,
		Rate:         head.Offer.Price,
		AmountFiat:   amountFiat,
		AmountCrypto: *head.AmountCrypto,
		IssuedAt:     now,
		ExpiresAt:    now.Add(r.ttl),
	}
	r.quotes.Put(quote)
	if r.metrics != nil {
		r.metrics.QuotesIssued.WithLabelValues(q.Asset, q.Fiat).Inc()
	}

	return Result{Offer: head.Offer, Seller: head.Seller, Quote: quote}, nil
}

// normalize returns the fiat amount to match on. A crypto-only request is
// priced at the head of the unconstrained ranking in a single pass.
func (r *Resolver) normalize(req Request, q ranking.Query, offers []offer.Offer, profiles map[string]reputation.Profile, now time.Time) (decimal.Decimal, error) {
	if req.AmountFiat != nil {
		return *req.AmountFiat, nil
	}
	unconstrained := ranking.Rank(q, offers, profiles, now)
	if len(unconstrained.Candidates) == 0 {
		return decimal.Zero, unconstrained.EmptyReason(q)
	}
	rate := unconstrained.Candidates[0].Offer.Price
	fiat, err := fpmath.FiatForCrypto(*req.AmountCrypto, rate, req.Side.FiatRounding())
	if err != nil {
		return decimal.Zero, apperr.Wrap(apperr.CodeInternal, "price crypto amount", err)
	}
	if !fiat.IsPositive() {
		return decimal.Zero, apperr.Newf(apperr.CodeLimitTooLow,
			"%s %s is worth less than the smallest fiat unit", req.AmountCrypto, q.Asset)
	}
	return fiat, nil
}

func (r *Resolver) load(ctx context.Context, q ranking.Query, now time.Time) ([]offer.Offer, map[string]reputation.Profile, error) {
	offers, err := r.offers.List(ctx, offer.Filter{
		Side:       q.Side.Opposite(),
		Asset:      q.Asset,
		Fiat:       q.Fiat,
		ActiveOnly: true,
		At:         now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list offers: %w", err)
	}

	seen := make(map[string]struct{}, len(offers))
	ids := make([]string, 0, len(offers))
	for _, o := range offers {
		if _, ok := seen[o.SellerID]; ok {
			continue
		}
		seen[o.SellerID] = struct{}{}
		ids = append(ids, o.SellerID)
	}
	profiles, err := r.profiles.GetMany(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("load seller profiles: %w", err)
	}
	return offers, profiles, nil
}

func (r *Resolver) validate(req Request) *apperr.Error {
	if (req.AmountFiat == nil) == (req.AmountCrypto == nil) {
		return apperr.New(apperr.CodeInvalidAmount, "exactly one of amount_fiat and amount_crypto is required")
	}
	q := ranking.Query{Side: req.Side, Asset: req.Asset, Fiat: req.Fiat, Filters: req.Filters}
	if aerr := r.validateQuery(q, true); aerr != nil {
		return aerr
	}
	if req.AmountFiat != nil {
		return r.catalog.CheckFiatAmount(*req.AmountFiat)
	}
	return r.catalog.CheckCryptoAmount(req.Asset, *req.AmountCrypto)
}

func (r *Resolver) validateQuery(q ranking.Query, fiatRequired bool) *apperr.Error {
	if q.Side != offer.SideBuy && q.Side != offer.SideSell {
		return apperr.New(apperr.CodeInvalidRequest, "side must be BUY or SELL")
	}
	if aerr := r.catalog.CheckAsset(q.Asset); aerr != nil {
		return aerr
	}
	if q.Fiat != "" || fiatRequired {
		if aerr := r.catalog.CheckFiat(q.Fiat); aerr != nil {
			return aerr
		}
	}
	if q.Filters.MinRating < 0 || q.Filters.MinRating > 5 {
		return apperr.New(apperr.CodeInvalidRequest, "min_rating must be within [0,5]")
	}
	if q.Filters.MinCompletionRate < 0 || q.Filters.MinCompletionRate > 100 {
		return apperr.New(apperr.CodeInvalidRequest, "min_completion_rate must be within [0,100]")
	}
	return nil
}

func (r *Resolver) recordRejections(res ranking.Result) {
	if r.metrics == nil {
		return
	}
	r.metrics.RankingCandidates.Observe(float64(len(res.Candidates)))
	for code, n := range res.Rejections {
		r.metrics.FeasibilityRejects.WithLabelValues(string(code)).Add(float64(n))
	}
}

func (r *Resolver) observe(side offer.Side, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(apperr.CodeOf(err))
	}
	r.metrics.MatchRequests.WithLabelValues(string(side), result).Inc()
	r.metrics.MatchDuration.Observe(time.Since(start).Seconds())
}
