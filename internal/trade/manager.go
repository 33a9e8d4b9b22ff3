package trade

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/event"
	fpmath "P2PDesk/internal/math"
	"P2PDesk/internal/match"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// QuoteSource looks up live quotes issued by the matcher.
type QuoteSource interface {
	Get(id string, now time.Time) (match.Quote, bool)
}

// Config holds the lifecycle timers and the arbiter roster.
type Config struct {
	PaymentWindow time.Duration
	// ReleaseWindow escalates buyer_marked_paid trades to dispute once
	// elapsed. Zero disables escalation.
	ReleaseWindow time.Duration
	Arbiters      []string
	SweepBatch    int
}

// CreateRequest carries either a quote id or explicit terms.
type CreateRequest struct {
	OfferID           string
	QuoteID           string
	Side              offer.Side
	Asset             string
	Fiat              string
	AmountFiat        decimal.Decimal
	AmountCrypto      *decimal.Decimal
	Price             decimal.Decimal
	PaymentMethod     string
	RequesterID       string
	RequesterVerified bool
}

// Outcome is an arbiter's decision on a disputed trade.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeCancel  Outcome = "cancel"
)

// Manager owns the escrow state machine. Every status change goes through
// Store.Transition, so the sweeper and explicit calls share one
// compare-and-set.
type Manager struct {
	store    Store
	quotes   QuoteSource
	catalog  *match.Catalog
	sink     event.Sink
	cfg      Config
	arbiters map[string]struct{}
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewManager(
	store Store,
	quotes QuoteSource,
	catalog *match.Catalog,
	sink event.Sink,
	cfg Config,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Manager {
	if sink == nil {
		sink = event.Discard
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 500
	}
	arbiters := make(map[string]struct{}, len(cfg.Arbiters))
	for _, a := range cfg.Arbiters {
		arbiters[a] = struct{}{}
	}
	return &Manager{
		store:    store,
		quotes:   quotes,
		catalog:  catalog,
		sink:     sink,
		cfg:      cfg,
		arbiters: arbiters,
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetClock overrides time.Now, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Manager) IsArbiter(userID string) bool {
	_, ok := m.arbiters[userID]
	return ok
}

// ============================================================
// Create
// ============================================================

// Create validates the request, re-checks the offer under its lock, and
// atomically reserves liquidity and inserts the trade.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Trade, error) {
	t, err := m.create(ctx, req)
	if err != nil {
		code := apperr.CodeOf(err)
		if m.metrics != nil {
			m.metrics.TradeCreateErrors.WithLabelValues(string(code)).Inc()
		}
		m.logger.Debug().
			Str("offer_id", req.OfferID).
			Str("requester", req.RequesterID).
			Str("code", string(code)).
			Msg("trade create rejected")
		return Trade{}, err
	}

	if m.metrics != nil {
		m.metrics.TradesCreated.WithLabelValues(t.Asset, string(t.Side)).Inc()
	}
	m.logger.Info().
		Str("trade_id", t.ID).
		Str("offer_id", t.OfferID).
		Str("buyer", t.BuyerID).
		Str("seller", t.SellerID).
		Str("amount_fiat", t.AmountFiat.String()).
		Str("amount_crypto", t.AmountCrypto.String()).
		Msg("trade created")
	m.emit(t, "", event.EventTypeTradeCreated, req.RequesterID, "")
	return t, nil
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (Trade, error) {
	if strings.TrimSpace(req.RequesterID) == "" {
		return Trade{}, apperr.New(apperr.CodeInvalidRequest, "requesting user is required")
	}
	if req.Side != offer.SideBuy && req.Side != offer.SideSell {
		return Trade{}, apperr.New(apperr.CodeInvalidRequest, "side must be BUY or SELL")
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return Trade{}, apperr.New(apperr.CodeInvalidRequest, "payment_method is required")
	}
	now := m.now()

	tm, err := m.resolveTerms(req, now)
	if err != nil {
		return Trade{}, err
	}

	t := Trade{
		ID:            uuid.NewString(),
		OfferID:       tm.offerID,
		QuoteID:       req.QuoteID,
		Side:          req.Side,
		Asset:         tm.asset,
		Fiat:          tm.fiat,
		AmountFiat:    tm.amountFiat,
		AmountCrypto:  tm.amountCrypto,
		Price:         tm.price,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusPendingPayment,
		EscrowLocked:  true,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.cfg.PaymentWindow),
		UpdatedAt:     now,
	}

	created, err := m.store.Create(ctx, t, func(o offer.Offer, tr *Trade) error {
		if err := m.checkOffer(o, req, tm, now); err != nil {
			return err
		}
		// Roles depend on the offer owner, known only under the lock.
		tr.BuyerID, tr.SellerID = req.RequesterID, o.SellerID
		if req.Side == offer.SideSell {
			tr.BuyerID, tr.SellerID = o.SellerID, req.RequesterID
		}
		return nil
	})
	if err != nil {
		return Trade{}, m.storeErr(err)
	}
	return created, nil
}

type terms struct {
	offerID      string
	asset        string
	fiat         string
	amountFiat   decimal.Decimal
	amountCrypto decimal.Decimal
	price        decimal.Decimal
}

// resolveTerms fixes price and amounts either from a live quote or from the
// explicit request, rejecting anything that does not reproduce exactly.
func (m *Manager) resolveTerms(req CreateRequest, now time.Time) (terms, error) {
	asset := strings.ToUpper(req.Asset)
	fiat := strings.ToUpper(req.Fiat)

	if req.QuoteID != "" {
		q, ok := m.quotes.Get(req.QuoteID, now)
		if !ok {
			return terms{}, apperr.Newf(apperr.CodeQuoteExpired, "quote %s is unknown or expired, request a new match", req.QuoteID)
		}
		if req.OfferID != "" && req.OfferID != q.OfferID {
			return terms{}, apperr.New(apperr.CodeInvalidRequest, "offer_id does not match the quote")
		}
		if q.Side != req.Side {
			return terms{}, apperr.New(apperr.CodeInvalidRequest, "side does not match the quote")
		}
		if (asset != "" && asset != q.Asset) || (fiat != "" && fiat != q.Fiat) {
			return terms{}, apperr.New(apperr.CodeInvalidRequest, "asset or fiat does not match the quote")
		}
		if !req.AmountFiat.IsZero() && !req.AmountFiat.Equal(q.AmountFiat) {
			return terms{}, apperr.Newf(apperr.CodeInvalidAmount, "fiat amount %s differs from the quoted %s", req.AmountFiat, q.AmountFiat)
		}
		if req.AmountCrypto != nil && !req.AmountCrypto.Equal(q.AmountCrypto) {
			return terms{}, apperr.Newf(apperr.CodeInvalidAmount, "crypto amount %s differs from the quoted %s", req.AmountCrypto, q.AmountCrypto)
		}
		if !req.Price.IsZero() && !req.Price.Equal(q.Rate) {
			return terms{}, apperr.Newf(apperr.CodePriceMismatch, "price %s differs from the quoted rate %s", req.Price, q.Rate)
		}
		if !q.AmountCrypto.IsPositive() {
			return terms{}, apperr.Newf(apperr.CodeInvalidAmount, "quote %s is for a zero %s amount", q.ID, q.Asset)
		}
		return terms{offerID: q.OfferID, asset: q.Asset, fiat: q.Fiat, amountFiat: q.AmountFiat, amountCrypto: q.AmountCrypto, price: q.Rate}, nil
	}

	if req.OfferID == "" {
		return terms{}, apperr.New(apperr.CodeInvalidRequest, "offer_id or quote_id is required")
	}
	if aerr := m.catalog.CheckAsset(asset); aerr != nil {
		return terms{}, aerr
	}
	if aerr := m.catalog.CheckFiat(fiat); aerr != nil {
		return terms{}, aerr
	}
	if aerr := m.catalog.CheckFiatAmount(req.AmountFiat); aerr != nil {
		return terms{}, aerr
	}
	if !req.Price.IsPositive() {
		return terms{}, apperr.New(apperr.CodeInvalidAmount, "price must be positive")
	}

	expected, err := fpmath.CryptoForFiat(req.AmountFiat, req.Price, m.catalog.Decimals(asset), req.Side.CryptoRounding())
	if err != nil {
		return terms{}, apperr.Wrap(apperr.CodeInvalidAmount, "convert fiat amount", err)
	}
	if req.AmountCrypto != nil && !req.AmountCrypto.Equal(expected) {
		return terms{}, apperr.Newf(apperr.CodeInvalidAmount,
			"crypto amount %s does not match %s / %s = %s", req.AmountCrypto, req.AmountFiat, req.Price, expected)
	}
	if !expected.IsPositive() {
		return terms{}, apperr.Newf(apperr.CodeInvalidAmount, "%s %s buys less than the smallest %s unit", req.AmountFiat, fiat, asset)
	}
	return terms{offerID: req.OfferID, asset: asset, fiat: fiat, amountFiat: req.AmountFiat, amountCrypto: expected, price: req.Price}, nil
}

// checkOffer runs inside the store's atomic section against the locked offer.
func (m *Manager) checkOffer(o offer.Offer, req CreateRequest, tm terms, now time.Time) error {
	if !o.Matchable(now) {
		if o.Status == offer.StatusActive {
			return apperr.Newf(apperr.CodeOfferInactive, "offer %s boost expired", o.ID)
		}
		return apperr.Newf(apperr.CodeOfferInactive, "offer %s is %s", o.ID, o.Status)
	}
	if o.Side != req.Side.Opposite() || !strings.EqualFold(o.Asset, tm.asset) || !strings.EqualFold(o.Fiat, tm.fiat) {
		return apperr.Newf(apperr.CodeInvalidRequest, "offer %s is a %s %s/%s offer", o.ID, o.Side, o.Asset, o.Fiat)
	}
	if !o.Price.Equal(tm.price) {
		return apperr.Newf(apperr.CodePriceMismatch, "offer price is now %s, not %s", o.Price, tm.price)
	}
	if o.SellerID == req.RequesterID {
		return apperr.New(apperr.CodeSelfTrade, "cannot trade against your own offer")
	}
	if !o.AcceptsPayment(req.PaymentMethod) {
		return apperr.Newf(apperr.CodePaymentMethod, "offer does not accept %s", req.PaymentMethod)
	}
	if o.KYCRequired && !req.RequesterVerified {
		return apperr.New(apperr.CodeVerificationRequired, "offer requires a verified account")
	}
	if aerr := o.CheckAmount(tm.amountFiat, tm.amountCrypto); aerr != nil {
		return aerr
	}
	return nil
}

// ============================================================
// Reads
// ============================================================

// Get returns the trade for a party or arbiter. A pending trade past its
// payment window is expired before it is returned.
func (m *Manager) Get(ctx context.Context, id, userID string) (Trade, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Trade{}, m.storeErr(err)
	}
	if !t.IsParty(userID) && !m.IsArbiter(userID) {
		return Trade{}, apperr.New(apperr.CodeForbidden, "not a party to this trade")
	}
	if t.Expired(m.now()) {
		return m.expire(ctx, t)
	}
	return t, nil
}

// ListForUser returns the user's trades, newest first, expiring any that are
// past due.
func (m *Manager) ListForUser(ctx context.Context, userID string, limit int) ([]Trade, error) {
	if userID == "" {
		return nil, apperr.New(apperr.CodeInvalidRequest, "user_id is required")
	}
	trades, err := m.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, m.storeErr(err)
	}
	now := m.now()
	for i, t := range trades {
		if t.Expired(now) {
			if trades[i], err = m.expire(ctx, t); err != nil {
				return nil, err
			}
		}
	}
	return trades, nil
}

// ============================================================
// Party transitions
// ============================================================

type step struct {
	action string
	from   []Status
	to     Status
	event  event.EventType
	allow  func(t Trade, userID string) bool
	apply  func(t *Trade, now time.Time)
	reason string
}

func buyerOnly(t Trade, userID string) bool  { return userID == t.BuyerID }
func sellerOnly(t Trade, userID string) bool { return userID == t.SellerID }
func eitherParty(t Trade, userID string) bool {
	return t.IsParty(userID)
}

// MarkPaid records the buyer's payment signal.
func (m *Manager) MarkPaid(ctx context.Context, id, userID string) (Trade, error) {
	return m.step(ctx, id, userID, step{
		action: "mark paid",
		from:   []Status{StatusPendingPayment},
		to:     StatusBuyerMarkedPaid,
		event:  event.EventTypeTradeMarkedPaid,
		allow:  buyerOnly,
		apply: func(t *Trade, now time.Time) {
			paid := now
			t.PaidAt = &paid
		},
	})
}

// Release hands the escrowed crypto to the buyer. Irreversible.
func (m *Manager) Release(ctx context.Context, id, userID string) (Trade, error) {
	return m.step(ctx, id, userID, step{
		action: "release",
		from:   []Status{StatusBuyerMarkedPaid},
		to:     StatusReleased,
		event:  event.EventTypeTradeReleased,
		allow:  sellerOnly,
	})
}

// Cancel closes an unpaid trade and returns the crypto to the offer.
func (m *Manager) Cancel(ctx context.Context, id, userID string) (Trade, error) {
	return m.step(ctx, id, userID, step{
		action: "cancel",
		from:   []Status{StatusPendingPayment},
		to:     StatusCancelled,
		event:  event.EventTypeTradeCancelled,
		allow:  eitherParty,
		apply: func(t *Trade, _ time.Time) {
			t.CancelledBy = userID
		},
	})
}

// Dispute freezes a live trade until an arbiter resolves it.
func (m *Manager) Dispute(ctx context.Context, id, userID, reason string) (Trade, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Trade{}, apperr.New(apperr.CodeInvalidRequest, "dispute reason is required")
	}
	return m.step(ctx, id, userID, step{
		action: "dispute",
		from:   []Status{StatusPendingPayment, StatusBuyerMarkedPaid},
		to:     StatusDisputed,
		event:  event.EventTypeTradeDisputed,
		allow:  eitherParty,
		reason: reason,
		apply: func(t *Trade, _ time.Time) {
			t.DisputedBy = userID
			t.DisputeReason = reason
		},
	})
}

// Resolve settles a disputed trade. Only configured arbiters may call it.
func (m *Manager) Resolve(ctx context.Context, id, arbiterID string, outcome Outcome, note string) (Trade, error) {
	var to Status
	switch outcome {
	case OutcomeRelease:
		to = StatusResolvedReleased
	case OutcomeCancel:
		to = StatusResolvedCancelled
	default:
		return Trade{}, apperr.Newf(apperr.CodeInvalidRequest, "outcome must be %q or %q", OutcomeRelease, OutcomeCancel)
	}
	return m.step(ctx, id, arbiterID, step{
		action: "resolve",
		from:   []Status{StatusDisputed},
		to:     to,
		event:  event.EventTypeTradeResolved,
		allow:  func(_ Trade, userID string) bool { return m.IsArbiter(userID) },
		reason: note,
		apply: func(t *Trade, _ time.Time) {
			t.ResolvedBy = arbiterID
		},
	})
}

func (m *Manager) step(ctx context.Context, id, userID string, s step) (Trade, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return Trade{}, m.storeErr(err)
	}
	if !t.IsParty(userID) && !m.IsArbiter(userID) {
		return Trade{}, apperr.New(apperr.CodeForbidden, "not a party to this trade")
	}
	if !s.allow(t, userID) {
		return Trade{}, apperr.Newf(apperr.CodeForbidden, "you may not %s this trade", s.action)
	}

	now := m.now()
	if t.Expired(now) {
		if t, err = m.expire(ctx, t); err != nil {
			return Trade{}, err
		}
	}
	if t.Status == s.to {
		return t, nil
	}
	if t.ExpiredBySystem() {
		return t, apperr.Newf(apperr.CodeTradeExpired, "payment window closed at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	if !slices.Contains(s.from, t.Status) {
		return t, m.invalid(t, s.action)
	}

	prev := t.Status
	updated, err := m.store.Transition(ctx, id, s.from, s.to, func(tr *Trade) {
		if s.apply != nil {
			s.apply(tr, now)
		}
		Finish(tr, s.to, now)
	})
	if errors.Is(err, ErrStatusConflict) {
		if updated.Status == s.to {
			return updated, nil
		}
		if updated.ExpiredBySystem() {
			return updated, apperr.New(apperr.CodeTradeExpired, "payment window closed")
		}
		return updated, m.invalid(updated, s.action)
	}
	if err != nil {
		return Trade{}, m.storeErr(err)
	}

	m.recordTransition(prev, s.to)
	m.logger.Info().
		Str("trade_id", id).
		Str("from", string(prev)).
		Str("to", string(s.to)).
		Str("actor", userID).
		Msg("trade transition")
	m.emit(updated, prev, s.event, userID, s.reason)
	return updated, nil
}

func (m *Manager) invalid(t Trade, action string) *apperr.Error {
	if t.Status == StatusDisputed {
		return apperr.Newf(apperr.CodeInvalidTransition, "cannot %s: trade is frozen by a dispute", action)
	}
	return apperr.Newf(apperr.CodeInvalidTransition, "cannot %s a trade in status %s", action, t.Status)
}

// ============================================================
// System transitions
// ============================================================

// expire cancels a pending trade whose payment window has closed. Losing the
// race to another transition is not an error; the current trade is returned.
func (m *Manager) expire(ctx context.Context, t Trade) (Trade, error) {
	now := m.now()
	updated, err := m.store.Transition(ctx, t.ID, []Status{StatusPendingPayment}, StatusCancelled, func(tr *Trade) {
		tr.CancelledBy = SystemActor
		Finish(tr, StatusCancelled, now)
	})
	if errors.Is(err, ErrStatusConflict) {
		return updated, nil
	}
	if err != nil {
		return Trade{}, m.storeErr(err)
	}

	if m.metrics != nil {
		m.metrics.TradesExpired.Inc()
	}
	m.recordTransition(StatusPendingPayment, StatusCancelled)
	m.logger.Info().
		Str("trade_id", t.ID).
		Str("offer_id", t.OfferID).
		Str("restored", t.AmountCrypto.String()).
		Msg("trade expired")
	m.emit(updated, StatusPendingPayment, event.EventTypeTradeExpired, SystemActor, "payment window elapsed")
	return updated, nil
}

// ExpireDue cancels every pending trade past its window.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	due, err := m.store.ListExpired(ctx, m.now(), m.cfg.SweepBatch)
	if err != nil {
		return 0, m.storeErr(err)
	}
	n := 0
	for _, t := range due {
		updated, err := m.expire(ctx, t)
		if err != nil {
			return n, err
		}
		if updated.ExpiredBySystem() {
			n++
		}
	}
	return n, nil
}

// EscalateStale moves paid trades that the seller has not released within
// the release window into dispute.
func (m *Manager) EscalateStale(ctx context.Context) (int, error) {
	if m.cfg.ReleaseWindow <= 0 {
		return 0, nil
	}
	now := m.now()
	stale, err := m.store.ListStalePaid(ctx, now.Add(-m.cfg.ReleaseWindow), m.cfg.SweepBatch)
	if err != nil {
		return 0, m.storeErr(err)
	}

	const reason = "seller did not release within the release window"
	n := 0
	for _, t := range stale {
		updated, err := m.store.Transition(ctx, t.ID, []Status{StatusBuyerMarkedPaid}, StatusDisputed, func(tr *Trade) {
			tr.DisputedBy = SystemActor
			tr.DisputeReason = reason
			Finish(tr, StatusDisputed, now)
		})
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, m.storeErr(err)
		}
		n++
		if m.metrics != nil {
			m.metrics.TradesEscalated.Inc()
		}
		m.recordTransition(StatusBuyerMarkedPaid, StatusDisputed)
		m.logger.Warn().Str("trade_id", t.ID).Msg("trade escalated to dispute")
		m.emit(updated, StatusBuyerMarkedPaid, event.EventTypeTradeEscalated, SystemActor, reason)
	}
	return n, nil
}

// ============================================================
// Helpers
// ============================================================

func (m *Manager) emit(t Trade, from Status, typ event.EventType, actor, reason string) {
	m.sink.Emit(event.TradeEvent{
		Type:         typ,
		TradeID:      t.ID,
		OfferID:      t.OfferID,
		BuyerID:      t.BuyerID,
		SellerID:     t.SellerID,
		OfferOwnerID: t.OwnerID(),
		FromStatus:   string(from),
		Status:       string(t.Status),
		Asset:        t.Asset,
		Fiat:         t.Fiat,
		AmountFiat:   t.AmountFiat,
		AmountCrypto: t.AmountCrypto,
		Actor:        actor,
		Reason:       reason,
		CreatedAt:    t.CreatedAt,
		PaidAt:       t.PaidAt,
		OccurredAt:   t.UpdatedAt,
	})
}

func (m *Manager) recordTransition(from, to Status) {
	if m.metrics != nil {
		m.metrics.TradeTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// storeErr maps store errors onto the public taxonomy. Typed errors pass
// through untouched.
func (m *Manager) storeErr(err error) error {
	var aerr *apperr.Error
	switch {
	case errors.As(err, &aerr):
		return aerr
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.CodeTradeNotFound, "trade not found", err)
	case errors.Is(err, offer.ErrNotFound):
		return apperr.Wrap(apperr.CodeOfferNotFound, "offer not found", err)
	default:
		m.logger.Error().Err(err).Msg("trade store failure")
		return apperr.Wrap(apperr.CodeInternal, fmt.Sprintf("trade store: %v", err), err)
	}
}
