package ingestion

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/observability"
	"P2PDesk/internal/offer"
	"P2PDesk/internal/reputation"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Invalidator drops cached seller state.
type Invalidator interface {
	Invalidate(sellerID string)
}

// Dispatcher applies inbound offer and reputation messages to the stores
// and keeps the reputation cache coherent with them.
type Dispatcher struct {
	offers   offer.Store
	profiles reputation.Writer
	cache    Invalidator
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

func NewDispatcher(
	offers offer.Store,
	profiles reputation.Writer,
	cache Invalidator,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Dispatcher {
	return &Dispatcher{
		offers:   offers,
		profiles: profiles,
		cache:    cache,
		logger:   logger,
		metrics:  metrics,
	}
}

// Run handles messages until ctx is cancelled or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle parses and applies one message, then settles it: Ack on success,
// Term on a payload that can never apply, Nak on a transient failure.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	msg, err := ParseRawEvent(raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("kind", string(raw.Kind)).Msg("dropping malformed message")
		d.record(raw.Kind, "invalid")
		raw.term()
		return
	}

	err = d.Apply(ctx, msg)
	switch {
	case err == nil:
		d.record(raw.Kind, "applied")
		raw.ack()
	case retryable(err):
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("inbound apply failed, will redeliver")
		d.record(raw.Kind, "retry")
		raw.nak()
	default:
		d.logger.Error().Err(err).Str("subject", raw.Subject).Msg("inbound apply rejected")
		d.record(raw.Kind, "rejected")
		raw.term()
	}
}

// Apply writes msg to the matching store.
func (d *Dispatcher) Apply(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case *OfferUpsert:
		return d.applyOfferUpsert(ctx, m.Offer)
	case *OfferDelete:
		err := d.offers.Delete(ctx, m.OfferID)
		if errors.Is(err, offer.ErrNotFound) {
			return nil
		}
		if err == nil {
			d.logger.Info().Str("offer_id", m.OfferID).Msg("offer deleted")
		}
		return err
	case *ProfileUpdate:
		if err := d.profiles.UpsertProfile(ctx, m.Profile); err != nil {
			return err
		}
		d.cache.Invalidate(m.Profile.SellerID)
		return nil
	case *ProfileInvalidate:
		d.cache.Invalidate(m.SellerID)
		return nil
	default:
		return fmt.Errorf("unhandled message %T", msg)
	}
}

// applyOfferUpsert skips messages older than the stored offer, so
// redelivered or reordered updates cannot roll an offer back.
func (d *Dispatcher) applyOfferUpsert(ctx context.Context, o offer.Offer) error {
	cur, err := d.offers.Get(ctx, o.ID)
	switch {
	case err == nil:
		if cur.UpdatedAt.After(o.UpdatedAt) {
			d.logger.Debug().Str("offer_id", o.ID).Time("stored", cur.UpdatedAt).Time("incoming", o.UpdatedAt).Msg("stale offer update skipped")
			return nil
		}
		o.CreatedAt = cur.CreatedAt
	case errors.Is(err, offer.ErrNotFound):
	default:
		return err
	}
	if err := d.offers.Upsert(ctx, o); err != nil {
		return err
	}
	d.logger.Debug().Str("offer_id", o.ID).Str("status", string(o.Status)).Msg("offer upserted")
	return nil
}

func (d *Dispatcher) record(kind Kind, result string) {
	if d.metrics != nil {
		d.metrics.InboundMessages.WithLabelValues(string(kind), result).Inc()
	}
}

// retryable reports failures worth a redelivery: store outages and
// anything that is not a validation error.
func retryable(err error) bool {
	if errors.Is(err, offer.ErrInvalid) || errors.Is(err, reputation.ErrInvalidProfile) {
		return false
	}
	var aerr *apperr.Error
	if errors.As(err, &aerr) {
		return aerr.Retryable()
	}
	return true
}
