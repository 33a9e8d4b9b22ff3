package projection

import (
	"P2PDesk/internal/event"
	"P2PDesk/internal/observability"
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Invalidator drops cached seller state after the seller's trades change.
type Invalidator interface {
	Invalidate(sellerID string)
}

// ProjectionWorker folds trade events into seller aggregates.
// The input channel is fed by a dropping sink, so a slow projection never
// stalls trade handling. Dropped updates are recovered by Rebuild.
type ProjectionWorker struct {
	store       ActivityStore
	inputChan   <-chan event.TradeEvent
	invalidator Invalidator
	logger      zerolog.Logger
	metrics     *observability.Metrics
}

func NewProjectionWorker(
	store ActivityStore,
	inputChan <-chan event.TradeEvent,
	invalidator Invalidator,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:       store,
		inputChan:   inputChan,
		invalidator: invalidator,
		logger:      logger,
		metrics:     metrics,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case e, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, e)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, e event.TradeEvent) {
	start := time.Now()
	if err := pw.store.Apply(ctx, e); err != nil {
		// Projections are eventually consistent and can be rebuilt.
		pw.logger.Warn().Err(err).
			Str("trade_id", e.TradeID).
			Str("event_type", e.Type.String()).
			Msg("seller activity update failed")
		return
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues("seller_activity").Observe(time.Since(start).Seconds())
	}
	if e.Type.Terminal() && pw.invalidator != nil {
		pw.invalidator.Invalidate(e.OfferOwnerID)
	}
}

// Sink returns an event sink that feeds ch and counts drops.
func Sink(ch chan<- event.TradeEvent, metrics *observability.Metrics) *event.ChannelSink {
	return event.NewChannelSink(ch, func(event.TradeEvent) {
		if metrics != nil {
			metrics.ProjectionDrops.WithLabelValues("seller_activity").Inc()
		}
	})
}
