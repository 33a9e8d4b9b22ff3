package ingestion

import (
	"P2PDesk/internal/event"
	"P2PDesk/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamTradeEvents  = "P2P_TRADE_EVENTS"
	tradeSubjectPrefix = "p2p.trades.events"
)

// StreamPublisher is the slice of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed trade lifecycle events for the
// notification dispatcher and other downstream consumers.
// Subjects follow the pattern: p2p.trades.events.{type}
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan event.TradeEvent
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan event.TradeEvent, logger zerolog.Logger, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
		metrics:   metrics,
	}
}

// Sink returns an event.Sink feeding ch that never blocks the trade path.
func Sink(ch chan<- event.TradeEvent, metrics *observability.Metrics) *event.ChannelSink {
	return event.NewChannelSink(ch, func(event.TradeEvent) {
		if metrics != nil {
			metrics.PublishDrops.Inc()
		}
	})
}

// Subject returns the outbound subject for e.
func Subject(e event.TradeEvent) string {
	return fmt.Sprintf("%s.%s", tradeSubjectPrefix, e.Type.SubjectSuffix())
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: the event log keeps every transition.
				op.logger.Warn().Err(err).Str("trade_id", evt.TradeID).Str("event_type", string(evt.Type)).Msg("outbound publish failed")
				continue
			}
			if op.metrics != nil {
				op.metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt event.TradeEvent) error {
	env, err := event.Wrap(evt, evt.OccurredAt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	// The message id lets JetStream drop a re-publish of the same transition.
	msgID := fmt.Sprintf("%s:%s", env.EventType, env.IdempotencyKey)
	_, err = op.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamTradeEvents,
		Subjects:   []string{tradeSubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", StreamTradeEvents).Msg("ensured outbound stream")
	return nil
}
