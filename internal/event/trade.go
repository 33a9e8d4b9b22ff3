package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent records one trade status change. It carries plain fields so
// consumers do not depend on the trade package. OfferOwnerID is the party
// whose reputation the trade counts toward.
type TradeEvent struct {
	Type         EventType       `json:"type"`
	TradeID      string          `json:"trade_id"`
	OfferID      string          `json:"offer_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	OfferOwnerID string          `json:"offer_owner_id"`
	FromStatus   string          `json:"from_status,omitempty"`
	Status       string          `json:"status"`
	Asset        string          `json:"asset"`
	Fiat         string          `json:"fiat"`
	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	AmountCrypto decimal.Decimal `json:"amount_crypto"`
	Actor        string          `json:"actor"`
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"trade_created_at"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

func (e TradeEvent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", e.TradeID, e.Status)
}

func (e TradeEvent) EventType() EventType {
	return e.Type
}

// Sink receives trade events after the status change is committed.
// Emit must not block the caller.
type Sink interface {
	Emit(e TradeEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e TradeEvent)

func (f SinkFunc) Emit(e TradeEvent) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(TradeEvent) {})

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(e TradeEvent) {
	for _, s := range f {
		s.Emit(e)
	}
}

// ChannelSink forwards events to a buffered channel and drops them when the
// channel is full. onDrop, if set, is called for each dropped event.
type ChannelSink struct {
	ch     chan<- TradeEvent
	onDrop func(TradeEvent)
}

func NewChannelSink(ch chan<- TradeEvent, onDrop func(TradeEvent)) *ChannelSink {
	return &ChannelSink{ch: ch, onDrop: onDrop}
}

func (s *ChannelSink) Emit(e TradeEvent) {
	select {
	case s.ch <- e:
	default:
		if s.onDrop != nil {
			s.onDrop(e)
		}
	}
}
