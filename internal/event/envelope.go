package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType string

const (
	EventTypeTradeCreated    EventType = "trade.created"
	EventTypeTradeMarkedPaid EventType = "trade.marked_paid"
	EventTypeTradeReleased   EventType = "trade.released"
	EventTypeTradeCancelled  EventType = "trade.cancelled"
	EventTypeTradeExpired    EventType = "trade.expired"
	EventTypeTradeDisputed   EventType = "trade.disputed"
	EventTypeTradeEscalated  EventType = "trade.escalated"
	EventTypeTradeResolved   EventType = "trade.resolved"
)

func (et EventType) String() string {
	return string(et)
}

// SubjectSuffix is the NATS subject token for the type, e.g. "marked_paid".
func (et EventType) SubjectSuffix() string {
	return strings.TrimPrefix(string(et), "trade.")
}

// Terminal reports whether the event closes a trade.
func (et EventType) Terminal() bool {
	switch et {
	case EventTypeTradeReleased, EventTypeTradeCancelled, EventTypeTradeExpired, EventTypeTradeResolved:
		return true
	}
	return false
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key for downstream consumers
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

// Envelope wraps an event for the wire.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      EventType       `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// Wrap encodes evt into an envelope with a fresh event id.
func Wrap(evt Event, ts time.Time) (Envelope, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", evt.EventType(), err)
	}
	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      evt.EventType(),
		IdempotencyKey: evt.IdempotencyKey(),
		Timestamp:      ts,
		Payload:        payload,
	}, nil
}
