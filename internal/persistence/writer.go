package persistence

import (
	"P2PDesk/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventRow is one row of event_log.trade_events.
type EventRow struct {
	EventID        string
	IdempotencyKey string
	EventType      string
	TradeID        string
	OfferOwnerID   string
	Status         string
	Actor          string
	Payload        []byte // JSON-encoded event.TradeEvent
	OccurredAt     time.Time
}

// NewEventRow wraps a trade event in an envelope and flattens it for the
// event log.
func NewEventRow(e event.TradeEvent) (EventRow, error) {
	env, err := event.Wrap(e, e.OccurredAt)
	if err != nil {
		return EventRow{}, err
	}
	return EventRow{
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		EventType:      string(env.EventType),
		TradeID:        e.TradeID,
		OfferOwnerID:   e.OfferOwnerID,
		Status:         e.Status,
		Actor:          e.Actor,
		Payload:        env.Payload,
		OccurredAt:     e.OccurredAt,
	}, nil
}

// EventLogWriter writes trade events using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events inside tx. Re-delivered events
// are skipped by the (event_type, idempotency_key) unique index.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.trade_events
		(event_id, idempotency_key, event_type, trade_id, offer_owner_id, status, actor, payload, occurred_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.EventID, e.IdempotencyKey, e.EventType, e.TradeID,
			e.OfferOwnerID, e.Status, e.Actor, string(e.Payload), e.OccurredAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// History returns the logged events for one trade, oldest first.
func (w *EventLogWriter) History(ctx context.Context, tradeID string) ([]event.TradeEvent, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT payload FROM event_log.trade_events
		WHERE trade_id = $1
		ORDER BY occurred_at, recorded_at
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("trade history %s: %w", tradeID, err)
	}
	defer rows.Close()

	var out []event.TradeEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e event.TradeEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode event for %s: %w", tradeID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
