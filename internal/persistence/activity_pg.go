package persistence

import (
	"P2PDesk/internal/event"
	"P2PDesk/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ActivityStore is the Postgres projection.ActivityStore. Applied event
// keys are recorded in the same transaction as the counter update.
type ActivityStore struct {
	*DB
}

func NewActivityStore(db *DB) *ActivityStore {
	return &ActivityStore{DB: db}
}

func (s *ActivityStore) Apply(ctx context.Context, e event.TradeEvent) error {
	d, ok := projection.DeltaFor(e)
	if !ok {
		return nil
	}
	return s.inTx(ctx, "activity_apply", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO projections.applied_trade_events (event_key) VALUES ($1) ON CONFLICT DO NOTHING`,
			e.IdempotencyKey())
		if err != nil {
			return fmt.Errorf("record event %s: %w", e.IdempotencyKey(), err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO projections.seller_activity (
				seller_id, opened, paid, completed, cancelled, expired, disputed,
				payment_seconds_total, release_seconds_total, last_trade_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (seller_id) DO UPDATE SET
				opened                = seller_activity.opened + EXCLUDED.opened,
				paid                  = seller_activity.paid + EXCLUDED.paid,
				completed             = seller_activity.completed + EXCLUDED.completed,
				cancelled             = seller_activity.cancelled + EXCLUDED.cancelled,
				expired               = seller_activity.expired + EXCLUDED.expired,
				disputed              = seller_activity.disputed + EXCLUDED.disputed,
				payment_seconds_total = seller_activity.payment_seconds_total + EXCLUDED.payment_seconds_total,
				release_seconds_total = seller_activity.release_seconds_total + EXCLUDED.release_seconds_total,
				last_trade_at         = GREATEST(seller_activity.last_trade_at, EXCLUDED.last_trade_at)
		`,
			d.SellerID, d.Opened, d.Paid, d.Completed, d.Cancelled, d.Expired, d.Disputed,
			d.PaymentSeconds, d.ReleaseSeconds, d.At,
		)
		if err != nil {
			return fmt.Errorf("update activity for %s: %w", d.SellerID, err)
		}
		return nil
	})
}

func (s *ActivityStore) Activity(ctx context.Context, sellerID string) (projection.SellerActivity, error) {
	var a projection.SellerActivity
	err := s.do(ctx, "activity_get", func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT seller_id, opened, paid, completed, cancelled, expired, disputed,
				payment_seconds_total, release_seconds_total, last_trade_at
			FROM projections.seller_activity WHERE seller_id = $1
		`, sellerID).Scan(
			&a.SellerID, &a.Opened, &a.Paid, &a.Completed, &a.Cancelled, &a.Expired, &a.Disputed,
			&a.PaymentSecondsTotal, &a.ReleaseSecondsTotal, &a.LastTradeAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return projection.SellerActivity{}, projection.ErrNoActivity
	}
	if err != nil {
		return projection.SellerActivity{}, err
	}
	a.LastTradeAt = a.LastTradeAt.UTC()
	return a, nil
}

// Rebuild recomputes every aggregate from the trades table and re-seeds the
// applied-event keys, so events replayed afterwards are not counted twice.
func (s *ActivityStore) Rebuild(ctx context.Context) error {
	err := s.inTx(ctx, "activity_rebuild", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`TRUNCATE projections.seller_activity, projections.applied_trade_events`); err != nil {
			return fmt.Errorf("truncate projections: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.seller_activity (
				seller_id, opened, paid, completed, cancelled, expired, disputed,
				payment_seconds_total, release_seconds_total, last_trade_at
			)
			SELECT
				CASE side WHEN 'BUY' THEN seller_id ELSE buyer_id END,
				COUNT(*),
				COUNT(*) FILTER (WHERE paid_at IS NOT NULL),
				COUNT(*) FILTER (WHERE status IN ('released', 'resolved_released')),
				COUNT(*) FILTER (WHERE status = 'resolved_cancelled'
					OR (status = 'cancelled' AND cancelled_by <> 'system')),
				COUNT(*) FILTER (WHERE status = 'cancelled' AND cancelled_by = 'system'),
				COUNT(*) FILTER (WHERE disputed_by <> ''),
				COALESCE(SUM(FLOOR(EXTRACT(EPOCH FROM (paid_at - created_at))))
					FILTER (WHERE paid_at IS NOT NULL), 0),
				COALESCE(SUM(FLOOR(EXTRACT(EPOCH FROM (completed_at - paid_at))))
					FILTER (WHERE status IN ('released', 'resolved_released') AND paid_at IS NOT NULL), 0),
				MAX(updated_at)
			FROM trades
			GROUP BY 1
		`); err != nil {
			return fmt.Errorf("aggregate trades: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.applied_trade_events (event_key)
			SELECT trade_id || ':pending_payment' FROM trades
			UNION SELECT trade_id || ':buyer_marked_paid' FROM trades WHERE paid_at IS NOT NULL
			UNION SELECT trade_id || ':disputed' FROM trades WHERE disputed_by <> ''
			UNION SELECT trade_id || ':' || status FROM trades
		`); err != nil {
			return fmt.Errorf("seed applied events: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Msg("seller activity rebuilt from trades")
	return nil
}
