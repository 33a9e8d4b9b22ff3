package persistence

import (
	"P2PDesk/internal/offer"
	"P2PDesk/internal/trade"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

const tradeColumns = `trade_id, offer_id, quote_id, buyer_id, seller_id, side, asset, fiat,
	amount_fiat, amount_crypto, price, payment_method, status, escrow_locked, created_at,
	expires_at, paid_at, completed_at, cancelled_by, disputed_by, dispute_reason, resolved_by,
	updated_at`

// TradeStore is the Postgres trade.Store. Create and Transition each run in
// one transaction that locks the rows they change, so liquidity moves
// together with the trade row.
type TradeStore struct {
	*DB
}

func NewTradeStore(db *DB) *TradeStore {
	return &TradeStore{DB: db}
}

func scanTrade(s scanner) (trade.Trade, error) {
	var (
		t         trade.Trade
		paid      sql.NullTime
		completed sql.NullTime
	)
	if err := s.Scan(
		&t.ID, &t.OfferID, &t.QuoteID, &t.BuyerID, &t.SellerID, &t.Side, &t.Asset, &t.Fiat,
		&t.AmountFiat, &t.AmountCrypto, &t.Price, &t.PaymentMethod, &t.Status, &t.EscrowLocked, &t.CreatedAt,
		&t.ExpiresAt, &paid, &completed, &t.CancelledBy, &t.DisputedBy, &t.DisputeReason, &t.ResolvedBy,
		&t.UpdatedAt,
	); err != nil {
		return trade.Trade{}, err
	}
	t.PaidAt = timePtr(paid)
	t.CompletedAt = timePtr(completed)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *TradeStore) Create(ctx context.Context, t trade.Trade, check func(o offer.Offer, t *trade.Trade) error) (trade.Trade, error) {
	var created trade.Trade
	err := s.inTx(ctx, "trade_create", func(tx *sql.Tx) error {
		cur := t
		o, err := lockOffer(ctx, tx, cur.OfferID)
		if err != nil {
			return err
		}
		if err := check(o, &cur); err != nil {
			return err
		}
		remaining := o.Available.Sub(cur.AmountCrypto)
		if remaining.IsNegative() {
			return fmt.Errorf("offer %s: available %s below %s", o.ID, o.Available, cur.AmountCrypto)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE offers SET available_amount = $2, updated_at = $3 WHERE offer_id = $1`,
			o.ID, remaining, cur.CreatedAt,
		); err != nil {
			return fmt.Errorf("decrement offer %s: %w", o.ID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (`+tradeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		`,
			cur.ID, cur.OfferID, cur.QuoteID, cur.BuyerID, cur.SellerID, string(cur.Side), cur.Asset, cur.Fiat,
			cur.AmountFiat, cur.AmountCrypto, cur.Price, cur.PaymentMethod, string(cur.Status), cur.EscrowLocked, cur.CreatedAt,
			cur.ExpiresAt, nullTime(cur.PaidAt), nullTime(cur.CompletedAt), cur.CancelledBy, cur.DisputedBy, cur.DisputeReason, cur.ResolvedBy,
			cur.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", trade.ErrDuplicate, cur.ID)
			}
			return fmt.Errorf("insert trade %s: %w", cur.ID, err)
		}
		created = cur
		return nil
	})
	if err != nil {
		return trade.Trade{}, err
	}
	return created, nil
}

func (s *TradeStore) Get(ctx context.Context, id string) (trade.Trade, error) {
	var t trade.Trade
	err := s.do(ctx, "trade_get", func(ctx context.Context) error {
		var err error
		t, err = scanTrade(s.db.QueryRowContext(ctx,
			`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return trade.Trade{}, fmt.Errorf("%w: %s", trade.ErrNotFound, id)
	}
	return t, err
}

func (s *TradeStore) Transition(ctx context.Context, id string, from []trade.Status, to trade.Status, apply func(t *trade.Trade)) (trade.Trade, error) {
	var (
		out      trade.Trade
		conflict bool
	)
	err := s.inTx(ctx, "trade_transition", func(tx *sql.Tx) error {
		conflict = false
		cur, err := scanTrade(tx.QueryRowContext(ctx,
			`SELECT `+tradeColumns+` FROM trades WHERE trade_id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", trade.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !slices.Contains(from, cur.Status) {
			out, conflict = cur, true
			return nil
		}

		next := cur
		if apply != nil {
			apply(&next)
		}
		next.Status = to
		if to.Terminal() {
			next.EscrowLocked = false
		}

		if to.RestoresLiquidity() && cur.EscrowLocked {
			// A deleted offer has nothing to restore into; zero rows is fine.
			if _, err := tx.ExecContext(ctx,
				`UPDATE offers SET available_amount = available_amount + $2, updated_at = $3 WHERE offer_id = $1`,
				cur.OfferID, cur.AmountCrypto, next.UpdatedAt,
			); err != nil {
				return fmt.Errorf("restore liquidity on %s: %w", cur.OfferID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE trades SET
				status = $2, escrow_locked = $3, paid_at = $4, completed_at = $5,
				cancelled_by = $6, disputed_by = $7, dispute_reason = $8, resolved_by = $9,
				updated_at = $10
			WHERE trade_id = $1
		`,
			id, string(next.Status), next.EscrowLocked, nullTime(next.PaidAt), nullTime(next.CompletedAt),
			next.CancelledBy, next.DisputedBy, next.DisputeReason, next.ResolvedBy,
			next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update trade %s: %w", id, err)
		}
		out = next
		return nil
	})
	if err != nil {
		return trade.Trade{}, err
	}
	if conflict {
		return out, trade.ErrStatusConflict
	}
	return out, nil
}

func (s *TradeStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]trade.Trade, error) {
	return s.list(ctx, "trade_list_expired",
		`WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at`,
		limit, string(trade.StatusPendingPayment), now)
}

func (s *TradeStore) ListStalePaid(ctx context.Context, cutoff time.Time, limit int) ([]trade.Trade, error) {
	return s.list(ctx, "trade_list_stale_paid",
		`WHERE status = $1 AND paid_at <= $2 ORDER BY paid_at`,
		limit, string(trade.StatusBuyerMarkedPaid), cutoff)
}

func (s *TradeStore) ListByUser(ctx context.Context, userID string, limit int) ([]trade.Trade, error) {
	return s.list(ctx, "trade_list_user",
		`WHERE buyer_id = $1 OR seller_id = $1 ORDER BY created_at DESC`,
		limit, userID)
}

func (s *TradeStore) list(ctx context.Context, op, clause string, limit int, args ...any) ([]trade.Trade, error) {
	q := `SELECT ` + tradeColumns + ` FROM trades ` + clause
	if limit > 0 {
		args = append(args, limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []trade.Trade
	err := s.do(ctx, op, func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTrade(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
