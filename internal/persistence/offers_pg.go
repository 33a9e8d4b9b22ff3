package persistence

import (
	"P2PDesk/internal/offer"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const offerColumns = `offer_id, seller_id, side, asset, fiat, price_per_unit, available_amount,
	min_limit_fiat, max_limit_fiat, payment_methods, seller_tier, is_boosted, boosted_until,
	status, region, kyc_required, created_at, updated_at`

// OfferStore is the Postgres offer.Store.
type OfferStore struct {
	*DB
}

func NewOfferStore(db *DB) *OfferStore {
	return &OfferStore{DB: db}
}

func scanOffer(s scanner) (offer.Offer, error) {
	var (
		o       offer.Offer
		methods pq.StringArray
		boosted sql.NullTime
	)
	if err := s.Scan(
		&o.ID, &o.SellerID, &o.Side, &o.Asset, &o.Fiat, &o.Price, &o.Available,
		&o.MinLimitFiat, &o.MaxLimitFiat, &methods, &o.SellerTier, &o.IsBoosted, &boosted,
		&o.Status, &o.Region, &o.KYCRequired, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return offer.Offer{}, err
	}
	o.PaymentMethods = []string(methods)
	o.BoostedUntil = timePtr(boosted)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *OfferStore) Get(ctx context.Context, id string) (offer.Offer, error) {
	var o offer.Offer
	err := s.do(ctx, "offer_get", func(ctx context.Context) error {
		var err error
		o, err = scanOffer(s.db.QueryRowContext(ctx,
			`SELECT `+offerColumns+` FROM offers WHERE offer_id = $1`, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return offer.Offer{}, fmt.Errorf("%w: %s", offer.ErrNotFound, id)
	}
	return o, err
}

// List filters in SQL and returns rows in offer.PriceOrder.
func (s *OfferStore) List(ctx context.Context, f offer.Filter) ([]offer.Offer, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Side != "" {
		add("side = $%d", string(f.Side))
	}
	if f.Asset != "" {
		add("asset = $%d", strings.ToUpper(f.Asset))
	}
	if f.Fiat != "" {
		add("fiat = $%d", strings.ToUpper(f.Fiat))
	}
	if f.SellerID != "" {
		add("seller_id = $%d", f.SellerID)
	}
	if f.ActiveOnly {
		add("status = $%d", string(offer.StatusActive))
		add("(NOT is_boosted OR boosted_until > $%d)", f.AsOf())
	}

	q := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	if f.Side == offer.SideBuy {
		q += ` ORDER BY price_per_unit DESC, created_at, offer_id`
	} else {
		q += ` ORDER BY price_per_unit ASC, created_at, offer_id`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []offer.Offer
	err := s.do(ctx, "offer_list", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOffer(rows)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert inserts or replaces an offer. created_at is kept on update.
func (s *OfferStore) Upsert(ctx context.Context, o offer.Offer) error {
	if err := o.Validate(); err != nil {
		return err
	}
	return s.do(ctx, "offer_upsert", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO offers (`+offerColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (offer_id) DO UPDATE SET
				seller_id        = EXCLUDED.seller_id,
				side             = EXCLUDED.side,
				asset            = EXCLUDED.asset,
				fiat             = EXCLUDED.fiat,
				price_per_unit   = EXCLUDED.price_per_unit,
				available_amount = EXCLUDED.available_amount,
				min_limit_fiat   = EXCLUDED.min_limit_fiat,
				max_limit_fiat   = EXCLUDED.max_limit_fiat,
				payment_methods  = EXCLUDED.payment_methods,
				seller_tier      = EXCLUDED.seller_tier,
				is_boosted       = EXCLUDED.is_boosted,
				boosted_until    = EXCLUDED.boosted_until,
				status           = EXCLUDED.status,
				region           = EXCLUDED.region,
				kyc_required     = EXCLUDED.kyc_required,
				updated_at       = EXCLUDED.updated_at
		`,
			o.ID, o.SellerID, string(o.Side), o.Asset, o.Fiat, o.Price, o.Available,
			o.MinLimitFiat, o.MaxLimitFiat, pq.Array(o.PaymentMethods), string(o.SellerTier), o.IsBoosted,
			nullTime(o.BoostedUntil), string(o.Status), o.Region, o.KYCRequired,
			o.CreatedAt, o.UpdatedAt,
		)
		return err
	})
}

func (s *OfferStore) Delete(ctx context.Context, id string) error {
	var n int64
	err := s.do(ctx, "offer_delete", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM offers WHERE offer_id = $1`, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", offer.ErrNotFound, id)
	}
	return nil
}

// lockOffer reads an offer row FOR UPDATE inside tx.
func lockOffer(ctx context.Context, tx *sql.Tx, id string) (offer.Offer, error) {
	o, err := scanOffer(tx.QueryRowContext(ctx,
		`SELECT `+offerColumns+` FROM offers WHERE offer_id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return offer.Offer{}, fmt.Errorf("%w: %s", offer.ErrNotFound, id)
	}
	return o, err
}
