package persistence

import (
	"P2PDesk/internal/reputation"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ProfileStore is the Postgres source of truth behind reputation.Cache.
// The stored profile comes from the reputation subsystem; stats_30d are
// derived from the trades table at load time.
type ProfileStore struct {
	*DB
	now func() time.Time
}

func NewProfileStore(db *DB) *ProfileStore {
	return &ProfileStore{DB: db, now: time.Now}
}

func (s *ProfileStore) LoadProfile(ctx context.Context, sellerID string) (reputation.Profile, error) {
	var p reputation.Profile
	err := s.do(ctx, "profile_load", func(ctx context.Context) error {
		var badges []byte
		err := s.db.QueryRowContext(ctx, `
			SELECT seller_id, rating, total_trades, completion_rate, verified, badges
			FROM seller_profiles WHERE seller_id = $1
		`, sellerID).Scan(&p.SellerID, &p.Rating, &p.TotalTrades, &p.CompletionRate, &p.Verified, &badges)
		if err != nil {
			return err
		}
		p.Badges = nil
		if err := json.Unmarshal(badges, &p.Badges); err != nil {
			return fmt.Errorf("decode badges for %s: %w", sellerID, err)
		}

		p.Stats30d, err = s.stats30d(ctx, sellerID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return reputation.Profile{}, fmt.Errorf("%w: %s", reputation.ErrProfileNotFound, sellerID)
	}
	if err != nil {
		return reputation.Profile{}, err
	}
	p.SortBadges()
	return p, nil
}

// stats30d aggregates the seller's trades as offer owner over the last 30
// days.
func (s *ProfileStore) stats30d(ctx context.Context, sellerID string) (reputation.Stats30d, error) {
	var (
		total, completed, closed int
		avgRelease, avgPayment   sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('released', 'resolved_released')),
			COUNT(*) FILTER (WHERE status IN ('released', 'resolved_released', 'cancelled', 'resolved_cancelled')),
			AVG(EXTRACT(EPOCH FROM (completed_at - paid_at)))
				FILTER (WHERE status IN ('released', 'resolved_released') AND paid_at IS NOT NULL),
			AVG(EXTRACT(EPOCH FROM (paid_at - created_at)))
				FILTER (WHERE paid_at IS NOT NULL)
		FROM trades
		WHERE CASE side WHEN 'BUY' THEN seller_id ELSE buyer_id END = $1
		  AND created_at >= $2
	`, sellerID, s.now().Add(-30*24*time.Hour)).Scan(&total, &completed, &closed, &avgRelease, &avgPayment)
	if err != nil {
		return reputation.Stats30d{}, fmt.Errorf("stats_30d for %s: %w", sellerID, err)
	}

	st := reputation.Stats30d{TradesTotal: total}
	if closed > 0 {
		st.CompletionRate = math.Round(float64(completed)*10000/float64(closed)) / 100
	}
	if avgRelease.Valid {
		st.AvgReleaseTime = int64(math.Round(avgRelease.Float64))
	}
	if avgPayment.Valid {
		st.AvgPaymentTime = int64(math.Round(avgPayment.Float64))
	}
	return st, nil
}

func (s *ProfileStore) UpsertProfile(ctx context.Context, p reputation.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.SortBadges()
	badges := p.Badges
	if badges == nil {
		badges = []reputation.Badge{}
	}
	raw, err := json.Marshal(badges)
	if err != nil {
		return fmt.Errorf("encode badges for %s: %w", p.SellerID, err)
	}
	return s.do(ctx, "profile_upsert", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO seller_profiles (seller_id, rating, total_trades, completion_rate, verified, badges, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (seller_id) DO UPDATE SET
				rating          = EXCLUDED.rating,
				total_trades    = EXCLUDED.total_trades,
				completion_rate = EXCLUDED.completion_rate,
				verified        = EXCLUDED.verified,
				badges          = EXCLUDED.badges,
				updated_at      = EXCLUDED.updated_at
		`, p.SellerID, p.Rating, p.TotalTrades, p.CompletionRate, p.Verified, string(raw), s.now().UTC())
		return err
	})
}
