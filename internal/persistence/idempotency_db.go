package persistence

import (
	"P2PDesk/internal/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const idempotencyColumns = `scope, idem_key, fingerprint, status, result_id, payload, created_at, expires_at`

// IdempotencyStore is the durable tier of the idempotency guard. A claim
// overwrites a record only once it has expired, so a crashed holder frees
// its key when the lease runs out.
type IdempotencyStore struct {
	*DB
}

func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{DB: db}
}

func scanRecord(s scanner) (core.Record, error) {
	var r core.Record
	if err := s.Scan(
		&r.Scope, &r.Key, &r.Fingerprint, &r.Status, &r.ResultID, &r.Payload, &r.CreatedAt, &r.ExpiresAt,
	); err != nil {
		return core.Record{}, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.ExpiresAt = r.ExpiresAt.UTC()
	return r, nil
}

func (s *IdempotencyStore) Claim(ctx context.Context, rec core.Record) (core.Record, bool, error) {
	var (
		existing core.Record
		claimed  bool
	)
	err := s.do(ctx, "idempotency_claim", func(ctx context.Context) error {
		var scope string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO idempotency_records (`+idempotencyColumns+`)
			VALUES ($1, $2, $3, $4, '', NULL, $5, $6)
			ON CONFLICT (scope, idem_key) DO UPDATE SET
				fingerprint = EXCLUDED.fingerprint,
				status      = EXCLUDED.status,
				result_id   = '',
				payload     = NULL,
				created_at  = EXCLUDED.created_at,
				expires_at  = EXCLUDED.expires_at
			WHERE idempotency_records.expires_at <= EXCLUDED.created_at
			RETURNING scope
		`,
			string(rec.Scope), rec.Key, rec.Fingerprint, string(core.RecordPending), rec.CreatedAt, rec.ExpiresAt,
		).Scan(&scope)
		if err == nil {
			claimed = true
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		claimed = false
		existing, err = scanRecord(s.db.QueryRowContext(ctx,
			`SELECT `+idempotencyColumns+` FROM idempotency_records WHERE scope = $1 AND idem_key = $2`,
			string(rec.Scope), rec.Key))
		return err
	})
	if err != nil {
		return core.Record{}, false, err
	}
	return existing, claimed, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, rec core.Record) error {
	var n int64
	err := s.do(ctx, "idempotency_complete", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_records
			SET status = $4, result_id = $5, payload = $6, created_at = $7, expires_at = $8
			WHERE scope = $1 AND idem_key = $2 AND fingerprint = $3 AND status = 'pending'
		`,
			string(rec.Scope), rec.Key, rec.Fingerprint, string(core.RecordCompleted),
			rec.ResultID, rec.Payload, rec.CreatedAt, rec.ExpiresAt,
		)
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
		return fmt.Errorf("%w: %s:%s", core.ErrClaimHeld, rec.Scope, rec.Key)
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, scope core.Scope, key string) error {
	var n int64
	err := s.do(ctx, "idempotency_release", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_records WHERE scope = $1 AND idem_key = $2 AND status = 'pending'`,
			string(scope), key)
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
		return fmt.Errorf("%w: %s:%s", core.ErrClaimHeld, scope, key)
	}
	return nil
}

func (s *IdempotencyStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.do(ctx, "idempotency_purge", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM idempotency_records WHERE expires_at <= $1`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *IdempotencyStore) Recent(ctx context.Context, since time.Time, limit int) ([]core.Record, error) {
	q := `SELECT ` + idempotencyColumns + ` FROM idempotency_records
		WHERE status = 'completed' AND created_at >= $1
		ORDER BY created_at DESC`
	args := []any{since}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}

	var out []core.Record
	err := s.do(ctx, "idempotency_recent", func(ctx context.Context) error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
