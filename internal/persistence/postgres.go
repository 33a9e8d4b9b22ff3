package persistence

import (
	"P2PDesk/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PoolConfig sizes the database/sql pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

// DB bundles the pool with the retry policy shared by every Postgres store.
type DB struct {
	db     *sql.DB
	retry  *Retrier
	logger zerolog.Logger
}

func NewDB(db *sql.DB, retry *Retrier, logger zerolog.Logger, metrics *observability.Metrics) *DB {
	if retry == nil {
		retry = NewRetrier(0, 0, logger, metrics)
	}
	return &DB{db: db, retry: retry, logger: logger}
}

// SQL exposes the pool, for migrations and health checks.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Ping is a health check.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// inTx runs fn in a transaction under the retry policy. fn may run more
// than once, so it must not leak side effects outside tx.
func (d *DB) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return d.retry.Do(ctx, op, func(ctx context.Context) error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// do runs a single statement under the retry policy.
func (d *DB) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return d.retry.Do(ctx, op, fn)
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
