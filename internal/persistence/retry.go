package persistence

import (
	"P2PDesk/internal/apperr"
	"P2PDesk/internal/observability"
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Retrier retries transient store failures with exponential backoff and
// surfaces STORE_UNAVAILABLE once the attempts run out. Errors that are not
// transient, including business errors returned from inside a transaction,
// are returned unchanged on the first attempt.
type Retrier struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	logger  zerolog.Logger
	metrics *observability.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRetrier(attempts int, base time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *Retrier {
	if attempts <= 0 {
		attempts = 4
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Retrier{
		Attempts:    attempts,
		BaseBackoff: base,
		MaxBackoff:  2 * time.Second,
		logger:      logger,
		metrics:     metrics,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails permanently, or the attempts are spent.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.StoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	backoff := r.BaseBackoff
	var err error
	for attempt := 0; attempt < r.Attempts; attempt++ {
		if attempt > 0 {
			r.logger.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("store retry")
			if r.metrics != nil {
				r.metrics.StoreRetries.WithLabelValues(op).Inc()
			}
			if serr := r.sleep(ctx, backoff); serr != nil {
				break
			}
			backoff *= 2
			if backoff > r.MaxBackoff {
				backoff = r.MaxBackoff
			}
		}

		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			if err != nil && r.metrics != nil {
				var aerr *apperr.Error
				if !errors.As(err, &aerr) {
					r.metrics.StoreErrors.WithLabelValues(op).Inc()
				}
			}
			return err
		}
	}

	if r.metrics != nil {
		r.metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	r.logger.Error().Err(err).Str("op", op).Int("attempts", r.Attempts).Msg("store unavailable")
	return apperr.Wrap(apperr.CodeStoreUnavailable, "store unavailable, retry later", err)
}

// IsTransient reports whether err is worth retrying: lost connections,
// serialization failures, deadlocks, and admin shutdowns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01", pqErr.Code == "57P01":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// isUniqueViolation reports a 23505 from Postgres.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
