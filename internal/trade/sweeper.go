package trade

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper drives the time-based transitions: expiry of unpaid trades and
// escalation of paid trades the seller sits on. Reads expire lazily as well,
// so the sweeper only bounds how long liquidity stays locked.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(manager *Manager, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{manager: manager, interval: interval, logger: logger}
}

// Run sweeps on every tick. Blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("trade sweep failed")
			}
		}
	}
}

// Sweep runs one pass. Failures in one phase do not skip the other.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		if m := s.manager.metrics; m != nil {
			m.SweepDuration.Observe(time.Since(start).Seconds())
		}
	}()

	expired, expireErr := s.manager.ExpireDue(ctx)
	escalated, escalateErr := s.manager.EscalateStale(ctx)
	if expired > 0 || escalated > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("escalated", escalated).
			Dur("took", time.Since(start)).
			Msg("trade sweep")
	}
	if expireErr != nil {
		return expireErr
	}
	return escalateErr
}
