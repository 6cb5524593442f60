// README: Expiry sweeper is the only writer of expired offers; it also re-dispatches
// bookings left waiting without a live offer.
package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"bookd/internal/config"
	"bookd/internal/infra"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/matching"
)

type Sweeper struct {
	coord       *Coordinator
	assignments assignment.Repository
	bookings    booking.Repository
	cfg         config.SweeperConfig
	clock       Clock
	log         *zap.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewSweeper(coord *Coordinator, assignments assignment.Repository, bookings booking.Repository, cfg config.SweeperConfig, log *zap.Logger) *Sweeper {
	return &Sweeper{
		coord:       coord,
		assignments: assignments,
		bookings:    bookings,
		cfg:         cfg,
		clock:       coord.clock,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Run sweeps on every tick and reconciles on its own, slower, tick until ctx is
// done. While the store is unavailable it backs off exponentially.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer reconcile.Stop()

	var backoff time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.Sweep(ctx, s.clock.Now())
			backoff = s.nextBackoff(err, backoff)
		case <-reconcile.C:
			_, err := s.Reconcile(ctx)
			backoff = s.nextBackoff(err, backoff)
		}
		if backoff > 0 {
			if err := s.sleep(ctx, backoff); err != nil {
				return
			}
		}
	}
}

// Sweep expires every notified offer due at now and advances its booking. It
// returns the number of offers it expired; offers settled concurrently are skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	due, err := s.assignments.ListExpired(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range due {
		ok, err := s.coord.ExpireOffer(ctx, a.ID, now)
		if errors.Is(err, infra.ErrStoreUnavailable) {
			return expired, err
		}
		if err != nil {
			s.log.Warn("expire offer failed", zap.String("assignment_id", string(a.ID)), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("offers expired", zap.Int("count", expired))
	}
	return expired, nil
}

// Reconcile re-dispatches bookings awaiting a provider without a live offer. It
// returns how many of them advanced.
func (s *Sweeper) Reconcile(ctx context.Context) (int, error) {
	waiting, err := s.bookings.ListStalled(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range waiting {
		err := s.coord.Dispatch(ctx, b.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, infra.ErrStoreUnavailable):
			return n, err
		case errors.Is(err, matching.ErrNoCandidates), errors.Is(err, ErrExhausted):
			n++
		default:
			s.log.Warn("reconcile dispatch failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
		}
	}
	return n, nil
}

func (s *Sweeper) nextBackoff(err error, prev time.Duration) time.Duration {
	if !errors.Is(err, infra.ErrStoreUnavailable) {
		if err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
		return 0
	}
	next := prev * 2
	if next == 0 {
		next = s.cfg.Interval
	}
	if s.cfg.MaxBackoff > 0 && next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	s.log.Warn("store unavailable, backing off", zap.Duration("backoff", next), zap.Error(err))
	return next
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
