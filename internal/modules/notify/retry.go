package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Retrying wraps a Notifier with bounded exponential-backoff retries. Once the
// attempts are spent the error wraps ErrDeliveryFailed.
type Retrying struct {
	next     Notifier
	attempts int
	backoff  time.Duration
	log      *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewRetrying(next Notifier, attempts int, backoff time.Duration, log *zap.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{next: next, attempts: attempts, backoff: backoff, log: log, sleep: sleepCtx}
}

func (r *Retrying) Notify(ctx context.Context, o Offer) error {
	var lastErr error
	wait := r.backoff
	for attempt := 1; attempt <= r.attempts; attempt++ {
		lastErr = r.next.Notify(ctx, o)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNoDevice) || ctx.Err() != nil {
			break
		}
		r.log.Warn("offer delivery attempt failed",
			zap.String("assignment_id", string(o.AssignmentID)),
			zap.String("provider_id", string(o.ProviderID)),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
		o.TTL -= wait
		if o.TTL < 0 {
			o.TTL = 0
		}
		wait *= 2
	}
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
