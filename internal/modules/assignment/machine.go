// README: Offer state machine; every transition is a compare-and-set on the stored status.
package assignment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookd/internal/types"
)

var (
	ErrNotFound      = errors.New("assignment not found")
	ErrInvalidState  = errors.New("invalid assignment state transition")
	ErrConflict      = errors.New("assignment state conflict")
	ErrOfferExpired  = errors.New("offer deadline passed")
	ErrNotDue        = errors.New("offer deadline not reached")
	ErrWrongProvider = errors.New("offer belongs to another provider")
)

// Repository is the persistence contract; *Store and the in-memory store satisfy it.
type Repository interface {
	Create(ctx context.Context, a *Assignment) error
	Get(ctx context.Context, id types.ID) (*Assignment, error)
	ListByBooking(ctx context.Context, bookingID types.ID) ([]*Assignment, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Assignment, error)
	ListLiveByProvider(ctx context.Context, providerID types.ID) ([]*Assignment, error)
	CompareAndSetStatus(ctx context.Context, id types.ID, expected, next Status, at time.Time, reason string) (bool, error)
	MarkNotified(ctx context.Context, id types.ID, notifiedAt, expiresAt time.Time) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// Listener observes committed transitions.
type Listener func(ctx context.Context, a *Assignment, from Status)

type Machine struct {
	repo     Repository
	ttl      time.Duration
	log      *zap.Logger
	listener Listener
}

func NewMachine(repo Repository, offerTTL time.Duration, log *zap.Logger) *Machine {
	return &Machine{repo: repo, ttl: offerTTL, log: log}
}

// OnTransition registers a callback invoked after each committed transition.
func (m *Machine) OnTransition(l Listener) {
	m.listener = l
}

func (m *Machine) TTL() time.Duration {
	return m.ttl
}

// Open creates a pending offer for provider on booking.
func (m *Machine) Open(ctx context.Context, bookingID, providerID types.ID, score float64, round int, now time.Time) (*Assignment, error) {
	a := &Assignment{
		ID:         types.ID(uuid.NewString()),
		BookingID:  bookingID,
		ProviderID: providerID,
		Status:     StatusPending,
		Score:      score,
		Round:      round,
		CreatedAt:  now,
	}
	if err := m.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	m.record(ctx, a, StatusNone, now, "system", nil)
	return a, nil
}

// Notify starts the offer clock: pending -> notified, expires_at = now + ttl.
func (m *Machine) Notify(ctx context.Context, a *Assignment, now time.Time) error {
	if a.Status != StatusPending {
		return m.stateErr(a.Status)
	}
	expires := now.Add(m.ttl)
	ok, err := m.repo.MarkNotified(ctx, a.ID, now, expires)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	a.Status = StatusNotified
	a.NotifiedAt = &now
	a.ExpiresAt = &expires
	m.record(ctx, a, StatusPending, now, "system", nil)
	return nil
}

// Accept is the provider-facing notified -> accepted transition. Exclusivity across
// siblings is the caller's job (booking lock); this only guards this offer.
func (m *Machine) Accept(ctx context.Context, a *Assignment, providerID types.ID, now time.Time) error {
	if a.ProviderID != providerID {
		return ErrWrongProvider
	}
	if a.Due(now) {
		return ErrOfferExpired
	}
	return m.transition(ctx, a, StatusAccepted, now, "", "provider", &providerID)
}

func (m *Machine) Decline(ctx context.Context, a *Assignment, providerID types.ID, now time.Time, reason string) error {
	if a.ProviderID != providerID {
		return ErrWrongProvider
	}
	return m.transition(ctx, a, StatusDeclined, now, reason, "provider", &providerID)
}

// DeclineUndelivered declines an offer on the provider's behalf when delivery failed.
func (m *Machine) DeclineUndelivered(ctx context.Context, a *Assignment, now time.Time) error {
	return m.transition(ctx, a, StatusDeclined, now, "delivery_failed", "system", nil)
}

// Expire is reserved for the expiry sweeper.
func (m *Machine) Expire(ctx context.Context, a *Assignment, now time.Time) error {
	if a.Status == StatusNotified && !a.Due(now) {
		return ErrNotDue
	}
	return m.transition(ctx, a, StatusExpired, now, "ttl_elapsed", "sweeper", nil)
}

func (m *Machine) Supersede(ctx context.Context, a *Assignment, now time.Time, reason string) error {
	return m.transition(ctx, a, StatusSuperseded, now, reason, "system", nil)
}

func (m *Machine) transition(ctx context.Context, a *Assignment, to Status, now time.Time, reason, actorType string, actorID *types.ID) error {
	if !CanTransition(a.Status, to) {
		return m.stateErr(a.Status)
	}
	from := a.Status
	ok, err := m.repo.CompareAndSetStatus(ctx, a.ID, from, to, now, reason)
	if err != nil {
		return err
	}
	if !ok {
		m.log.Debug("offer transition lost race",
			zap.String("assignment_id", string(a.ID)),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return ErrConflict
	}
	a.Status = to
	if to == StatusAccepted || to == StatusDeclined {
		a.RespondedAt = &now
	}
	if reason != "" {
		a.Reason = reason
	}
	m.record(ctx, a, from, now, actorType, actorID)
	return nil
}

// stateErr treats a terminal snapshot as a lost race and anything else as misuse.
func (m *Machine) stateErr(current Status) error {
	if current.Terminal() {
		return ErrConflict
	}
	return ErrInvalidState
}

func (m *Machine) record(ctx context.Context, a *Assignment, from Status, at time.Time, actorType string, actorID *types.ID) {
	if err := m.repo.AppendEvent(ctx, &Event{
		AssignmentID: a.ID,
		BookingID:    a.BookingID,
		FromStatus:   from,
		ToStatus:     a.Status,
		ActorType:    actorType,
		ActorID:      actorID,
		Reason:       a.Reason,
		CreatedAt:    at,
	}); err != nil {
		m.log.Warn("append assignment event failed", zap.String("assignment_id", string(a.ID)), zap.Error(err))
	}
	if m.listener != nil {
		m.listener(ctx, a, from)
	}
}
