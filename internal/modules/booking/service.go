// README: Booking service creates bookings (geocoding the address when needed) and reads them back.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bookd/internal/types"
)

var (
	ErrNotFound     = errors.New("booking not found")
	ErrBadRequest   = errors.New("bad request")
	ErrInvalidState = errors.New("invalid booking state transition")
	ErrConflict     = errors.New("booking state conflict")
)

// Repository is the persistence contract; *Store and the in-memory store satisfy it.
type Repository interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, providerID *types.ID) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListStalled(ctx context.Context, limit int) ([]*Booking, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Service struct {
	store    Repository
	geocoder Geocoder
	log      *zap.Logger
	now      func() time.Time
}

func NewService(store Repository, geocoder Geocoder, log *zap.Logger) *Service {
	return &Service{store: store, geocoder: geocoder, log: log, now: time.Now}
}

type CreateCommand struct {
	CustomerID     types.ID
	ServiceID      types.ID
	ScheduledAt    time.Time
	Duration       time.Duration
	Address        string
	Location       types.Point
	EstimatedPrice types.Money
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.CustomerID == "" || cmd.ServiceID == "" || cmd.ScheduledAt.IsZero() {
		return nil, ErrBadRequest
	}
	if cmd.EstimatedPrice.Amount < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrBadRequest)
	}
	loc := cmd.Location
	if loc.IsZero() {
		if s.geocoder == nil || strings.TrimSpace(cmd.Address) == "" {
			return nil, fmt.Errorf("%w: location or geocodable address required", ErrBadRequest)
		}
		p, err := s.geocoder.Geocode(ctx, cmd.Address)
		if err != nil {
			return nil, fmt.Errorf("geocode booking address: %w", err)
		}
		loc = p
	}
	duration := cmd.Duration
	if duration <= 0 {
		duration = defaultDuration
	}

	now := s.now().UTC()
	b := &Booking{
		ID:             types.ID(uuid.NewString()),
		Number:         newNumber(now),
		CustomerID:     cmd.CustomerID,
		ServiceID:      cmd.ServiceID,
		ScheduledAt:    cmd.ScheduledAt.UTC(),
		Duration:       duration,
		Address:        cmd.Address,
		Location:       loc,
		Status:         StatusAwaitingProvider,
		EstimatedPrice: cmd.EstimatedPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	if err := s.store.AppendEvent(ctx, &Event{
		BookingID:  b.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusAwaitingProvider,
		ActorType:  "customer",
		ActorID:    &cmd.CustomerID,
		CreatedAt:  now,
	}); err != nil {
		s.log.Warn("append booking event failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// Reopen moves an expired booking back to awaiting_provider so it can be dispatched again.
func (s *Service) Reopen(ctx context.Context, id types.ID, actorType string) error {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(b.Status, StatusAwaitingProvider) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, b.ID, b.Status, StatusAwaitingProvider, b.StatusVersion, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	if err := s.store.AppendEvent(ctx, &Event{
		BookingID:  b.ID,
		FromStatus: b.Status,
		ToStatus:   StatusAwaitingProvider,
		ActorType:  actorType,
		Reason:     "reopened",
		CreatedAt:  s.now().UTC(),
	}); err != nil {
		s.log.Warn("append booking event failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
	}
	return nil
}

func newNumber(now time.Time) string {
	return fmt.Sprintf("BK-%s-%s", now.Format("20060102"), strings.ToUpper(uuid.NewString()[:6]))
}
