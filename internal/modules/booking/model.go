// README: Booking aggregate and status definitions.
package booking

import (
	"time"

	"bookd/internal/types"
)

type Status string

const (
	StatusNone             Status = "none"
	StatusAwaitingProvider Status = "awaiting_provider"
	StatusAssigned         Status = "assigned"
	StatusConfirmed        Status = "confirmed"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

const defaultDuration = 60 * time.Minute

type Booking struct {
	ID             types.ID
	Number         string
	CustomerID     types.ID
	ServiceID      types.ID
	ScheduledAt    time.Time
	Duration       time.Duration
	Address        string
	Location       types.Point
	Status         Status
	StatusVersion  int
	ProviderID     *types.ID
	EstimatedPrice types.Money
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Slot is the time window the provider would be busy for.
func (b *Booking) Slot() types.Slot {
	d := b.Duration
	if d <= 0 {
		d = defaultDuration
	}
	return types.Slot{Start: b.ScheduledAt, End: b.ScheduledAt.Add(d)}
}

type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	Reason     string
	CreatedAt  time.Time
}

// AllowedTransitions represents the booking state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusNone:             {StatusAwaitingProvider},
	StatusAwaitingProvider: {StatusAssigned, StatusCancelled, StatusExpired},
	StatusAssigned:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusCancelled},
	StatusExpired:          {StatusAwaitingProvider},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Open reports whether the booking still accepts dispatch work.
func (s Status) Open() bool {
	return s == StatusAwaitingProvider
}
