// README: Assignment (offer) aggregate and its lifecycle definitions.
package assignment

import (
	"time"

	"bookd/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusNotified   Status = "notified"
	StatusAccepted   Status = "accepted"
	StatusDeclined   Status = "declined"
	StatusExpired    Status = "expired"
	StatusSuperseded Status = "superseded"
)

type Assignment struct {
	ID          types.ID
	BookingID   types.ID
	ProviderID  types.ID
	Status      Status
	Score       float64
	Round       int
	NotifiedAt  *time.Time
	ExpiresAt   *time.Time
	RespondedAt *time.Time
	Reason      string
	CreatedAt   time.Time
}

type Event struct {
	ID           int64
	AssignmentID types.ID
	BookingID    types.ID
	FromStatus   Status
	ToStatus     Status
	ActorType    string
	ActorID      *types.ID
	Reason       string
	CreatedAt    time.Time
}

// AllowedTransitions represents the offer state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:  {StatusNotified, StatusSuperseded},
	StatusNotified: {StatusAccepted, StatusDeclined, StatusExpired, StatusSuperseded},
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

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusExpired, StatusSuperseded:
		return true
	}
	return false
}

// Live reports whether the offer still occupies the provider (pending or notified).
func (s Status) Live() bool {
	return s == StatusPending || s == StatusNotified
}

// Due reports whether a notified offer has reached its deadline at now.
func (a *Assignment) Due(now time.Time) bool {
	return a.Status == StatusNotified && a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}
