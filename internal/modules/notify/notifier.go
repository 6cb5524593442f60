// README: Provider offer delivery. Notifiers push an offer to the provider's devices.
package notify

import (
	"context"
	"errors"
	"time"

	"bookd/internal/types"
)

var (
	ErrDeliveryFailed = errors.New("offer delivery failed")
	ErrNoDevice       = errors.New("provider has no registered device")
)

// Offer is the payload delivered to a provider. TTL is the time left to respond,
// measured on the dispatch clock rather than the sender's wall clock.
type Offer struct {
	AssignmentID types.ID
	BookingID    types.ID
	ProviderID   types.ID
	ServiceID    types.ID
	ScheduledAt  time.Time
	ExpiresAt    time.Time
	TTL          time.Duration
	Score        float64
}

type Notifier interface {
	Notify(ctx context.Context, o Offer) error
}
