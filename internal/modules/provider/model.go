// README: Provider read model. The dispatch core never mutates providers.
package provider

import (
	"time"

	"bookd/internal/types"
)

type Provider struct {
	ID              types.ID
	BusinessName    string
	Location        types.Point
	Rating          *float64
	ExperienceYears int
	ServiceRadiusKm float64
	Available       bool
	ActiveBookings  int
	ServiceIDs      []types.ID
	RegisteredAt    time.Time
}

func (p Provider) Serves(serviceID types.ID) bool {
	for _, s := range p.ServiceIDs {
		if s == serviceID {
			return true
		}
	}
	return false
}
