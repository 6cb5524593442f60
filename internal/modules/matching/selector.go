// README: Candidate selector filters eligible providers for a booking and ranks them.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"bookd/internal/modules/booking"
	"bookd/internal/modules/provider"
	"bookd/internal/types"
)

var ErrNoCandidates = errors.New("no eligible providers")

type ProviderSource interface {
	AvailableNear(ctx context.Context, serviceID types.ID, center types.Point, radiusKm float64) ([]provider.Provider, error)
}

// BusyChecker reports providers already committed to an overlapping slot.
type BusyChecker interface {
	BusyProviders(ctx context.Context, providerIDs []types.ID, bookingID types.ID, slot types.Slot) (map[types.ID]bool, error)
}

type Selector struct {
	providers ProviderSource
	busy      BusyChecker
	radiusKm  float64
	max       int
}

// NewSelector builds a selector. A radiusKm or maxCandidates of zero disables that limit.
func NewSelector(providers ProviderSource, busy BusyChecker, radiusKm float64, maxCandidates int) *Selector {
	return &Selector{providers: providers, busy: busy, radiusKm: radiusKm, max: maxCandidates}
}

// Rank returns eligible providers for b, best first, skipping everyone in exclude.
// Candidate lists are computed fresh on each call.
func (s *Selector) Rank(ctx context.Context, b *booking.Booking, exclude map[types.ID]bool) ([]Candidate, error) {
	pool, err := s.providers.AvailableNear(ctx, b.ServiceID, b.Location, s.radiusKm)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}

	candidates := make([]Candidate, 0, len(pool))
	ids := make([]types.ID, 0, len(pool))
	for _, p := range pool {
		if !p.Available || !p.Serves(b.ServiceID) || exclude[p.ID] {
			continue
		}
		c := Evaluate(b, p)
		if s.radiusKm > 0 && c.DistanceKm > s.radiusKm {
			continue
		}
		if p.ServiceRadiusKm > 0 && c.DistanceKm > p.ServiceRadiusKm {
			continue
		}
		candidates = append(candidates, c)
		ids = append(ids, p.ID)
	}

	if len(candidates) > 0 && s.busy != nil {
		busy, err := s.busy.BusyProviders(ctx, ids, b.ID, b.Slot())
		if err != nil {
			return nil, fmt.Errorf("check provider schedules: %w", err)
		}
		free := candidates[:0]
		for _, c := range candidates {
			if !busy[c.Provider.ID] {
				free = append(free, c)
			}
		}
		candidates = free
	}

	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})
	if s.max > 0 && len(candidates) > s.max {
		candidates = candidates[:s.max]
	}
	return candidates, nil
}
