// README: Ranked provider candidates for a booking.
package matching

import (
	"bookd/internal/modules/provider"
)

type Candidate struct {
	Provider   provider.Provider
	Score      float64
	DistanceKm float64
}

// Scoring weights. The maximum raw total exceeds 100 and is clamped.
const (
	availabilityPoints = 25.0
	serviceMatchPoints = 30.0
	ratingWeight       = 4.0
	unratedPoints      = 12.0
	maxRating          = 5.0
	distancePoints     = 20.0
	maxExperience      = 10.0
	loadWeight         = 2.0
	maxLoadPenalty     = 15.0
	maxScore           = 100.0
)
