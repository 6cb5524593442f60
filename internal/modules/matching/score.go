// README: Deterministic provider scoring and the total order used to rank candidates.
package matching

import (
	"math"

	"bookd/internal/modules/booking"
	"bookd/internal/modules/location"
	"bookd/internal/modules/provider"
)

// Score rates how well p fits booking b on a 0..100 scale and returns the
// distance it used. It has no side effects and the same inputs always give the
// same result.
func Score(b *booking.Booking, p provider.Provider) (float64, float64) {
	dist := location.DistanceKm(b.Location, p.Location)

	score := availabilityPoints
	if p.Serves(b.ServiceID) {
		score += serviceMatchPoints
	}
	score += ratingPoints(p.Rating)
	score += math.Max(0, distancePoints-dist)
	score += math.Min(float64(p.ExperienceYears), maxExperience)
	score -= math.Min(float64(p.ActiveBookings)*loadWeight, maxLoadPenalty)

	return clamp(score, 0, maxScore), dist
}

func Evaluate(b *booking.Booking, p provider.Provider) Candidate {
	score, dist := Score(b, p)
	return Candidate{Provider: p, Score: score, DistanceKm: dist}
}

func ratingPoints(rating *float64) float64 {
	if rating == nil {
		return unratedPoints
	}
	return clamp(*rating, 0, maxRating) * ratingWeight
}

// Less reports whether a ranks ahead of b: higher score, then higher rating,
// then shorter distance, then earlier registration, then provider id.
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	ra, rb := rating(a.Provider), rating(b.Provider)
	if ra != rb {
		return ra > rb
	}
	if a.DistanceKm != b.DistanceKm {
		return a.DistanceKm < b.DistanceKm
	}
	if !a.Provider.RegisteredAt.Equal(b.Provider.RegisteredAt) {
		return a.Provider.RegisteredAt.Before(b.Provider.RegisteredAt)
	}
	return a.Provider.ID < b.Provider.ID
}

// unrated providers sort below every rated one on the rating tie-break.
func rating(p provider.Provider) float64 {
	if p.Rating == nil {
		return -1
	}
	return *p.Rating
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
