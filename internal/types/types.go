// README: Shared identifiers and geo/time value objects used across modules.
package types

import "time"

type ID string

type Point struct {
	Lat float64
	Lng float64
}

// IsZero reports whether the point was never set (0,0 is treated as unknown).
func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

// Slot is a half-open time interval [Start, End).
type Slot struct {
	Start time.Time
	End   time.Time
}

func (s Slot) Overlaps(o Slot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}
