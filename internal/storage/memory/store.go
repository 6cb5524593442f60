// Package memory provides in-memory implementations of every dispatch store. It
// backs the unit tests and the --memory mode of the CLI.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bookd/internal/infra"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/provider"
	"bookd/internal/types"
)

var ErrDuplicate = errors.New("record already exists")

// Store holds bookings, offers and providers behind one lock so cross-table
// queries (busy providers, current load) see a consistent view.
type Store struct {
	mu               sync.RWMutex
	bookings         map[types.ID]booking.Booking
	bookingEvents    []booking.Event
	assignments      map[types.ID]assignment.Assignment
	assignmentEvents []assignment.Event
	providers        map[types.ID]provider.Provider
	devices          map[types.ID][]string
	eventSeq         int64
	unavailable      bool
}

func NewStore() *Store {
	return &Store{
		bookings:    make(map[types.ID]booking.Booking),
		assignments: make(map[types.ID]assignment.Assignment),
		providers:   make(map[types.ID]provider.Provider),
		devices:     make(map[types.ID][]string),
	}
}

func (s *Store) Bookings() *Bookings       { return &Bookings{s} }
func (s *Store) Assignments() *Assignments { return &Assignments{s} }
func (s *Store) Providers() *Providers     { return &Providers{s} }

// SetUnavailable makes every store call fail with infra.ErrStoreUnavailable.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

func (s *Store) check() error {
	if s.unavailable {
		return infra.ErrStoreUnavailable
	}
	return nil
}

// AddProvider registers a provider and its device tokens.
func (s *Store) AddProvider(p provider.Provider, tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ServiceIDs = append([]types.ID(nil), p.ServiceIDs...)
	s.providers[p.ID] = p
	s.devices[p.ID] = append([]string(nil), tokens...)
}

func (s *Store) BookingEvents(id types.ID) []booking.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []booking.Event
	for _, e := range s.bookingEvents {
		if e.BookingID == id {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) AssignmentEvents(bookingID types.ID) []assignment.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []assignment.Event
	for _, e := range s.assignmentEvents {
		if e.BookingID == bookingID {
			out = append(out, e)
		}
	}
	return out
}

// Bookings implements booking.Repository.
type Bookings struct{ s *Store }

func (b *Bookings) Create(_ context.Context, bk *booking.Booking) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.check(); err != nil {
		return err
	}
	if _, ok := b.s.bookings[bk.ID]; ok {
		return ErrDuplicate
	}
	b.s.bookings[bk.ID] = *bk
	return nil
}

func (b *Bookings) Get(_ context.Context, id types.ID) (*booking.Booking, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	if err := b.s.check(); err != nil {
		return nil, err
	}
	bk, ok := b.s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return &bk, nil
}

func (b *Bookings) UpdateStatus(_ context.Context, id types.ID, from, to booking.Status, version int, providerID *types.ID) (bool, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.check(); err != nil {
		return false, err
	}
	bk, ok := b.s.bookings[id]
	if !ok || bk.Status != from || bk.StatusVersion != version {
		return false, nil
	}
	bk.Status = to
	bk.StatusVersion++
	if providerID != nil {
		p := *providerID
		bk.ProviderID = &p
	}
	bk.UpdatedAt = time.Now().UTC()
	b.s.bookings[id] = bk
	return true, nil
}

func (b *Bookings) AppendEvent(_ context.Context, e *booking.Event) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.check(); err != nil {
		return err
	}
	b.s.eventSeq++
	e.ID = b.s.eventSeq
	b.s.bookingEvents = append(b.s.bookingEvents, *e)
	return nil
}

func (b *Bookings) ListStalled(_ context.Context, limit int) ([]*booking.Booking, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	if err := b.s.check(); err != nil {
		return nil, err
	}
	live := make(map[types.ID]bool)
	for _, as := range b.s.assignments {
		if as.Status.Live() {
			live[as.BookingID] = true
		}
	}
	var out []*booking.Booking
	for _, bk := range b.s.bookings {
		if bk.Status == booking.StatusAwaitingProvider && !live[bk.ID] {
			bk := bk
			out = append(out, &bk)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Assignments implements assignment.Repository and matching.BusyChecker.
type Assignments struct{ s *Store }

func (a *Assignments) Create(_ context.Context, as *assignment.Assignment) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check(); err != nil {
		return err
	}
	if _, ok := a.s.assignments[as.ID]; ok {
		return ErrDuplicate
	}
	a.s.assignments[as.ID] = *as
	return nil
}

func (a *Assignments) Get(_ context.Context, id types.ID) (*assignment.Assignment, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	if err := a.s.check(); err != nil {
		return nil, err
	}
	as, ok := a.s.assignments[id]
	if !ok {
		return nil, assignment.ErrNotFound
	}
	return &as, nil
}

func (a *Assignments) ListByBooking(_ context.Context, bookingID types.ID) ([]*assignment.Assignment, error) {
	out, err := a.filter(func(as assignment.Assignment) bool { return as.BookingID == bookingID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (a *Assignments) ListExpired(_ context.Context, now time.Time, limit int) ([]*assignment.Assignment, error) {
	out, err := a.filter(func(as assignment.Assignment) bool {
		return as.Status == assignment.StatusNotified && as.ExpiresAt != nil && !as.ExpiresAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *Assignments) ListLiveByProvider(_ context.Context, providerID types.ID) ([]*assignment.Assignment, error) {
	out, err := a.filter(func(as assignment.Assignment) bool {
		return as.ProviderID == providerID && as.Status.Live()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (a *Assignments) CompareAndSetStatus(_ context.Context, id types.ID, expected, next assignment.Status, at time.Time, reason string) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check(); err != nil {
		return false, err
	}
	as, ok := a.s.assignments[id]
	if !ok || as.Status != expected {
		return false, nil
	}
	if next == assignment.StatusAccepted {
		for _, other := range a.s.assignments {
			if other.BookingID == as.BookingID && other.Status == assignment.StatusAccepted {
				return false, nil
			}
		}
	}
	as.Status = next
	if next == assignment.StatusAccepted || next == assignment.StatusDeclined {
		as.RespondedAt = &at
	}
	if reason != "" {
		as.Reason = reason
	}
	a.s.assignments[id] = as
	return true, nil
}

func (a *Assignments) MarkNotified(_ context.Context, id types.ID, notifiedAt, expiresAt time.Time) (bool, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check(); err != nil {
		return false, err
	}
	as, ok := a.s.assignments[id]
	if !ok || as.Status != assignment.StatusPending || as.NotifiedAt != nil || as.ExpiresAt != nil {
		return false, nil
	}
	as.Status = assignment.StatusNotified
	as.NotifiedAt = &notifiedAt
	as.ExpiresAt = &expiresAt
	a.s.assignments[id] = as
	return true, nil
}

func (a *Assignments) BusyProviders(_ context.Context, providerIDs []types.ID, bookingID types.ID, slot types.Slot) (map[types.ID]bool, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	if err := a.s.check(); err != nil {
		return nil, err
	}
	wanted := make(map[types.ID]bool, len(providerIDs))
	for _, id := range providerIDs {
		wanted[id] = true
	}
	busy := make(map[types.ID]bool)
	for _, as := range a.s.assignments {
		if !wanted[as.ProviderID] || as.BookingID == bookingID {
			continue
		}
		if !as.Status.Live() && as.Status != assignment.StatusAccepted {
			continue
		}
		bk, ok := a.s.bookings[as.BookingID]
		if !ok || !holdsProvider(bk.Status) {
			continue
		}
		if bk.Slot().Overlaps(slot) {
			busy[as.ProviderID] = true
		}
	}
	return busy, nil
}

func (a *Assignments) AppendEvent(_ context.Context, e *assignment.Event) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if err := a.s.check(); err != nil {
		return err
	}
	a.s.eventSeq++
	e.ID = a.s.eventSeq
	a.s.assignmentEvents = append(a.s.assignmentEvents, *e)
	return nil
}

func (a *Assignments) filter(keep func(assignment.Assignment) bool) ([]*assignment.Assignment, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()
	if err := a.s.check(); err != nil {
		return nil, err
	}
	var out []*assignment.Assignment
	for _, as := range a.s.assignments {
		if keep(as) {
			as := as
			out = append(out, &as)
		}
	}
	return out, nil
}

// Providers implements the provider lookups used by matching and notify.
type Providers struct{ s *Store }

// AvailableNear returns available providers serving serviceID. Distance filtering
// is left to the selector, as with the Postgres directory without a GEO index.
func (p *Providers) AvailableNear(_ context.Context, serviceID types.ID, _ types.Point, _ float64) ([]provider.Provider, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	if err := p.s.check(); err != nil {
		return nil, err
	}
	load := make(map[types.ID]int)
	for _, bk := range p.s.bookings {
		if bk.ProviderID != nil && (bk.Status == booking.StatusAssigned || bk.Status == booking.StatusConfirmed) {
			load[*bk.ProviderID]++
		}
	}
	var out []provider.Provider
	for _, pr := range p.s.providers {
		if !pr.Available || !pr.Serves(serviceID) {
			continue
		}
		pr.ActiveBookings = load[pr.ID]
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (p *Providers) DeviceTokens(_ context.Context, providerID types.ID) ([]string, error) {
	p.s.mu.RLock()
	defer p.s.mu.RUnlock()
	if err := p.s.check(); err != nil {
		return nil, err
	}
	return append([]string(nil), p.s.devices[providerID]...), nil
}

func (p *Providers) UpdateLocation(_ context.Context, id types.ID, pt types.Point) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.check(); err != nil {
		return err
	}
	pr, ok := p.s.providers[id]
	if !ok {
		return provider.ErrNotFound
	}
	pr.Location = pt
	p.s.providers[id] = pr
	return nil
}

// RegisterDevice adds token as the provider's newest device.
func (p *Providers) RegisterDevice(_ context.Context, id types.ID, token string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.check(); err != nil {
		return err
	}
	if _, ok := p.s.providers[id]; !ok {
		return provider.ErrNotFound
	}
	tokens := []string{token}
	for _, t := range p.s.devices[id] {
		if t != token {
			tokens = append(tokens, t)
		}
	}
	p.s.devices[id] = tokens
	return nil
}

func holdsProvider(s booking.Status) bool {
	return s == booking.StatusAwaitingProvider || s == booking.StatusAssigned || s == booking.StatusConfirmed
}
