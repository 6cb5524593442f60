package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"bookd/internal/infra"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/provider"
	"bookd/internal/types"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *Store, id types.ID, at time.Time) {
	t.Helper()
	if err := s.Bookings().Create(context.Background(), &booking.Booking{
		ID: id, ServiceID: "cleaning", ScheduledAt: at, Duration: time.Hour,
		Status: booking.StatusAwaitingProvider, CreatedAt: at,
	}); err != nil {
		t.Fatalf("create booking: %v", err)
	}
}

func TestBookingCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "b1", start)

	if err := s.Bookings().Create(ctx, &booking.Booking{ID: "b1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	pid := types.ID("p1")
	ok, err := s.Bookings().UpdateStatus(ctx, "b1", booking.StatusAwaitingProvider, booking.StatusAssigned, 0, &pid)
	if err != nil || !ok {
		t.Fatalf("first update: ok=%v err=%v", ok, err)
	}
	ok, err = s.Bookings().UpdateStatus(ctx, "b1", booking.StatusAwaitingProvider, booking.StatusCancelled, 0, nil)
	if err != nil || ok {
		t.Fatalf("stale version must lose: ok=%v err=%v", ok, err)
	}
	b, _ := s.Bookings().Get(ctx, "b1")
	if b.Status != booking.StatusAssigned || b.StatusVersion != 1 || *b.ProviderID != "p1" {
		t.Fatalf("unexpected booking: %+v", b)
	}
	if _, err := s.Bookings().Get(ctx, "nope"); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected booking.ErrNotFound, got %v", err)
	}
}

func TestOneAcceptedPerBooking(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "b1", start)
	for _, id := range []types.ID{"a1", "a2"} {
		if err := s.Assignments().Create(ctx, &assignment.Assignment{ID: id, BookingID: "b1", ProviderID: "p" + id, Status: assignment.StatusNotified}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if ok, _ := s.Assignments().CompareAndSetStatus(ctx, "a1", assignment.StatusNotified, assignment.StatusAccepted, start, ""); !ok {
		t.Fatal("first accept should win")
	}
	if ok, _ := s.Assignments().CompareAndSetStatus(ctx, "a2", assignment.StatusNotified, assignment.StatusAccepted, start, ""); ok {
		t.Fatal("second accept on the same booking must lose")
	}
}

func TestBusyProvidersAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AddProvider(provider.Provider{ID: "p1", Available: true, ServiceIDs: []types.ID{"cleaning"}})
	s.AddProvider(provider.Provider{ID: "p2", Available: true, ServiceIDs: []types.ID{"cleaning"}})
	s.AddProvider(provider.Provider{ID: "p3", Available: false, ServiceIDs: []types.ID{"cleaning"}})
	seed(t, s, "b1", start)
	seed(t, s, "b2", start.Add(30*time.Minute))
	seed(t, s, "b3", start.Add(5*time.Hour))

	if err := s.Assignments().Create(ctx, &assignment.Assignment{ID: "a1", BookingID: "b1", ProviderID: "p1", Status: assignment.StatusNotified}); err != nil {
		t.Fatalf("create: %v", err)
	}
	b2, _ := s.Bookings().Get(ctx, "b2")
	busy, err := s.Assignments().BusyProviders(ctx, []types.ID{"p1", "p2"}, "b2", b2.Slot())
	if err != nil || !busy["p1"] || busy["p2"] {
		t.Fatalf("unexpected busy set %v err=%v", busy, err)
	}
	b3, _ := s.Bookings().Get(ctx, "b3")
	if busy, _ := s.Assignments().BusyProviders(ctx, []types.ID{"p1"}, "b3", b3.Slot()); busy["p1"] {
		t.Fatal("non-overlapping slot should not be busy")
	}

	pid := types.ID("p2")
	if _, err := s.Bookings().UpdateStatus(ctx, "b3", booking.StatusAwaitingProvider, booking.StatusAssigned, 0, &pid); err != nil {
		t.Fatalf("assign: %v", err)
	}
	ps, err := s.Providers().AvailableNear(ctx, "cleaning", types.Point{}, 10)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(ps) != 2 {
		t.Fatalf("expected 2 available providers, got %d", len(ps))
	}
	for _, p := range ps {
		if p.ID == "p2" && p.ActiveBookings != 1 {
			t.Fatalf("p2 load = %d, want 1", p.ActiveBookings)
		}
	}
}

func TestUnavailable(t *testing.T) {
	s := NewStore()
	s.SetUnavailable(true)
	if _, err := s.Assignments().ListExpired(context.Background(), start, 10); !errors.Is(err, infra.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	s.SetUnavailable(false)
	if _, err := s.Assignments().ListExpired(context.Background(), start, 10); err != nil {
		t.Fatalf("store should recover: %v", err)
	}
}

func TestListStalledSkipsLiveOffers(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	seed(t, s, "b1", start)
	seed(t, s, "b2", start.Add(time.Minute))
	seed(t, s, "b3", start.Add(2*time.Minute))
	if err := s.Assignments().Create(ctx, &assignment.Assignment{ID: "o1", BookingID: "b1", ProviderID: "p1", Status: assignment.StatusNotified}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Assignments().Create(ctx, &assignment.Assignment{ID: "o2", BookingID: "b2", ProviderID: "p1", Status: assignment.StatusDeclined}); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Bookings().ListStalled(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b2" || got[1].ID != "b3" {
		t.Fatalf("expected [b2 b3], got %d bookings", len(got))
	}
	got, _ = s.Bookings().ListStalled(ctx, 1)
	if len(got) != 1 || got[0].ID != "b2" {
		t.Fatal("limit should keep the oldest stalled booking")
	}
}

func TestRegisterDevice(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.AddProvider(provider.Provider{ID: "p1"}, "old")

	for _, tok := range []string{"new", "old"} {
		if err := s.Providers().RegisterDevice(ctx, "p1", tok); err != nil {
			t.Fatalf("register %s: %v", tok, err)
		}
	}
	tokens, _ := s.Providers().DeviceTokens(ctx, "p1")
	if len(tokens) != 2 || tokens[0] != "old" || tokens[1] != "new" {
		t.Fatalf("expected re-registered token first without duplicates, got %v", tokens)
	}
	if err := s.Providers().RegisterDevice(ctx, "nobody", "tok"); !errors.Is(err, provider.ErrNotFound) {
		t.Fatalf("expected provider.ErrNotFound, got %v", err)
	}
}
