package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"bookd/internal/config"
	"bookd/internal/events"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/matching"
	"bookd/internal/modules/notify"
	"bookd/internal/modules/provider"
	"bookd/internal/storage/memory"
	"bookd/internal/types"
)

var (
	t0    = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	venue = types.Point{Lat: 25.0330, Lng: 121.5654}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    *memory.Store
	notifier *notify.Memory
	events   *events.Memory
	clock    *fakeClock
	coord    *Coordinator
	sweeper  *Sweeper
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Policy:         config.PolicySequential,
		FanOut:         3,
		OfferTTL:       60 * time.Second,
		SearchRadiusKm: 20,
		LockTTL:        time.Second,
	}
}

func newHarness(t *testing.T, cfg config.DispatchConfig) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.NewStore()
	h := &harness{
		store:    store,
		notifier: notify.NewMemory(log),
		events:   &events.Memory{},
		clock:    &fakeClock{now: t0},
	}
	h.coord = NewCoordinator(Deps{
		Bookings:    store.Bookings(),
		Assignments: store.Assignments(),
		Selector:    matching.NewSelector(store.Providers(), store.Assignments(), cfg.SearchRadiusKm, cfg.MaxCandidates),
		Notifier:    notify.NewRetrying(h.notifier, 3, 0, log),
		Locker:      NewKeyedMutex(),
		Publisher:   h.events,
		Clock:       h.clock,
	}, cfg, log)
	h.sweeper = NewSweeper(h.coord, store.Assignments(), store.Bookings(), config.SweeperConfig{
		Interval:          5 * time.Second,
		BatchSize:         100,
		ReconcileInterval: time.Minute,
		MaxBackoff:        15 * time.Second,
	}, log)
	return h
}

// addProviders registers providers at the venue; a higher rating ranks first.
func (h *harness) addProviders(ratings map[types.ID]float64) {
	for id, r := range ratings {
		r := r
		h.store.AddProvider(provider.Provider{
			ID:              id,
			BusinessName:    string(id),
			Location:        venue,
			Rating:          &r,
			Available:       true,
			ServiceRadiusKm: 25,
			ServiceIDs:      []types.ID{"cleaning"},
			RegisteredAt:    t0.Add(-24 * time.Hour),
		}, "token-"+string(id))
	}
}

// standardProviders adds p1 > p2 > p3 by score.
func (h *harness) standardProviders() {
	h.addProviders(map[types.ID]float64{"p1": 5, "p2": 3, "p3": 1})
}

func (h *harness) newBooking(t *testing.T, id types.ID) {
	t.Helper()
	err := h.store.Bookings().Create(context.Background(), &booking.Booking{
		ID:          id,
		Number:      "BK-" + string(id),
		CustomerID:  "c1",
		ServiceID:   "cleaning",
		ScheduledAt: t0.Add(24 * time.Hour),
		Duration:    time.Hour,
		Location:    venue,
		Status:      booking.StatusAwaitingProvider,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
}

func (h *harness) booking(t *testing.T, id types.ID) *booking.Booking {
	t.Helper()
	b, err := h.store.Bookings().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b
}

func (h *harness) offers(t *testing.T, bookingID types.ID) []*assignment.Assignment {
	t.Helper()
	offers, err := h.store.Assignments().ListByBooking(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("list offers: %v", err)
	}
	return offers
}

func (h *harness) offerFor(t *testing.T, bookingID, providerID types.ID) *assignment.Assignment {
	t.Helper()
	for _, a := range h.offers(t, bookingID) {
		if a.ProviderID == providerID {
			return a
		}
	}
	return nil
}

func (h *harness) mustOffer(t *testing.T, bookingID, providerID types.ID, want assignment.Status) *assignment.Assignment {
	t.Helper()
	a := h.offerFor(t, bookingID, providerID)
	if a == nil {
		t.Fatalf("no offer for %s on %s", providerID, bookingID)
	}
	if a.Status != want {
		t.Fatalf("offer for %s is %s, want %s", providerID, a.Status, want)
	}
	return a
}

func countStatus(offers []*assignment.Assignment, s assignment.Status) int {
	n := 0
	for _, a := range offers {
		if a.Status == s {
			n++
		}
	}
	return n
}
