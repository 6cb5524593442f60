// README: Dispatch coordinator scenarios against the in-memory store.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookd/internal/config"
	"bookd/internal/events"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/matching"
	"bookd/internal/types"
)

func TestDeclineThenAccept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if len(h.offers(t, "b1")) != 1 {
		t.Fatalf("sequential dispatch should open a single offer")
	}

	if err := h.coord.Decline(ctx, p1.ID, "p1", "too far"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	p2 := h.mustOffer(t, "b1", "p2", assignment.StatusNotified)
	if p2.Round != 2 {
		t.Fatalf("second offer round = %d, want 2", p2.Round)
	}

	h.clock.Advance(10 * time.Second)
	if err := h.coord.Accept(ctx, p2.ID, "p2"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	b := h.booking(t, "b1")
	if b.Status != booking.StatusAssigned || b.ProviderID == nil || *b.ProviderID != "p2" {
		t.Fatalf("unexpected booking after accept: %+v", b)
	}
	h.mustOffer(t, "b1", "p1", assignment.StatusDeclined)
	h.mustOffer(t, "b1", "p2", assignment.StatusAccepted)
	if h.offerFor(t, "b1", "p3") != nil {
		t.Fatalf("p3 should never have been offered")
	}
	if got := len(h.notifier.Sent()); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
	if sent := h.notifier.SentTo("p1"); len(sent) != 1 || sent[0].TTL != 60*time.Second {
		t.Fatalf("offer ttl should come from the dispatch clock, got %+v", sent)
	}

	var assigned bool
	for _, e := range h.events.OfKind(events.BookingStatusChanged) {
		if e.ToStatus == string(booking.StatusAssigned) && e.ProviderID == "p2" {
			assigned = true
		}
	}
	if !assigned {
		t.Fatalf("missing booking.status_changed event for assignment")
	}
}

func TestNoCandidates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.newBooking(t, "b1")

	err := h.coord.Dispatch(ctx, "b1")
	if !errors.Is(err, matching.ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if b := h.booking(t, "b1"); b.Status != booking.StatusExpired {
		t.Fatalf("booking status = %s, want expired", b.Status)
	}
	if n := len(h.offers(t, "b1")); n != 0 {
		t.Fatalf("expected no offers, got %d", n)
	}
	expired := h.events.OfKind(events.BookingExpired)
	if len(expired) != 1 || expired[0].Reason != ReasonNoCandidates {
		t.Fatalf("unexpected booking.expired events: %+v", expired)
	}

	if err := h.coord.Dispatch(ctx, "b1"); !errors.Is(err, ErrBookingClosed) {
		t.Fatalf("dispatching an expired booking should fail closed, got %v", err)
	}
}

func TestCandidatesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.addProviders(map[types.ID]float64{"p1": 4})
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if err := h.coord.Decline(ctx, p1.ID, "p1", ""); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if b := h.booking(t, "b1"); b.Status != booking.StatusExpired {
		t.Fatalf("booking status = %s, want expired", b.Status)
	}
	expired := h.events.OfKind(events.BookingExpired)
	if len(expired) != 1 || expired[0].Reason != ReasonCandidatesExhausted {
		t.Fatalf("unexpected booking.expired events: %+v", expired)
	}
}

func TestMaxCandidatesBoundsBooking(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.MaxCandidates = 2
	h := newHarness(t, cfg)
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, id := range []types.ID{"p1", "p2"} {
		a := h.mustOffer(t, "b1", id, assignment.StatusNotified)
		if err := h.coord.Decline(ctx, a.ID, id, ""); err != nil {
			t.Fatalf("decline %s: %v", id, err)
		}
	}
	if h.offerFor(t, "b1", "p3") != nil {
		t.Fatal("p3 must not be offered once the booking used its two candidates")
	}
	if b := h.booking(t, "b1"); b.Status != booking.StatusExpired {
		t.Fatalf("booking status = %s, want expired", b.Status)
	}
	expired := h.events.OfKind(events.BookingExpired)
	if len(expired) != 1 || expired[0].Reason != ReasonCandidatesExhausted {
		t.Fatalf("unexpected booking.expired events: %+v", expired)
	}
}

func TestMaxCandidatesTrimsBroadcastRound(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.Policy = config.PolicyBroadcast
	cfg.FanOut = 3
	cfg.MaxCandidates = 2
	h := newHarness(t, cfg)
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := len(h.offers(t, "b1")); n != 2 {
		t.Fatalf("broadcast round opened %d offers, want 2", n)
	}
}

func TestDispatchIsIdempotentWhileWaiting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	for i := 0; i < 3; i++ {
		if err := h.coord.Dispatch(ctx, "b1"); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if n := len(h.offers(t, "b1")); n != 1 {
		t.Fatalf("repeated dispatch opened %d offers, want 1", n)
	}
}

func TestConcurrentAcceptsBroadcast(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.Policy = config.PolicyBroadcast
	cfg.FanOut = 3
	h := newHarness(t, cfg)
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	offers := h.offers(t, "b1")
	if len(offers) != 3 || countStatus(offers, assignment.StatusNotified) != 3 {
		t.Fatalf("expected 3 notified offers, got %+v", offers)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(offers))
	for _, a := range offers {
		wg.Add(1)
		go func(id, provider types.ID) {
			defer wg.Done()
			errs <- h.coord.Accept(ctx, id, provider)
		}(a.ID, a.ProviderID)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, assignment.ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful accept, got %d", success)
	}

	offers = h.offers(t, "b1")
	if countStatus(offers, assignment.StatusAccepted) != 1 || countStatus(offers, assignment.StatusSuperseded) != 2 {
		t.Fatalf("expected 1 accepted and 2 superseded, got %+v", offers)
	}
	if b := h.booking(t, "b1"); b.Status != booking.StatusAssigned {
		t.Fatalf("booking status = %s, want assigned", b.Status)
	}
}

func TestBroadcastWaitsForRound(t *testing.T) {
	ctx := context.Background()
	cfg := testDispatchConfig()
	cfg.Policy = config.PolicyBroadcast
	cfg.FanOut = 2
	h := newHarness(t, cfg)
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	p2 := h.mustOffer(t, "b1", "p2", assignment.StatusNotified)

	if err := h.coord.Decline(ctx, p1.ID, "p1", ""); err != nil {
		t.Fatalf("decline p1: %v", err)
	}
	if h.offerFor(t, "b1", "p3") != nil {
		t.Fatalf("new round opened while p2 was still live")
	}
	if err := h.coord.Decline(ctx, p2.ID, "p2", ""); err != nil {
		t.Fatalf("decline p2: %v", err)
	}
	p3 := h.mustOffer(t, "b1", "p3", assignment.StatusNotified)
	if p3.Round != 2 {
		t.Fatalf("p3 round = %d, want 2", p3.Round)
	}
}

func TestCancelDuringLiveOffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)

	if err := h.coord.Cancel(ctx, "b1", "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.mustOffer(t, "b1", "p1", assignment.StatusSuperseded)
	if b := h.booking(t, "b1"); b.Status != booking.StatusCancelled {
		t.Fatalf("booking status = %s, want cancelled", b.Status)
	}

	if err := h.coord.Accept(ctx, p1.ID, "p1"); !errors.Is(err, ErrBookingClosed) {
		t.Fatalf("accept after cancel should fail, got %v", err)
	}
	if err := h.coord.Cancel(ctx, "b1", ""); err != nil {
		t.Fatalf("second cancel should be a no-op, got %v", err)
	}
	if err := h.coord.Dispatch(ctx, "b1"); !errors.Is(err, ErrBookingClosed) {
		t.Fatalf("dispatch after cancel should fail closed, got %v", err)
	}

	h.clock.Advance(2 * time.Minute)
	n, err := h.sweeper.Sweep(ctx, h.clock.Now())
	if err != nil || n != 0 {
		t.Fatalf("sweep after cancel: n=%d err=%v", n, err)
	}
	if len(h.offers(t, "b1")) != 1 {
		t.Fatalf("no further offers may be opened after cancel")
	}
}

func TestDeliveryFailureMovesOn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")
	h.notifier.FailNext("p1", -1)

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusDeclined)
	if p1.Reason != "delivery_failed" {
		t.Fatalf("p1 reason = %q, want delivery_failed", p1.Reason)
	}
	h.mustOffer(t, "b1", "p2", assignment.StatusNotified)
	if len(h.notifier.SentTo("p1")) != 0 {
		t.Fatalf("p1 should have received nothing")
	}
}

func TestDeliveryRetriedBeforeGivingUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")
	h.notifier.FailNext("p1", 2)

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if len(h.notifier.SentTo("p1")) != 1 {
		t.Fatalf("third attempt should have delivered to p1")
	}
}

func TestAcceptAfterDeadline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)

	h.clock.Advance(60 * time.Second)
	if err := h.coord.Accept(ctx, p1.ID, "p1"); !errors.Is(err, assignment.ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if b := h.booking(t, "b1"); b.Status != booking.StatusAwaitingProvider {
		t.Fatalf("late accept must not assign, status=%s", b.Status)
	}
}

func TestAcceptWrongProvider(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if err := h.coord.Accept(ctx, p1.ID, "p2"); !errors.Is(err, assignment.ErrWrongProvider) {
		t.Fatalf("expected ErrWrongProvider, got %v", err)
	}
	if err := h.coord.Accept(ctx, "missing", "p1"); !errors.Is(err, assignment.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Confirm(ctx, "b1"); !errors.Is(err, booking.ErrInvalidState) {
		t.Fatalf("confirming an unassigned booking: %v", err)
	}
	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	p1 := h.mustOffer(t, "b1", "p1", assignment.StatusNotified)
	if err := h.coord.Accept(ctx, p1.ID, "p1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := h.coord.Confirm(ctx, "b1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if b := h.booking(t, "b1"); b.Status != booking.StatusConfirmed {
		t.Fatalf("booking status = %s, want confirmed", b.Status)
	}
}

func TestStatusAndPendingOffers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	view, err := h.coord.Status(ctx, "b1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Booking.Status != booking.StatusAwaitingProvider || len(view.Offers) != 1 {
		t.Fatalf("unexpected status view: %+v", view)
	}

	pending, err := h.coord.PendingOffers(ctx, "p1")
	if err != nil {
		t.Fatalf("pending offers: %v", err)
	}
	if len(pending) != 1 || pending[0].BookingID != "b1" {
		t.Fatalf("unexpected pending offers: %+v", pending)
	}
	h.clock.Advance(61 * time.Second)
	pending, err = h.coord.PendingOffers(ctx, "p1")
	if err != nil {
		t.Fatalf("pending offers: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("overdue offers should not be listed, got %d", len(pending))
	}

	if _, err := h.coord.Status(ctx, "missing"); !errors.Is(err, booking.ErrNotFound) {
		t.Fatalf("expected booking.ErrNotFound, got %v", err)
	}
}

func TestDispatchCompletesCommittedAccept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")

	// An accept that committed right before a crash left the booking unassigned.
	at := t0
	for _, a := range []*assignment.Assignment{
		{ID: "a1", BookingID: "b1", ProviderID: "p1", Status: assignment.StatusAccepted, Round: 1, RespondedAt: &at, CreatedAt: t0},
		{ID: "a2", BookingID: "b1", ProviderID: "p2", Status: assignment.StatusPending, Round: 1, CreatedAt: t0},
	} {
		if err := h.store.Assignments().Create(ctx, a); err != nil {
			t.Fatalf("seed offer: %v", err)
		}
	}

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	b := h.booking(t, "b1")
	if b.Status != booking.StatusAssigned || *b.ProviderID != "p1" {
		t.Fatalf("unexpected booking: %+v", b)
	}
	h.mustOffer(t, "b1", "p2", assignment.StatusSuperseded)
}

func TestBusyProviderSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testDispatchConfig())
	h.standardProviders()
	h.newBooking(t, "b1")
	h.newBooking(t, "b2")

	if err := h.coord.Dispatch(ctx, "b1"); err != nil {
		t.Fatalf("dispatch b1: %v", err)
	}
	if err := h.coord.Dispatch(ctx, "b2"); err != nil {
		t.Fatalf("dispatch b2: %v", err)
	}
	// p1 holds a live offer for the overlapping b1 slot.
	h.mustOffer(t, "b2", "p2", assignment.StatusNotified)
	if h.offerFor(t, "b2", "p1") != nil {
		t.Fatalf("p1 is busy with b1 and must not be offered b2")
	}
}
