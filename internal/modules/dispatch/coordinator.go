// README: Dispatch coordinator drives a booking from awaiting_provider to assigned
// by offering it to ranked providers one round at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bookd/internal/config"
	"bookd/internal/events"
	"bookd/internal/modules/assignment"
	"bookd/internal/modules/booking"
	"bookd/internal/modules/matching"
	"bookd/internal/modules/notify"
	"bookd/internal/types"
)

var (
	ErrExhausted     = errors.New("all candidates exhausted")
	ErrBookingClosed = errors.New("booking no longer accepts dispatch")
)

const (
	ReasonNoCandidates        = "no_candidates"
	ReasonCandidatesExhausted = "candidates_exhausted"
	ReasonAcceptedElsewhere   = "accepted_elsewhere"
	ReasonBookingCancelled    = "booking_cancelled"
	ReasonBookingClosed       = "booking_closed"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Ranker produces ranked candidates for a booking; *matching.Selector satisfies it.
type Ranker interface {
	Rank(ctx context.Context, b *booking.Booking, exclude map[types.ID]bool) ([]matching.Candidate, error)
}

type Deps struct {
	Bookings    booking.Repository
	Assignments assignment.Repository
	Selector    Ranker
	Notifier    notify.Notifier
	Locker      Locker
	Publisher   events.Publisher
	Clock       Clock
}

type Coordinator struct {
	bookings    booking.Repository
	assignments assignment.Repository
	machine     *assignment.Machine
	selector    Ranker
	notifier    notify.Notifier
	locker      Locker
	publisher   events.Publisher
	clock       Clock
	cfg         config.DispatchConfig
	log         *zap.Logger
}

// StatusView is a booking with its full offer log.
type StatusView struct {
	Booking *booking.Booking
	Offers  []*assignment.Assignment
}

func NewCoordinator(deps Deps, cfg config.DispatchConfig, log *zap.Logger) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Locker == nil {
		deps.Locker = NewKeyedMutex()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Multi{}
	}
	c := &Coordinator{
		bookings:    deps.Bookings,
		assignments: deps.Assignments,
		machine:     assignment.NewMachine(deps.Assignments, cfg.OfferTTL, log),
		selector:    deps.Selector,
		notifier:    deps.Notifier,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		clock:       deps.Clock,
		cfg:         cfg,
		log:         log,
	}
	c.machine.OnTransition(c.offerTransitioned)
	return c
}

// Dispatch starts or resumes dispatch for a booking. It returns once the next
// offers are out; responses arrive later through Accept, Decline and the sweeper.
func (c *Coordinator) Dispatch(ctx context.Context, bookingID types.ID) error {
	unlock, err := c.lock(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.advanceLocked(ctx, bookingID)
}

// Accept lets a provider take an offer. The first accept under the booking lock
// wins and every other live offer for the booking is superseded.
func (c *Coordinator) Accept(ctx context.Context, assignmentID, providerID types.ID) error {
	a, unlock, err := c.lockOffer(ctx, assignmentID)
	if err != nil {
		return err
	}
	defer unlock()

	now := c.clock.Now()
	b, err := c.bookings.Get(ctx, a.BookingID)
	if err != nil {
		return err
	}
	if !b.Status.Open() {
		if a.Status.Live() {
			c.supersede(ctx, a, now, ReasonBookingClosed)
		}
		if b.Status == booking.StatusCancelled || b.Status == booking.StatusExpired {
			return ErrBookingClosed
		}
		return assignment.ErrConflict
	}

	if err := c.machine.Accept(ctx, a, providerID, now); err != nil {
		return err
	}
	return c.completeLocked(ctx, b, a, now)
}

// Decline records the provider's refusal and moves on to the next candidate.
// Failing to advance does not undo the decline; the reconciler retries it.
func (c *Coordinator) Decline(ctx context.Context, assignmentID, providerID types.ID, reason string) error {
	a, unlock, err := c.lockOffer(ctx, assignmentID)
	if err != nil {
		return err
	}
	defer unlock()

	if reason == "" {
		reason = "declined"
	}
	if err := c.machine.Decline(ctx, a, providerID, c.clock.Now(), reason); err != nil {
		return err
	}
	c.advanceAfterResponse(ctx, a.BookingID)
	return nil
}

// Cancel closes the booking and supersedes every live offer. Cancelling an
// already cancelled booking is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, bookingID types.ID, reason string) error {
	unlock, err := c.lock(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status == booking.StatusCancelled {
		return nil
	}
	if !booking.CanTransition(b.Status, booking.StatusCancelled) {
		return ErrBookingClosed
	}
	if reason == "" {
		reason = "cancelled"
	}
	now := c.clock.Now()
	if err := c.moveBooking(ctx, b, booking.StatusCancelled, nil, "customer", reason, now); err != nil {
		return err
	}
	return c.supersedeLive(ctx, bookingID, nil, now, ReasonBookingCancelled)
}

// Confirm moves an assigned booking to confirmed.
func (c *Coordinator) Confirm(ctx context.Context, bookingID types.ID) error {
	unlock, err := c.lock(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status == booking.StatusConfirmed {
		return nil
	}
	return c.moveBooking(ctx, b, booking.StatusConfirmed, nil, "customer", "", c.clock.Now())
}

func (c *Coordinator) Status(ctx context.Context, bookingID types.ID) (*StatusView, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	offers, err := c.assignments.ListByBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &StatusView{Booking: b, Offers: offers}, nil
}

// PendingOffers lists offers a provider can still answer.
func (c *Coordinator) PendingOffers(ctx context.Context, providerID types.ID) ([]*assignment.Assignment, error) {
	live, err := c.assignments.ListLiveByProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	out := make([]*assignment.Assignment, 0, len(live))
	for _, a := range live {
		if a.Status == assignment.StatusNotified && !a.Due(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ExpireOffer is the sweeper's entry point: it expires a due offer and advances
// its booking. It reports false when someone else already settled the offer.
func (c *Coordinator) ExpireOffer(ctx context.Context, assignmentID types.ID, now time.Time) (bool, error) {
	a, unlock, err := c.lockOffer(ctx, assignmentID)
	if err != nil {
		return false, err
	}
	defer unlock()

	err = c.machine.Expire(ctx, a, now)
	if errors.Is(err, assignment.ErrConflict) || errors.Is(err, assignment.ErrNotDue) || errors.Is(err, assignment.ErrInvalidState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.advanceAfterResponse(ctx, a.BookingID)
	return true, nil
}

func (c *Coordinator) advanceAfterResponse(ctx context.Context, bookingID types.ID) {
	err := c.advanceLocked(ctx, bookingID)
	switch {
	case err == nil:
	case errors.Is(err, matching.ErrNoCandidates), errors.Is(err, ErrExhausted):
		c.log.Info("booking expired without provider", zap.String("booking_id", string(bookingID)), zap.Error(err))
	case errors.Is(err, ErrBookingClosed):
	default:
		c.log.Warn("advance dispatch failed", zap.String("booking_id", string(bookingID)), zap.Error(err))
	}
}

// advanceLocked decides the next step for a booking. The caller holds its lock.
func (c *Coordinator) advanceLocked(ctx context.Context, bookingID types.ID) error {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	switch b.Status {
	case booking.StatusAssigned, booking.StatusConfirmed:
		return nil
	case booking.StatusAwaitingProvider:
	default:
		return ErrBookingClosed
	}

	offers, err := c.assignments.ListByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	round := 0
	exclude := make(map[types.ID]bool, len(offers))
	var pending []*assignment.Assignment
	waiting := false
	for _, a := range offers {
		if a.Status == assignment.StatusAccepted {
			// An accept committed before the booking was updated.
			return c.completeLocked(ctx, b, a, c.clock.Now())
		}
		exclude[a.ProviderID] = true
		if a.Round > round {
			round = a.Round
		}
		switch a.Status {
		case assignment.StatusPending:
			pending = append(pending, a)
		case assignment.StatusNotified:
			waiting = true
		}
	}
	for _, a := range pending {
		if c.deliver(ctx, b, a) {
			waiting = true
		}
	}
	if waiting {
		return nil
	}

	for {
		round++
		// max_candidates bounds how many providers a booking is ever offered to.
		budget := c.cfg.MaxCandidates - len(exclude)
		if c.cfg.MaxCandidates > 0 && budget <= 0 {
			return c.expire(ctx, b, ReasonCandidatesExhausted, ErrExhausted)
		}
		candidates, err := c.selector.Rank(ctx, b, exclude)
		if errors.Is(err, matching.ErrNoCandidates) {
			if len(exclude) == 0 {
				return c.expire(ctx, b, ReasonNoCandidates, matching.ErrNoCandidates)
			}
			return c.expire(ctx, b, ReasonCandidatesExhausted, ErrExhausted)
		}
		if err != nil {
			return err
		}
		if n := c.roundSize(); len(candidates) > n {
			candidates = candidates[:n]
		}
		if c.cfg.MaxCandidates > 0 && len(candidates) > budget {
			candidates = candidates[:budget]
		}

		now := c.clock.Now()
		opened := make([]*assignment.Assignment, 0, len(candidates))
		for _, cand := range candidates {
			a, err := c.machine.Open(ctx, b.ID, cand.Provider.ID, cand.Score, round, now)
			if err != nil {
				return fmt.Errorf("open offer: %w", err)
			}
			exclude[cand.Provider.ID] = true
			opened = append(opened, a)
		}
		delivered := 0
		for _, a := range opened {
			if c.deliver(ctx, b, a) {
				delivered++
			}
		}
		if delivered > 0 {
			c.log.Info("offers sent",
				zap.String("booking_id", string(b.ID)),
				zap.Int("round", round),
				zap.Int("offers", delivered))
			return nil
		}
	}
}

func (c *Coordinator) roundSize() int {
	if c.cfg.Policy == config.PolicyBroadcast && c.cfg.FanOut > 1 {
		return c.cfg.FanOut
	}
	return 1
}

// deliver starts the offer clock and pushes the offer. An offer that cannot be
// delivered is declined on the provider's behalf so dispatch can move on.
func (c *Coordinator) deliver(ctx context.Context, b *booking.Booking, a *assignment.Assignment) bool {
	now := c.clock.Now()
	if err := c.machine.Notify(ctx, a, now); err != nil {
		c.log.Warn("notify offer failed", zap.String("assignment_id", string(a.ID)), zap.Error(err))
		return false
	}
	err := c.notifier.Notify(ctx, notify.Offer{
		AssignmentID: a.ID,
		BookingID:    b.ID,
		ProviderID:   a.ProviderID,
		ServiceID:    b.ServiceID,
		ScheduledAt:  b.ScheduledAt,
		ExpiresAt:    *a.ExpiresAt,
		TTL:          a.ExpiresAt.Sub(now),
		Score:        a.Score,
	})
	if err == nil {
		return true
	}
	c.log.Warn("offer undeliverable",
		zap.String("assignment_id", string(a.ID)),
		zap.String("provider_id", string(a.ProviderID)),
		zap.Error(err))
	if err := c.machine.DeclineUndelivered(ctx, a, c.clock.Now()); err != nil && !errors.Is(err, assignment.ErrConflict) {
		c.log.Warn("decline undelivered offer failed", zap.String("assignment_id", string(a.ID)), zap.Error(err))
	}
	return false
}

// completeLocked assigns the booking to the accepted offer's provider and
// supersedes the remaining live offers.
func (c *Coordinator) completeLocked(ctx context.Context, b *booking.Booking, a *assignment.Assignment, now time.Time) error {
	providerID := a.ProviderID
	if err := c.moveBooking(ctx, b, booking.StatusAssigned, &providerID, "provider", "", now); err != nil {
		return err
	}
	return c.supersedeLive(ctx, b.ID, &a.ID, now, ReasonAcceptedElsewhere)
}

func (c *Coordinator) expire(ctx context.Context, b *booking.Booking, reason string, cause error) error {
	if err := c.moveBooking(ctx, b, booking.StatusExpired, nil, "system", reason, c.clock.Now()); err != nil {
		return err
	}
	return cause
}

func (c *Coordinator) supersedeLive(ctx context.Context, bookingID types.ID, keep *types.ID, now time.Time, reason string) error {
	offers, err := c.assignments.ListByBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, a := range offers {
		if !a.Status.Live() || (keep != nil && a.ID == *keep) {
			continue
		}
		c.supersede(ctx, a, now, reason)
	}
	return nil
}

func (c *Coordinator) supersede(ctx context.Context, a *assignment.Assignment, now time.Time, reason string) {
	err := c.machine.Supersede(ctx, a, now, reason)
	if err != nil && !errors.Is(err, assignment.ErrConflict) {
		c.log.Warn("supersede offer failed", zap.String("assignment_id", string(a.ID)), zap.Error(err))
	}
}

func (c *Coordinator) moveBooking(ctx context.Context, b *booking.Booking, to booking.Status, providerID *types.ID, actorType, reason string, now time.Time) error {
	if !booking.CanTransition(b.Status, to) {
		return booking.ErrInvalidState
	}
	ok, err := c.bookings.UpdateStatus(ctx, b.ID, b.Status, to, b.StatusVersion, providerID)
	if err != nil {
		return err
	}
	if !ok {
		return booking.ErrConflict
	}
	from := b.Status
	b.Status = to
	b.StatusVersion++
	if providerID != nil {
		b.ProviderID = providerID
	}

	if err := c.bookings.AppendEvent(ctx, &booking.Event{
		BookingID:  b.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    providerID,
		Reason:     reason,
		CreatedAt:  now,
	}); err != nil {
		c.log.Warn("append booking event failed", zap.String("booking_id", string(b.ID)), zap.Error(err))
	}

	e := events.Event{
		Kind:       events.BookingStatusChanged,
		BookingID:  string(b.ID),
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     reason,
		At:         now,
	}
	if providerID != nil {
		e.ProviderID = string(*providerID)
	}
	c.publish(ctx, e)
	if to == booking.StatusExpired {
		e.Kind = events.BookingExpired
		c.publish(ctx, e)
	}
	return nil
}

func (c *Coordinator) offerTransitioned(ctx context.Context, a *assignment.Assignment, from assignment.Status) {
	c.publish(ctx, events.Event{
		Kind:         events.AssignmentTransitioned,
		BookingID:    string(a.BookingID),
		AssignmentID: string(a.ID),
		ProviderID:   string(a.ProviderID),
		FromStatus:   string(from),
		ToStatus:     string(a.Status),
		Reason:       a.Reason,
		At:           c.clock.Now(),
	})
}

func (c *Coordinator) publish(ctx context.Context, e events.Event) {
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.log.Warn("publish event failed",
			zap.String("event", string(e.Kind)),
			zap.String("booking_id", e.BookingID),
			zap.Error(err))
	}
}

func (c *Coordinator) lock(ctx context.Context, bookingID types.ID) (func(), error) {
	if c.cfg.LockTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.LockTTL)
		defer cancel()
	}
	return c.locker.Lock(ctx, "booking:"+string(bookingID))
}

// lockOffer locks the offer's booking and returns a fresh read of the offer.
func (c *Coordinator) lockOffer(ctx context.Context, assignmentID types.ID) (*assignment.Assignment, func(), error) {
	a, err := c.assignments.Get(ctx, assignmentID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := c.lock(ctx, a.BookingID)
	if err != nil {
		return nil, nil, err
	}
	a, err = c.assignments.Get(ctx, assignmentID)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return a, unlock, nil
}
