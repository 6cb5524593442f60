// README: Dispatch events emitted on booking and offer transitions, plus their publishers.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	BookingStatusChanged   Kind = "booking.status_changed"
	BookingExpired         Kind = "booking.expired"
	AssignmentTransitioned Kind = "assignment.transitioned"
)

type Event struct {
	Kind         Kind      `json:"kind"`
	BookingID    string    `json:"booking_id"`
	AssignmentID string    `json:"assignment_id,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	FromStatus   string    `json:"from_status"`
	ToStatus     string    `json:"to_status"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events. Publishing is best effort: callers log failures and
// never roll back a committed transition because of them.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes each event as a structured log line.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Publish(_ context.Context, e Event) error {
	l.log.Info("dispatch event",
		zap.String("event", string(e.Kind)),
		zap.String("booking_id", e.BookingID),
		zap.String("assignment_id", e.AssignmentID),
		zap.String("provider_id", e.ProviderID),
		zap.String("from", e.FromStatus),
		zap.String("to", e.ToStatus),
		zap.String("reason", e.Reason))
	return nil
}

// Memory keeps every event in order; used by tests and --memory mode.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfKind filters recorded events by kind.
func (m *Memory) OfKind(k Kind) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}
