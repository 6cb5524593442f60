package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"bookd/internal/types"
)

var errSimulated = errors.New("simulated delivery failure")

// Memory records delivered offers in process. FailNext makes the next n
// deliveries to a provider fail, which is how tests exercise retry paths.
type Memory struct {
	mu       sync.Mutex
	sent     []Offer
	failures map[types.ID]int
	log      *zap.Logger
}

func NewMemory(log *zap.Logger) *Memory {
	return &Memory{failures: make(map[types.ID]int), log: log}
}

func (m *Memory) Notify(_ context.Context, o Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.failures[o.ProviderID]; n != 0 {
		if n > 0 {
			m.failures[o.ProviderID] = n - 1
		}
		return errSimulated
	}
	m.sent = append(m.sent, o)
	m.log.Info("offer delivered",
		zap.String("assignment_id", string(o.AssignmentID)),
		zap.String("booking_id", string(o.BookingID)),
		zap.String("provider_id", string(o.ProviderID)))
	return nil
}

// FailNext fails the next n deliveries to providerID; a negative n fails every delivery.
func (m *Memory) FailNext(providerID types.ID, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[providerID] = n
}

func (m *Memory) Sent() []Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Offer, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns offers delivered to providerID, oldest first.
func (m *Memory) SentTo(providerID types.ID) []Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for _, o := range m.sent {
		if o.ProviderID == providerID {
			out = append(out, o)
		}
	}
	return out
}
