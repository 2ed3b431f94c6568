package consensus

import (
	"fmt"
	"sync"
)

// InmemHub sequences facts from a group of InmemAgreement members in arrival
// order and delivers every fact to every member exactly once. It stands in
// for the byzantine agreement primitive in tests: trivially consistent,
// trivially live, and fault-free.
type InmemHub struct {
	mu      sync.Mutex
	members []*InmemAgreement
}

// NewInmemHub ...
func NewInmemHub() *InmemHub {
	return &InmemHub{}
}

// Join creates a new member attached to the hub.
func (h *InmemHub) Join() *InmemAgreement {
	h.mu.Lock()
	defer h.mu.Unlock()

	member := &InmemAgreement{hub: h}
	h.members = append(h.members, member)

	return member
}

// broadcast appends the fact to every member's queue under the hub lock,
// which is what makes the ordering total.
func (h *InmemHub) broadcast(fact []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.members {
		m.deliver(fact)
	}
}

// InmemAgreement implements the Agreement interface against an InmemHub.
type InmemAgreement struct {
	hub *InmemHub

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

// Submit implements the Agreement interface.
func (m *InmemAgreement) Submit(fact []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("agreement member is closed")
	}
	m.mu.Unlock()

	m.hub.broadcast(fact)

	return nil
}

func (m *InmemAgreement) deliver(fact []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.queue = append(m.queue, fact)
}

// Poll implements the Agreement interface.
func (m *InmemAgreement) Poll() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.queue
	m.queue = nil

	return res
}

// Reset implements the Agreement interface. Facts queued but not yet polled
// are discarded, like the in-flight facts of a retired instance.
func (m *InmemAgreement) Reset(participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queue = nil

	return nil
}

// Close implements the Agreement interface.
func (m *InmemAgreement) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.queue = nil

	return nil
}
