// Package shadow keeps the last verified basic safety message of every
// nearby vehicle. Only messages that passed signature verification are
// stored, so the table answers "where was vehicle X according to X itself".
package shadow

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/daohu527/vlink/pkg/protocol"
)

// Entry is the shadow record for a single vehicle.
type Entry struct {
	State *protocol.VehicleState
	// Sender is the certificate subject that signed State.
	Sender    string
	UpdatedAt time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects the time source used for UpdatedAt and ageing.
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// Manager stores and queries vehicle shadow state.
type Manager struct {
	clock clock.Clock

	mu      sync.RWMutex
	shadows map[string]*Entry
}

// NewManager creates an empty shadow Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:   clock.New(),
		shadows: make(map[string]*Entry),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Update stores the state signed by sender. A state that names a vehicle
// other than its signer is refused, and out-of-order updates (older
// timestamp than the stored one) are silently dropped. It reports whether
// the state was stored.
func (m *Manager) Update(sender string, state *protocol.VehicleState) bool {
	if state == nil || state.VehicleID != sender {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.shadows[sender]
	if ok && existing.State.Timestamp > state.Timestamp {
		return false
	}

	m.shadows[sender] = &Entry{
		State:     state,
		Sender:    sender,
		UpdatedAt: m.clock.Now(),
	}
	return true
}

// Get returns the shadow entry for vehicleID, or (nil, false) if not found.
func (m *Manager) Get(vehicleID string) (*Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.shadows[vehicleID]
	return e, ok
}

// All returns a snapshot of all current shadow entries keyed by vehicle ID.
func (m *Manager) All() map[string]*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Entry, len(m.shadows))
	for id, e := range m.shadows {
		result[id] = e
	}
	return result
}

// ActiveVehicles returns the sorted IDs of vehicles updated within maxAge.
func (m *Manager) ActiveVehicles(maxAge time.Duration) []string {
	cutoff := m.clock.Now().Add(-maxAge)

	m.mu.RLock()
	ids := make([]string, 0, len(m.shadows))
	for id, e := range m.shadows {
		if e.UpdatedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Prune drops entries not updated within maxAge and returns how many were
// removed.
func (m *Manager) Prune(maxAge time.Duration) int {
	cutoff := m.clock.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.shadows {
		if !e.UpdatedAt.After(cutoff) {
			delete(m.shadows, id)
			n++
		}
	}
	return n
}

// Remove deletes the shadow entry for vehicleID.
func (m *Manager) Remove(vehicleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.shadows, vehicleID)
}

// Len is the number of tracked vehicles.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.shadows)
}
