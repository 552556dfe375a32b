package device

import (
	"sort"
	"sync"
	"time"
)

// PresenceStore shares device liveness between replicas.
//
// Implementations are eventually consistent: Get may return a record the
// owner has already withdrawn, or miss one it has just published. Callers
// treat a stale route the same as an unknown device.
type PresenceStore interface {
	// Publish announces or refreshes a device owned by this replica.
	Publish(p Presence) error

	// Withdraw removes a device announced by this replica. It must not remove
	// a record that another replica has since taken over.
	Withdraw(deviceID string) error

	// Get returns the last known record for a device.
	Get(deviceID string) (Presence, bool)

	// List returns every known record.
	List() []Presence

	// Prune drops records whose LastSeen is before cutoff and returns how many
	// were removed. Only the local view is affected.
	Prune(cutoff time.Time) int

	// Connected reports whether the store can currently reach its backend.
	Connected() bool
}

// TakeoverNotifier is implemented by stores that hear other replicas'
// announcements. NewRegistry installs a handler so a device that
// reconnects elsewhere closes its stale session here.
type TakeoverNotifier interface {
	SetTakeoverHandler(fn func(Presence))
}

// MemoryPresence is a PresenceStore for single-replica deployments and tests.
// It has no backend, so it only ever knows this replica's devices.
type MemoryPresence struct {
	mu      sync.RWMutex
	records map[string]Presence
}

// NewMemoryPresence creates an empty in-process presence store.
func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{records: make(map[string]Presence)}
}

// Publish implements PresenceStore.
func (m *MemoryPresence) Publish(p Presence) error {
	m.mu.Lock()
	m.records[p.DeviceID] = p
	m.mu.Unlock()
	return nil
}

// Withdraw implements PresenceStore.
func (m *MemoryPresence) Withdraw(deviceID string) error {
	m.mu.Lock()
	delete(m.records, deviceID)
	m.mu.Unlock()
	return nil
}

// Get implements PresenceStore.
func (m *MemoryPresence) Get(deviceID string) (Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.records[deviceID]
	return p, ok
}

// List implements PresenceStore.
func (m *MemoryPresence) List() []Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Presence, 0, len(m.records))
	for _, p := range m.records {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Prune implements PresenceStore.
func (m *MemoryPresence) Prune(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.records {
		if p.LastSeen.Before(cutoff) {
			delete(m.records, id)
			n++
		}
	}
	return n
}

// Connected implements PresenceStore. The in-process store is always reachable.
func (m *MemoryPresence) Connected() bool {
	return true
}
