package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/mqtt"
)

// Presence is a device.PresenceStore backed by retained MQTT messages.
type Presence struct {
	bus       Bus
	replicaID string
	qos       byte

	mu         sync.RWMutex
	records    map[string]device.Presence
	onTakeover func(device.Presence)

	logger Logger
}

// NewPresence creates a presence store for replicaID. Call Start before use.
func NewPresence(bus Bus, replicaID string, qos byte) *Presence {
	return &Presence{
		bus:       bus,
		replicaID: replicaID,
		qos:       qos,
		records:   make(map[string]device.Presence),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the store.
func (p *Presence) SetLogger(logger Logger) {
	p.logger = logger
}

// SetTakeoverHandler implements device.TakeoverNotifier. fn is called for
// every record announced by another replica, outside any lock.
func (p *Presence) SetTakeoverHandler(fn func(device.Presence)) {
	p.mu.Lock()
	p.onTakeover = fn
	p.mu.Unlock()
}

// Start subscribes to presence and replica status topics. Retained
// messages arrive immediately, so a new replica learns the current view
// without asking.
func (p *Presence) Start() error {
	if err := p.bus.Subscribe(topics.AllPresence(), p.qos, p.handlePresence); err != nil {
		return fmt.Errorf("subscribing to presence: %w", err)
	}
	if err := p.bus.Subscribe(topics.AllReplicaStatus(), p.qos, p.handleReplicaStatus); err != nil {
		return fmt.Errorf("subscribing to replica status: %w", err)
	}
	return nil
}

// Stop unsubscribes from coordination topics.
func (p *Presence) Stop() {
	//nolint:errcheck // Best-effort during shutdown
	p.bus.Unsubscribe(topics.AllPresence())
	//nolint:errcheck // Best-effort during shutdown
	p.bus.Unsubscribe(topics.AllReplicaStatus())
}

// Publish implements device.PresenceStore.
func (p *Presence) Publish(rec device.Presence) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding presence: %w", err)
	}

	p.mu.Lock()
	p.records[rec.DeviceID] = rec
	p.mu.Unlock()

	return p.bus.Publish(topics.Presence(rec.DeviceID), data, p.qos, true)
}

// Withdraw implements device.PresenceStore.
//
// The retained record is cleared only while the local view still shows
// this replica as owner. If another replica's announcement has already
// arrived, clearing would erase its route.
func (p *Presence) Withdraw(deviceID string) error {
	p.mu.Lock()
	rec, ok := p.records[deviceID]
	owned := !ok || rec.ReplicaID == p.replicaID
	if ok && owned {
		delete(p.records, deviceID)
	}
	p.mu.Unlock()

	if !owned {
		p.logger.Debug("presence taken over, not clearing", "device_id", deviceID, "owner", rec.ReplicaID)
		return nil
	}
	return p.bus.ClearRetained(topics.Presence(deviceID))
}

// Get implements device.PresenceStore.
func (p *Presence) Get(deviceID string) (device.Presence, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[deviceID]
	return rec, ok
}

// List implements device.PresenceStore.
func (p *Presence) List() []device.Presence {
	p.mu.RLock()
	out := make([]device.Presence, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Prune implements device.PresenceStore. Only other replicas' records are
// pruned; this replica's records are refreshed by the registry.
func (p *Presence) Prune(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, rec := range p.records {
		if rec.ReplicaID != p.replicaID && rec.LastSeen.Before(cutoff) {
			delete(p.records, id)
			n++
		}
	}
	return n
}

// Connected implements device.PresenceStore.
func (p *Presence) Connected() bool {
	return p.bus.IsConnected()
}

func (p *Presence) handlePresence(topic string, payload []byte) error {
	deviceID, ok := topics.PresenceDeviceID(topic)
	if !ok {
		return nil
	}

	if len(payload) == 0 {
		p.mu.Lock()
		delete(p.records, deviceID)
		p.mu.Unlock()
		return nil
	}

	var rec device.Presence
	if err := json.Unmarshal(payload, &rec); err != nil {
		return fmt.Errorf("decoding presence for %s: %w", deviceID, err)
	}
	if rec.DeviceID != deviceID || rec.ReplicaID == "" {
		return fmt.Errorf("presence record for %s does not match its topic", deviceID)
	}

	p.mu.Lock()
	p.records[deviceID] = rec
	fn := p.onTakeover
	p.mu.Unlock()

	if fn != nil && rec.ReplicaID != p.replicaID {
		fn(rec)
	}
	return nil
}

func (p *Presence) handleReplicaStatus(topic string, payload []byte) error {
	replicaID, ok := topics.StatusReplicaID(topic)
	if !ok || replicaID == p.replicaID || len(payload) == 0 {
		return nil
	}

	var st mqtt.ReplicaStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decoding replica status: %w", err)
	}
	if !st.Offline() {
		return nil
	}

	p.mu.Lock()
	n := 0
	for id, rec := range p.records {
		if rec.ReplicaID == replicaID {
			delete(p.records, id)
			n++
		}
	}
	p.mu.Unlock()

	p.logger.Info("replica offline, dropped its devices", "replica", replicaID, "reason", st.Reason, "devices", n)
	return nil
}
