package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Close reasons sent to agents.
const (
	CloseReasonSuperseded = "superseded by a newer connection"
	CloseReasonShutdown   = "bridge shutting down"
)

// Options configures a Registry.
type Options struct {
	// MaxConnections caps local sessions; zero means unlimited.
	MaxConnections int

	// LivenessWindow is how long a remote presence record stays routable
	// without a refresh.
	LivenessWindow time.Duration
}

// entry is the registry's record for one locally connected device.
type entry struct {
	session  Session
	lastSeen time.Time
	status   string
	busy     bool
}

// Registry tracks device sessions on this replica and routes lookups for
// devices owned by other replicas through the PresenceStore.
//
// All public methods are thread-safe.
type Registry struct {
	replicaID string
	store     PresenceStore
	opts      Options

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	logger Logger
	now    func() time.Time
}

// NewRegistry creates a registry for the given replica.
//
// Parameters:
//   - replicaID: Identity published with every presence record
//   - store: Coordination store (use NewMemoryPresence when running alone)
//   - opts: Connection limit and liveness window
//
// Returns:
//   - *Registry: Registry ready for Register calls
func NewRegistry(replicaID string, store PresenceStore, opts Options) *Registry {
	if store == nil {
		store = NewMemoryPresence()
	}
	r := &Registry{
		replicaID: replicaID,
		store:     store,
		opts:      opts,
		entries:   make(map[string]*entry),
		logger:    noopLogger{},
		now:       time.Now,
	}
	if n, ok := store.(TakeoverNotifier); ok {
		n.SetTakeoverHandler(func(p Presence) { r.TakenOver(p) })
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// ReplicaID returns the identity of this replica.
func (r *Registry) ReplicaID() string {
	return r.replicaID
}

// Register makes s the live session for its device.
//
// An existing session for the same device is superseded: it is replaced and
// closed with CloseReasonSuperseded. Presence is then published; a store
// failure is logged and does not fail the registration.
//
// Returns:
//   - error: ErrInvalidDeviceID, ErrRegistryClosed or ErrTooManyConnections
func (r *Registry) Register(s Session) error {
	deviceID := s.DeviceID()
	if err := ValidateDeviceID(deviceID); err != nil {
		return err
	}

	now := r.now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	prev, exists := r.entries[deviceID]
	if !exists && r.opts.MaxConnections > 0 && len(r.entries) >= r.opts.MaxConnections {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d sessions", ErrTooManyConnections, r.opts.MaxConnections)
	}
	r.entries[deviceID] = &entry{session: s, lastSeen: now}
	r.mu.Unlock()

	if exists && prev.session != s {
		r.logger.Info("device session superseded",
			"device_id", deviceID,
			"old_session", prev.session.ID(),
			"new_session", s.ID(),
		)
		prev.session.Close(CloseReasonSuperseded)
	}

	r.publish(Presence{
		DeviceID:    deviceID,
		ReplicaID:   r.replicaID,
		ConnectedAt: s.ConnectedAt(),
		LastSeen:    now,
	})

	r.logger.Info("device registered", "device_id", deviceID, "session_id", s.ID())
	return nil
}

// Deregister removes s if it is still the live session for deviceID.
//
// Returns:
//   - bool: true if s was the owner and has been removed; false if it had
//     already been superseded or removed (no-op)
func (r *Registry) Deregister(deviceID string, s Session) bool {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if !ok || e.session != s {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, deviceID)
	r.mu.Unlock()

	if err := r.store.Withdraw(deviceID); err != nil {
		r.logger.Warn("presence withdraw failed", "device_id", deviceID, "error", err)
	}
	r.logger.Info("device deregistered", "device_id", deviceID, "session_id", s.ID())
	return true
}

// TakenOver handles an announcement from another replica. If that
// replica's connection for the device is newer than the local session,
// the local entry is dropped without withdrawing presence (the record now
// belongs to the other replica) and the session is closed with
// CloseReasonSuperseded.
//
// Returns:
//   - bool: true if a local session was superseded
func (r *Registry) TakenOver(p Presence) bool {
	if p.ReplicaID == "" || p.ReplicaID == r.replicaID {
		return false
	}

	r.mu.Lock()
	e, ok := r.entries[p.DeviceID]
	if !ok || !p.ConnectedAt.After(e.session.ConnectedAt()) {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, p.DeviceID)
	r.mu.Unlock()

	r.logger.Info("device session superseded by another replica",
		"device_id", p.DeviceID,
		"session_id", e.session.ID(),
		"replica", p.ReplicaID,
	)
	e.session.Close(CloseReasonSuperseded)
	return true
}

// Lookup finds where a device is connected.
//
// Local sessions win. Otherwise a fresh presence record naming another
// replica yields a remote Route. A record naming this replica without a
// local session is stale and ignored.
//
// Returns:
//   - Route: Local session or owning replica
//   - error: ErrDeviceNotFound if neither is known
func (r *Registry) Lookup(deviceID string) (Route, error) {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	r.mu.RUnlock()
	if ok {
		return Route{Session: e.session, Replica: r.replicaID}, nil
	}

	if p, ok := r.store.Get(deviceID); ok && p.ReplicaID != r.replicaID && r.fresh(p) {
		return Route{Replica: p.ReplicaID}, nil
	}
	return Route{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// Get returns listing information for one device, local or remote.
func (r *Registry) Get(deviceID string) (Info, error) {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	var info Info
	if ok {
		info = r.localInfo(deviceID, e)
	}
	r.mu.RUnlock()
	if ok {
		return info, nil
	}

	if p, ok := r.store.Get(deviceID); ok && p.ReplicaID != r.replicaID && r.fresh(p) {
		return remoteInfo(p), nil
	}
	return Info{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
}

// List returns every known device, sorted by ID. Local entries shadow any
// presence record for the same device.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	seen := make(map[string]struct{}, len(r.entries))
	for id, e := range r.entries {
		out = append(out, r.localInfo(id, e))
		seen[id] = struct{}{}
	}
	r.mu.RUnlock()

	for _, p := range r.store.List() {
		if _, dup := seen[p.DeviceID]; dup || p.ReplicaID == r.replicaID || !r.fresh(p) {
			continue
		}
		out = append(out, remoteInfo(p))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Count returns the number of local sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Touch records inbound activity for a device.
func (r *Registry) Touch(deviceID string) {
	now := r.now()
	r.mu.Lock()
	if e, ok := r.entries[deviceID]; ok {
		e.lastSeen = now
	}
	r.mu.Unlock()
}

// SetStatus stores the last status reported by the agent and republishes
// presence so other replicas see it.
func (r *Registry) SetStatus(deviceID, status string) {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if ok {
		e.status = status
		e.lastSeen = r.now()
	}
	var p Presence
	if ok {
		p = r.presenceOf(deviceID, e)
	}
	r.mu.Unlock()

	if ok {
		r.publish(p)
	}
}

// SetBusy marks whether a device currently has a dispatched job.
func (r *Registry) SetBusy(deviceID string, busy bool) {
	r.mu.Lock()
	if e, ok := r.entries[deviceID]; ok {
		e.busy = busy
	}
	r.mu.Unlock()
}

// Shutdown stops accepting registrations. Existing sessions stay open
// until CloseAll.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Closed reports whether Shutdown has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// CloseAll closes every local session with the given reason and returns how
// many were closed. Sessions deregister themselves as they tear down.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		sessions = append(sessions, e.session)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.Close(reason)
	}
	return len(sessions)
}

// Run re-announces local devices every interval and prunes remote presence
// records older than the liveness window. It blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// Refresh performs one re-announce and prune cycle.
//
// A device whose store record names another replica with a newer
// connection is not re-announced: its local session is superseded
// instead, so a stale session never overwrites the live owner.
func (r *Registry) Refresh() {
	now := r.now()

	r.mu.RLock()
	records := make([]Presence, 0, len(r.entries))
	for id, e := range r.entries {
		p := r.presenceOf(id, e)
		p.LastSeen = now
		records = append(records, p)
	}
	r.mu.RUnlock()

	for _, p := range records {
		if cur, ok := r.store.Get(p.DeviceID); ok && r.TakenOver(cur) {
			continue
		}
		r.publish(p)
	}

	if r.opts.LivenessWindow > 0 {
		if n := r.store.Prune(now.Add(-r.opts.LivenessWindow)); n > 0 {
			r.logger.Debug("pruned stale presence records", "count", n)
		}
	}
}

// PresenceConnected reports whether the coordination store is reachable.
func (r *Registry) PresenceConnected() bool {
	return r.store.Connected()
}

func (r *Registry) publish(p Presence) {
	if err := r.store.Publish(p); err != nil {
		r.logger.Warn("presence publish failed, continuing in degraded mode",
			"device_id", p.DeviceID,
			"error", err,
		)
	}
}

func (r *Registry) fresh(p Presence) bool {
	if r.opts.LivenessWindow <= 0 {
		return true
	}
	return r.now().Sub(p.LastSeen) <= r.opts.LivenessWindow
}

// presenceOf builds a presence record; callers hold r.mu.
func (r *Registry) presenceOf(deviceID string, e *entry) Presence {
	return Presence{
		DeviceID:    deviceID,
		ReplicaID:   r.replicaID,
		ConnectedAt: e.session.ConnectedAt(),
		LastSeen:    e.lastSeen,
		Status:      e.status,
	}
}

// localInfo builds listing info; callers hold r.mu.
func (r *Registry) localInfo(deviceID string, e *entry) Info {
	state := StateConnected
	if e.busy {
		state = StateBusy
	}
	return Info{
		DeviceID:    deviceID,
		State:       state,
		ReplicaID:   r.replicaID,
		Local:       true,
		ConnectedAt: e.session.ConnectedAt(),
		LastSeen:    e.lastSeen,
		Status:      e.status,
		SessionID:   e.session.ID(),
	}
}

func remoteInfo(p Presence) Info {
	return Info{
		DeviceID:    p.DeviceID,
		State:       StateConnected,
		ReplicaID:   p.ReplicaID,
		ConnectedAt: p.ConnectedAt,
		LastSeen:    p.LastSeen,
		Status:      p.Status,
	}
}
