package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockSession is a test implementation of Session.
type mockSession struct {
	id          string
	deviceID    string
	connectedAt time.Time

	mu      sync.Mutex
	sent    []string
	closed  bool
	reason  string
	sendErr error
}

func newMockSession(deviceID, id string) *mockSession {
	return &mockSession{id: id, deviceID: deviceID, connectedAt: time.Now()}
}

func (m *mockSession) ID() string             { return m.id }
func (m *mockSession) DeviceID() string       { return m.deviceID }
func (m *mockSession) ConnectedAt() time.Time { return m.connectedAt }

func (m *mockSession) SendCommand(jobID string, _ json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, jobID)
	return nil
}

func (m *mockSession) Close(reason string) {
	m.mu.Lock()
	m.closed = true
	m.reason = reason
	m.mu.Unlock()
}

func (m *mockSession) isClosed() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.reason
}

// failingStore simulates an unreachable coordination backend.
type failingStore struct {
	*MemoryPresence
}

func (failingStore) Publish(Presence) error { return errors.New("broker unreachable") }
func (failingStore) Withdraw(string) error  { return errors.New("broker unreachable") }
func (failingStore) Connected() bool        { return false }

func newTestRegistry(store PresenceStore) *Registry {
	return NewRegistry("replica-a", store, Options{MaxConnections: 2, LivenessWindow: 45 * time.Second})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	store := NewMemoryPresence()
	reg := newTestRegistry(store)
	s := newMockSession("rt809f_001", "s1")

	if err := reg.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	route, err := reg.Lookup("rt809f_001")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !route.Local() || route.Session != s {
		t.Errorf("Lookup() route = %+v, want local session s1", route)
	}

	p, ok := store.Get("rt809f_001")
	if !ok || p.ReplicaID != "replica-a" {
		t.Errorf("presence = %+v, %v; want published for replica-a", p, ok)
	}
}

func TestRegistry_RegisterInvalidID(t *testing.T) {
	reg := newTestRegistry(nil)
	err := reg.Register(newMockSession("bad/id", "s1"))
	if !errors.Is(err, ErrInvalidDeviceID) {
		t.Errorf("Register() error = %v, want ErrInvalidDeviceID", err)
	}
}

func TestRegistry_SupersedeClosesPrevious(t *testing.T) {
	reg := newTestRegistry(nil)
	old := newMockSession("rt809f_001", "old")
	replacement := newMockSession("rt809f_001", "new")

	if err := reg.Register(old); err != nil {
		t.Fatalf("Register(old) error = %v", err)
	}
	if err := reg.Register(replacement); err != nil {
		t.Fatalf("Register(new) error = %v", err)
	}

	if closed, reason := old.isClosed(); !closed || reason != CloseReasonSuperseded {
		t.Errorf("old session closed=%v reason=%q, want superseded", closed, reason)
	}
	route, _ := reg.Lookup("rt809f_001")
	if route.Session != replacement {
		t.Error("Lookup() should return the replacement session")
	}

	// The superseded session tearing down must not remove its replacement.
	if reg.Deregister("rt809f_001", old) {
		t.Error("Deregister(old) = true, want no-op for non-owner")
	}
	if _, err := reg.Lookup("rt809f_001"); err != nil {
		t.Errorf("Lookup() after stale deregister error = %v", err)
	}

	if !reg.Deregister("rt809f_001", replacement) {
		t.Error("Deregister(owner) = false, want true")
	}
	if _, err := reg.Lookup("rt809f_001"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Lookup() after deregister error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ConnectionLimit(t *testing.T) {
	reg := newTestRegistry(nil)
	for i := 0; i < 2; i++ {
		if err := reg.Register(newMockSession(fmt.Sprintf("dev-%d", i), "s")); err != nil {
			t.Fatalf("Register(%d) error = %v", i, err)
		}
	}

	err := reg.Register(newMockSession("dev-overflow", "s"))
	if !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("Register() error = %v, want ErrTooManyConnections", err)
	}

	// Superseding an existing device does not count against the limit.
	if err := reg.Register(newMockSession("dev-0", "s2")); err != nil {
		t.Errorf("Register(supersede at limit) error = %v", err)
	}
}

func TestRegistry_ShutdownRejectsAndCloseAll(t *testing.T) {
	reg := newTestRegistry(nil)
	s := newMockSession("rt809f_001", "s1")
	if err := reg.Register(s); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	reg.Shutdown()
	if !reg.Closed() {
		t.Error("Closed() = false after Shutdown()")
	}
	if err := reg.Register(newMockSession("rt809f_002", "s2")); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Register() after shutdown error = %v, want ErrRegistryClosed", err)
	}

	if n := reg.CloseAll(CloseReasonShutdown); n != 1 {
		t.Errorf("CloseAll() = %d, want 1", n)
	}
	if closed, reason := s.isClosed(); !closed || reason != CloseReasonShutdown {
		t.Errorf("session closed=%v reason=%q", closed, reason)
	}
}

func TestRegistry_RemoteLookup(t *testing.T) {
	store := NewMemoryPresence()
	reg := newTestRegistry(store)
	now := time.Now()

	store.Publish(Presence{DeviceID: "remote-1", ReplicaID: "replica-b", LastSeen: now})                //nolint:errcheck
	store.Publish(Presence{DeviceID: "stale-1", ReplicaID: "replica-b", LastSeen: now.Add(-time.Hour)}) //nolint:errcheck
	store.Publish(Presence{DeviceID: "ghost-1", ReplicaID: "replica-a", LastSeen: now})                 //nolint:errcheck

	route, err := reg.Lookup("remote-1")
	if err != nil {
		t.Fatalf("Lookup(remote) error = %v", err)
	}
	if route.Local() || route.Replica != "replica-b" {
		t.Errorf("Lookup(remote) = %+v, want replica-b", route)
	}

	if _, err := reg.Lookup("stale-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Lookup(stale) error = %v, want ErrDeviceNotFound", err)
	}
	// Our own replica's record without a local session is a leftover.
	if _, err := reg.Lookup("ghost-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Lookup(ghost) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_DegradedStoreStillRegisters(t *testing.T) {
	reg := newTestRegistry(failingStore{NewMemoryPresence()})
	s := newMockSession("rt809f_001", "s1")

	if err := reg.Register(s); err != nil {
		t.Fatalf("Register() with failing store error = %v", err)
	}
	if _, err := reg.Lookup("rt809f_001"); err != nil {
		t.Errorf("Lookup() error = %v", err)
	}
	if reg.PresenceConnected() {
		t.Error("PresenceConnected() = true for failing store")
	}
	if !reg.Deregister("rt809f_001", s) {
		t.Error("Deregister() should succeed despite withdraw failure")
	}
}

func TestRegistry_ListAndStates(t *testing.T) {
	store := NewMemoryPresence()
	reg := newTestRegistry(store)
	if err := reg.Register(newMockSession("b-local", "s1")); err != nil {
		t.Fatal(err)
	}
	store.Publish(Presence{DeviceID: "a-remote", ReplicaID: "replica-b", LastSeen: time.Now()}) //nolint:errcheck

	reg.SetBusy("b-local", true)
	reg.SetStatus("b-local", "programming")

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2: %+v", len(list), list)
	}
	if list[0].DeviceID != "a-remote" || list[0].Local || list[0].State != StateConnected {
		t.Errorf("remote info = %+v", list[0])
	}
	if list[1].State != StateBusy || list[1].Status != "programming" || !list[1].Local {
		t.Errorf("local info = %+v", list[1])
	}

	p, _ := store.Get("b-local")
	if p.Status != "programming" {
		t.Errorf("presence status = %q, want republished status", p.Status)
	}

	reg.SetBusy("b-local", false)
	info, err := reg.Get("b-local")
	if err != nil || info.State != StateConnected {
		t.Errorf("Get() = %+v, %v; want Connected", info, err)
	}
}

func TestRegistry_RefreshReannouncesAndPrunes(t *testing.T) {
	store := NewMemoryPresence()
	reg := newTestRegistry(store)
	current := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return current }

	if err := reg.Register(newMockSession("rt809f_001", "s1")); err != nil {
		t.Fatal(err)
	}
	store.Publish(Presence{DeviceID: "remote-old", ReplicaID: "replica-b", LastSeen: current}) //nolint:errcheck

	current = current.Add(time.Minute)
	reg.Refresh()

	if p, _ := store.Get("rt809f_001"); !p.LastSeen.Equal(current) {
		t.Errorf("local presence LastSeen = %v, want refreshed %v", p.LastSeen, current)
	}
	if _, ok := store.Get("remote-old"); ok {
		t.Error("remote record older than the liveness window should be pruned")
	}
}

func TestRegistry_ConcurrentRegisterDeregister(t *testing.T) {
	reg := NewRegistry("replica-a", nil, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newMockSession(fmt.Sprintf("dev-%d", i%5), fmt.Sprintf("s-%d", i))
			if err := reg.Register(s); err != nil {
				t.Errorf("Register() error = %v", err)
				return
			}
			reg.Touch(s.DeviceID())
			reg.Deregister(s.DeviceID(), s)
		}(i)
	}
	wg.Wait()

	if reg.Count() > 5 {
		t.Errorf("Count() = %d, want at most one entry per device", reg.Count())
	}
}
