package job

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/device"
)

// fakeSession records commands instead of writing to a socket.
type fakeSession struct {
	id       string
	deviceID string

	mu       sync.Mutex
	commands []string
	sendErr  error
	closed   bool
}

func newFakeSession(deviceID, id string) *fakeSession {
	return &fakeSession{id: id, deviceID: deviceID}
}

func (f *fakeSession) ID() string             { return f.id }
func (f *fakeSession) DeviceID() string       { return f.deviceID }
func (f *fakeSession) ConnectedAt() time.Time { return time.Time{} }

func (f *fakeSession) SendCommand(jobID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.commands = append(f.commands, jobID)
	return nil
}

func (f *fakeSession) Close(string) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSession) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// countingObserver counts terminal notifications per job.
type countingObserver struct {
	mu    sync.Mutex
	count map[string]int
	last  map[string]Job
}

func newCountingObserver() *countingObserver {
	return &countingObserver{count: make(map[string]int), last: make(map[string]Job)}
}

func (o *countingObserver) JobFinished(j Job) {
	o.mu.Lock()
	o.count[j.ID]++
	o.last[j.ID] = j
	o.mu.Unlock()
}

func (o *countingObserver) times(jobID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count[jobID]
}

var testPayload = json.RawMessage(`{"command":"READ_CHIP"}`)

type testEnv struct {
	reg  *device.Registry
	corr *Correlator
	obs  *countingObserver
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	if opts.ReplicaID == "" {
		opts.ReplicaID = "replica-a"
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	if opts.MaxTimeout == 0 {
		opts.MaxTimeout = 30 * time.Second
	}
	if opts.Retention == 0 {
		opts.Retention = time.Minute
	}
	reg := device.NewRegistry(opts.ReplicaID, device.NewMemoryPresence(), device.Options{LivenessWindow: time.Minute})
	corr := NewCorrelator(reg, opts)
	obs := newCountingObserver()
	corr.AddObserver(obs)
	t.Cleanup(func() { corr.FailAll("test cleanup") })
	return &testEnv{reg: reg, corr: corr, obs: obs}
}

func (e *testEnv) connect(t *testing.T, deviceID string) *fakeSession {
	t.Helper()
	s := newFakeSession(deviceID, "sess-"+deviceID)
	if err := e.reg.Register(s); err != nil {
		t.Fatalf("Register(%s) error = %v", deviceID, err)
	}
	return s
}

func TestCorrelator_SubmitAndResolve(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.connect(t, "rt809f_001")

	j, err := env.corr.Submit("rt809f_001", testPayload, 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if j.State != StateDispatched {
		t.Errorf("State = %s, want Dispatched", j.State)
	}
	if j.DispatchedAt == nil {
		t.Error("DispatchedAt not set")
	}
	if owner, ok := OwnerOf(j.ID); !ok || owner != "replica-a" {
		t.Errorf("OwnerOf(%s) = %q, %v", j.ID, owner, ok)
	}
	if got := sess.sent(); len(got) != 1 || got[0] != j.ID {
		t.Fatalf("commands sent = %v, want [%s]", got, j.ID)
	}
	if info, _ := env.reg.Get("rt809f_001"); info.State != device.StateBusy {
		t.Errorf("device state = %s, want Busy", info.State)
	}

	result := json.RawMessage(`"DE AD BE EF"`)
	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := env.corr.ResolveFromDevice("rt809f_001", j.ID, result); err != nil {
			t.Errorf("ResolveFromDevice() error = %v", err)
		}
	}()

	done, err := env.corr.Await(context.Background(), j.ID, time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if done.State != StateCompleted {
		t.Fatalf("State = %s, want Completed", done.State)
	}
	if string(done.Result) != string(result) {
		t.Errorf("Result = %s, want %s", done.Result, result)
	}
	if done.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if info, _ := env.reg.Get("rt809f_001"); info.State != device.StateConnected {
		t.Errorf("device state after completion = %s, want Connected", info.State)
	}
	if n := env.obs.times(j.ID); n != 1 {
		t.Errorf("observer called %d times, want 1", n)
	}
}

func TestCorrelator_SubmitUnknownDevice(t *testing.T) {
	env := newTestEnv(t, Options{})

	_, err := env.corr.Submit("nobody", testPayload, 0)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Submit() error = %v, want ErrDeviceNotFound", err)
	}
	if KindOf(err) != KindDeviceNotFound {
		t.Errorf("KindOf() = %s", KindOf(err))
	}
	if s := env.corr.Stats(); s.Rejected != 1 || s.Submitted != 0 {
		t.Errorf("Stats = %+v, want 1 rejected", s)
	}
}

func TestCorrelator_SubmitValidation(t *testing.T) {
	env := newTestEnv(t, Options{MaxPayloadSize: 32})
	env.connect(t, "dev")

	tests := []struct {
		name     string
		deviceID string
		payload  json.RawMessage
		want     error
	}{
		{"empty payload", "dev", nil, ErrInvalidPayload},
		{"malformed payload", "dev", json.RawMessage(`{"a":`), ErrInvalidPayload},
		{"oversized payload", "dev", json.RawMessage(`"` + string(make([]byte, 40)) + `"`), ErrInvalidPayload},
		{"bad device id", "bad id", testPayload, device.ErrInvalidDeviceID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.corr.Submit(tt.deviceID, tt.payload, 0); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCorrelator_RemoteDevice(t *testing.T) {
	store := device.NewMemoryPresence()
	reg := device.NewRegistry("replica-a", store, device.Options{LivenessWindow: time.Minute})
	corr := NewCorrelator(reg, Options{ReplicaID: "replica-a", DefaultTimeout: time.Second})

	if err := store.Publish(device.Presence{DeviceID: "far", ReplicaID: "replica-b", LastSeen: time.Now()}); err != nil {
		t.Fatal(err)
	}

	_, err := corr.Submit("far", testPayload, 0)
	var remote *RemoteDeviceError
	if !errors.As(err, &remote) {
		t.Fatalf("Submit() error = %v, want *RemoteDeviceError", err)
	}
	if remote.Replica != "replica-b" {
		t.Errorf("Replica = %q, want replica-b", remote.Replica)
	}
}

func TestCorrelator_BusyReject(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.connect(t, "dev")

	first, err := env.corr.Submit("dev", testPayload, 0)
	if err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := env.corr.Submit("dev", testPayload, 0); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second Submit() error = %v, want ErrDeviceBusy", err)
	}
	if n := len(sess.sent()); n != 1 {
		t.Errorf("commands sent = %d, want 1", n)
	}

	if err := env.corr.ResolveFromDevice("dev", first.ID, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ResolveFromDevice() error = %v", err)
	}
	if _, err := env.corr.Submit("dev", testPayload, 0); err != nil {
		t.Errorf("Submit() after completion error = %v", err)
	}
}

func TestCorrelator_DevicesAreIndependent(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev-1")
	env.connect(t, "dev-2")

	if _, err := env.corr.Submit("dev-1", testPayload, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := env.corr.Submit("dev-2", testPayload, 0); err != nil {
		t.Errorf("Submit() to a different device error = %v", err)
	}
}

func TestCorrelator_QueuePolicy(t *testing.T) {
	env := newTestEnv(t, Options{QueueDepth: 1})
	sess := env.connect(t, "dev")

	first, err := env.corr.Submit("dev", testPayload, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.corr.Submit("dev", testPayload, 0)
	if err != nil {
		t.Fatalf("queued Submit() error = %v", err)
	}
	if second.State != StatePending {
		t.Errorf("queued State = %s, want Pending", second.State)
	}
	if _, err := env.corr.Submit("dev", testPayload, 0); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Submit() beyond queue depth error = %v, want ErrDeviceBusy", err)
	}

	// A result for the queued job is not accepted before it is dispatched.
	if err := env.corr.ResolveFromDevice("dev", second.ID, nil); !errors.Is(err, ErrLateResponse) {
		t.Errorf("resolve of pending job error = %v, want ErrLateResponse", err)
	}

	if err := env.corr.ResolveFromDevice("dev", first.ID, json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}

	got, _ := env.corr.Get(second.ID)
	if got.State != StateDispatched {
		t.Fatalf("queued job State = %s after first finished, want Dispatched", got.State)
	}
	if sent := sess.sent(); len(sent) != 2 || sent[1] != second.ID {
		t.Errorf("commands sent = %v, want second job dispatched", sent)
	}
}

func TestCorrelator_Timeout(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")

	j, err := env.corr.Submit("dev", testPayload, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	done, err := env.corr.Await(context.Background(), j.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if done.State != StateTimedOut || done.ErrorKind != KindTimedOut {
		t.Fatalf("job = %s/%s, want TimedOut/timed_out", done.State, done.ErrorKind)
	}

	// The device answering afterwards changes nothing.
	if err := env.corr.ResolveFromDevice("dev", j.ID, json.RawMessage(`"late"`)); !errors.Is(err, ErrLateResponse) {
		t.Errorf("late ResolveFromDevice() error = %v, want ErrLateResponse", err)
	}
	got, _ := env.corr.Get(j.ID)
	if got.State != StateTimedOut || got.Result != nil {
		t.Errorf("job after late response = %+v", got)
	}
	if n := env.obs.times(j.ID); n != 1 {
		t.Errorf("observer called %d times, want 1", n)
	}

	// The lane is free again.
	if _, err := env.corr.Submit("dev", testPayload, 0); err != nil {
		t.Errorf("Submit() after timeout error = %v", err)
	}
}

func TestCorrelator_TimeoutClamp(t *testing.T) {
	env := newTestEnv(t, Options{DefaultTimeout: 2 * time.Second, MaxTimeout: 10 * time.Second})
	env.connect(t, "dev-1")
	env.connect(t, "dev-2")

	def, _ := env.corr.Submit("dev-1", testPayload, 0)
	if got := def.Deadline.Sub(def.CreatedAt); got != 2*time.Second {
		t.Errorf("default timeout = %v, want 2s", got)
	}
	capped, _ := env.corr.Submit("dev-2", testPayload, time.Hour)
	if got := capped.Deadline.Sub(capped.CreatedAt); got != 10*time.Second {
		t.Errorf("capped timeout = %v, want 10s", got)
	}
}

func TestCorrelator_RejectFromDevice(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")

	j, _ := env.corr.Submit("dev", testPayload, 0)
	if err := env.corr.RejectFromDevice("dev", j.ID, "Unknown command: FOO"); err != nil {
		t.Fatal(err)
	}

	got, _ := env.corr.Get(j.ID)
	if got.State != StateFailed || got.ErrorKind != KindDeviceError || got.Error != "Unknown command: FOO" {
		t.Errorf("job = %+v", got)
	}
}

func TestCorrelator_ResponseFromWrongDevice(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev-1")
	env.connect(t, "dev-2")

	j, _ := env.corr.Submit("dev-1", testPayload, 0)
	if err := env.corr.ResolveFromDevice("dev-2", j.ID, json.RawMessage(`1`)); !errors.Is(err, ErrLateResponse) {
		t.Fatalf("ResolveFromDevice() from other device error = %v, want ErrLateResponse", err)
	}
	if err := env.corr.ResolveFromDevice("dev-1", "j-replica-a-unknown", json.RawMessage(`1`)); !errors.Is(err, ErrLateResponse) {
		t.Errorf("ResolveFromDevice() unknown job error = %v, want ErrLateResponse", err)
	}
	if got, _ := env.corr.Get(j.ID); got.State != StateDispatched {
		t.Errorf("State = %s, want Dispatched", got.State)
	}
}

func TestCorrelator_SendFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.connect(t, "dev")
	sess.sendErr = device.ErrNotConnected

	_, err := env.corr.Submit("dev", testPayload, 0)
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Fatalf("Submit() error = %v, want ErrDeviceNotFound", err)
	}
	if s := env.corr.Stats(); s.Dispatched != 0 || s.Pending != 0 {
		t.Errorf("Stats = %+v, want nothing outstanding", s)
	}

	sess.mu.Lock()
	sess.sendErr = nil
	sess.mu.Unlock()
	if _, err := env.corr.Submit("dev", testPayload, 0); err != nil {
		t.Errorf("Submit() after recovery error = %v", err)
	}
}

func TestCorrelator_FailDevice(t *testing.T) {
	env := newTestEnv(t, Options{QueueDepth: 2})
	sess := env.connect(t, "dev")

	active, _ := env.corr.Submit("dev", testPayload, 0)
	queued, _ := env.corr.Submit("dev", testPayload, 0)

	env.reg.Deregister("dev", sess)
	if n := env.corr.FailDevice("dev", "device disconnected"); n != 2 {
		t.Errorf("FailDevice() = %d, want 2", n)
	}

	for _, id := range []string{active.ID, queued.ID} {
		got, _ := env.corr.Get(id)
		if got.State != StateFailed || got.ErrorKind != KindDeviceDisconnected {
			t.Errorf("job %s = %s/%s, want Failed/device_disconnected", id, got.State, got.ErrorKind)
		}
	}
	if n := len(sess.sent()); n != 1 {
		t.Errorf("commands sent = %d, want only the first", n)
	}
}

func TestCorrelator_FailSessionKeepsQueue(t *testing.T) {
	env := newTestEnv(t, Options{QueueDepth: 1})
	old := env.connect(t, "dev")

	active, _ := env.corr.Submit("dev", testPayload, 0)
	queued, _ := env.corr.Submit("dev", testPayload, 0)

	// The device reconnects; the old session's teardown only fails its own job.
	replacement := newFakeSession("dev", "sess-new")
	if err := env.reg.Register(replacement); err != nil {
		t.Fatal(err)
	}
	if n := env.corr.FailSession("dev", "sess-other", "closed"); n != 0 {
		t.Errorf("FailSession() for unrelated session = %d, want 0", n)
	}
	if n := env.corr.FailSession("dev", old.ID(), "superseded"); n != 1 {
		t.Fatalf("FailSession() = %d, want 1", n)
	}

	if got, _ := env.corr.Get(active.ID); got.State != StateFailed {
		t.Errorf("active job State = %s, want Failed", got.State)
	}
	got, _ := env.corr.Get(queued.ID)
	if got.State != StateDispatched {
		t.Fatalf("queued job State = %s, want Dispatched on the new session", got.State)
	}
	if sent := replacement.sent(); len(sent) != 1 || sent[0] != queued.ID {
		t.Errorf("replacement received %v", sent)
	}
}

func TestCorrelator_Await(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")
	j, _ := env.corr.Submit("dev", testPayload, 0)

	t.Run("no wait", func(t *testing.T) {
		got, err := env.corr.Await(context.Background(), j.ID, 0)
		if !errors.Is(err, ErrWaitElapsed) || got.State != StateDispatched {
			t.Errorf("Await() = %s, %v; want Dispatched, ErrWaitElapsed", got.State, err)
		}
	})

	t.Run("wait elapses", func(t *testing.T) {
		start := time.Now()
		_, err := env.corr.Await(context.Background(), j.ID, 30*time.Millisecond)
		if !errors.Is(err, ErrWaitElapsed) {
			t.Errorf("Await() error = %v, want ErrWaitElapsed", err)
		}
		if time.Since(start) < 30*time.Millisecond {
			t.Error("Await() returned before the wait elapsed")
		}
		if got, _ := env.corr.Get(j.ID); got.State != StateDispatched {
			t.Errorf("job State = %s; an elapsed wait must not change it", got.State)
		}
	})

	t.Run("caller cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := env.corr.Await(ctx, j.ID, time.Second); !errors.Is(err, context.Canceled) {
			t.Errorf("Await() error = %v, want context.Canceled", err)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		if _, err := env.corr.Await(context.Background(), "j-x-nope", time.Millisecond); !errors.Is(err, ErrNotFound) {
			t.Errorf("Await() error = %v, want ErrNotFound", err)
		}
	})
}

func TestCorrelator_ShutdownAndDrain(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")
	j, _ := env.corr.Submit("dev", testPayload, 0)

	env.corr.Shutdown()
	if _, err := env.corr.Submit("dev", testPayload, 0); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() after Shutdown error = %v, want ErrShuttingDown", err)
	}

	// Outstanding jobs still complete during the drain.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := env.corr.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() error = %v, want DeadlineExceeded while a job is outstanding", err)
	}
	if err := env.corr.ResolveFromDevice("dev", j.ID, json.RawMessage(`true`)); err != nil {
		t.Fatalf("ResolveFromDevice() during drain error = %v", err)
	}
	if err := env.corr.Drain(context.Background()); err != nil {
		t.Errorf("Drain() error = %v, want nil once idle", err)
	}
}

func TestCorrelator_FailAll(t *testing.T) {
	env := newTestEnv(t, Options{QueueDepth: 1})
	env.connect(t, "dev-1")
	env.connect(t, "dev-2")

	env.corr.Submit("dev-1", testPayload, 0) //nolint:errcheck
	env.corr.Submit("dev-1", testPayload, 0) //nolint:errcheck
	env.corr.Submit("dev-2", testPayload, 0) //nolint:errcheck
	env.corr.Shutdown()

	if n := env.corr.FailAll("bridge shutting down"); n != 3 {
		t.Errorf("FailAll() = %d, want 3", n)
	}
	if n := env.corr.Outstanding(); n != 0 {
		t.Errorf("Outstanding() = %d, want 0", n)
	}
}

func TestCorrelator_Purge(t *testing.T) {
	env := newTestEnv(t, Options{Retention: time.Minute})
	env.connect(t, "dev")

	done, _ := env.corr.Submit("dev", testPayload, 0)
	env.corr.ResolveFromDevice("dev", done.ID, json.RawMessage(`1`)) //nolint:errcheck
	open, _ := env.corr.Submit("dev", testPayload, 0)

	if n := env.corr.Purge(time.Now()); n != 0 {
		t.Errorf("Purge() inside retention = %d, want 0", n)
	}
	if n := env.corr.Purge(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Purge() after retention = %d, want 1", n)
	}
	if _, err := env.corr.Get(done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() purged job error = %v, want ErrNotFound", err)
	}
	if _, err := env.corr.Get(open.ID); err != nil {
		t.Errorf("outstanding job was purged: %v", err)
	}
}

func TestCorrelator_PurgedLaneIsRecreated(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")

	j, _ := env.corr.Submit("dev", testPayload, 0)
	env.corr.ResolveFromDevice("dev", j.ID, json.RawMessage(`1`)) //nolint:errcheck
	env.corr.Purge(time.Now().Add(time.Hour))

	if _, err := env.corr.Submit("dev", testPayload, 0); err != nil {
		t.Fatalf("Submit() after lane purge error = %v", err)
	}
	if _, err := env.corr.Submit("dev", testPayload, 0); !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("Submit() on recreated lane error = %v, want ErrDeviceBusy", err)
	}
}

func TestCorrelator_ConcurrentSubmitSingleFlight(t *testing.T) {
	env := newTestEnv(t, Options{})
	sess := env.connect(t, "dev")

	const workers = 32
	var accepted, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.corr.Submit("dev", testPayload, 0)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrDeviceBusy):
				busy.Add(1)
			default:
				t.Errorf("Submit() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 || busy.Load() != workers-1 {
		t.Errorf("accepted = %d, busy = %d; want exactly one accepted", accepted.Load(), busy.Load())
	}
	if n := len(sess.sent()); n != 1 {
		t.Errorf("commands sent = %d, want 1", n)
	}
}

func TestCorrelator_ConcurrentQueueing(t *testing.T) {
	const (
		depth   = 64
		workers = 8
		each    = 50
	)
	env := newTestEnv(t, Options{QueueDepth: depth})
	env.connect(t, "dev")

	var accepted, busy atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_, err := env.corr.Submit("dev", testPayload, 0)
				switch {
				case err == nil:
					accepted.Add(1)
				case errors.Is(err, ErrDeviceBusy):
					busy.Add(1)
				default:
					t.Errorf("Submit() unexpected error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	// One dispatched plus a full queue.
	if accepted.Load() != depth+1 {
		t.Errorf("accepted = %d, want %d", accepted.Load(), depth+1)
	}
	if got := accepted.Load() + busy.Load(); got != workers*each {
		t.Errorf("accepted + busy = %d, want %d", got, workers*each)
	}
}

func TestCorrelator_ResultRacesTimeout(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.connect(t, "dev")

	for i := 0; i < 50; i++ {
		j, err := env.corr.Submit("dev", testPayload, time.Millisecond)
		if err != nil {
			t.Fatalf("iteration %d: Submit() error = %v", i, err)
		}
		time.Sleep(time.Millisecond)
		env.corr.ResolveFromDevice("dev", j.ID, json.RawMessage(`1`)) //nolint:errcheck

		got, err := env.corr.Await(context.Background(), j.ID, time.Second)
		if err != nil {
			t.Fatalf("iteration %d: Await() error = %v", i, err)
		}
		if got.State != StateCompleted && got.State != StateTimedOut {
			t.Fatalf("iteration %d: State = %s", i, got.State)
		}
		if got.State == StateTimedOut && got.Result != nil {
			t.Fatalf("iteration %d: timed out job carries a result", i)
		}
		if n := env.obs.times(j.ID); n != 1 {
			t.Fatalf("iteration %d: observer called %d times", i, n)
		}
	}
}

func TestCorrelator_Run(t *testing.T) {
	env := newTestEnv(t, Options{Retention: time.Millisecond})
	env.connect(t, "dev")
	j, _ := env.corr.Submit("dev", testPayload, 0)
	env.corr.ResolveFromDevice("dev", j.ID, json.RawMessage(`1`)) //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.corr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := env.corr.Get(j.ID); errors.Is(err, ErrNotFound) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if _, err := env.corr.Get(j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Run() did not purge the expired job")
	}
}
