package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/job"
	"github.com/nerrad567/rt809f-bridge/internal/session"
)

// bridge is a minimal device endpoint built from the real registry,
// correlator and session.
type bridge struct {
	reg  *device.Registry
	corr *job.Correlator
	srv  *httptest.Server

	rejectFirst atomic.Int32
	attempts    atomic.Int32
}

func newBridge(t *testing.T) *bridge {
	t.Helper()
	b := &bridge{}
	b.reg = device.NewRegistry("replica-a", device.NewMemoryPresence(), device.Options{})
	b.corr = job.NewCorrelator(b.reg, job.Options{
		ReplicaID:      "replica-a",
		DefaultTimeout: 5 * time.Second,
		MaxTimeout:     10 * time.Second,
		Retention:      time.Minute,
	})

	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.attempts.Add(1)
		if b.rejectFirst.Load() > 0 {
			b.rejectFirst.Add(-1)
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("X-API-Key") != "key" {
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		deviceID := strings.TrimPrefix(r.URL.Path, "/ws/device/")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := session.New(conn, deviceID, session.Options{
			PingInterval:   100 * time.Millisecond,
			LivenessWindow: time.Second,
			WriteTimeout:   time.Second,
		}, session.Deps{Registry: b.reg, Correlator: b.corr})
		s.Start() //nolint:errcheck // Rejections are visible through the registry
	}))

	t.Cleanup(func() {
		b.reg.Shutdown()
		b.reg.CloseAll(device.CloseReasonShutdown)
		b.corr.FailAll("test cleanup")
		b.srv.Close()
	})
	return b
}

// startClient runs a client in the background. The returned stop cancels
// it and returns the result of Run; it is safe to call more than once.
func startClient(t *testing.T, cfg Config, exec Executor) (*Client, func() error) {
	t.Helper()
	c, err := NewClient(cfg, exec)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var (
		once   sync.Once
		runErr error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(3 * time.Second):
				runErr = errors.New("Run did not return after cancel")
			}
		})
		return runErr
	}
	t.Cleanup(func() { stop() }) //nolint:errcheck // Checked by tests that care
	return c, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_AnswersCommands(t *testing.T) {
	b := newBridge(t)
	c, _ := startClient(t, Config{BridgeURL: b.srv.URL, DeviceID: "rt809f_001", APIKey: "key"},
		NewSimulator("rt809f_001", SimulatorOptions{}))

	waitFor(t, "registration", func() bool {
		_, err := b.reg.Lookup("rt809f_001")
		return err == nil
	})

	j, err := b.corr.Submit("rt809f_001", json.RawMessage(`"READ_CHIP"`), 0)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	j, err = b.corr.Await(context.Background(), j.ID, 3*time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if j.State != job.StateCompleted {
		t.Fatalf("state = %s (%s), want Completed", j.State, j.Error)
	}
	var dump string
	if err := json.Unmarshal(j.Result, &dump); err != nil || !strings.HasPrefix(dump, "00000000") {
		t.Errorf("result = %s, want hex dump", j.Result)
	}

	// Device errors come back as failed jobs
	j, _ = b.corr.Submit("rt809f_001", json.RawMessage(`"self_destruct"`), 0)
	j, _ = b.corr.Await(context.Background(), j.ID, 3*time.Second)
	if j.State != job.StateFailed || j.ErrorKind != job.KindDeviceError {
		t.Errorf("unknown command job = %s/%s, want Failed/device_error", j.State, j.ErrorKind)
	}
	if !strings.Contains(j.Error, "unknown command") {
		t.Errorf("error = %q", j.Error)
	}

	if !c.IsConnected() {
		t.Error("IsConnected() = false")
	}
	waitFor(t, "handled count", func() bool { return c.CommandsHandled() == 2 })

	waitFor(t, "idle status", func() bool {
		info, err := b.reg.Get("rt809f_001")
		return err == nil && info.Status == StatusIdle
	})
}

func TestClient_ReconnectsAfterFailure(t *testing.T) {
	b := newBridge(t)
	b.rejectFirst.Store(2)

	c, _ := startClient(t, Config{
		BridgeURL:         b.srv.URL,
		DeviceID:          "dev-retry",
		APIKey:            "key",
		ReconnectInterval: 10 * time.Millisecond,
	}, NewSimulator("dev-retry", SimulatorOptions{Echo: true}))

	waitFor(t, "connection after rejections", c.IsConnected)
	if got := b.attempts.Load(); got < 3 {
		t.Errorf("attempts = %d, want >= 3", got)
	}
	if c.Reconnects() < 2 {
		t.Errorf("Reconnects() = %d, want >= 2", c.Reconnects())
	}

	// Dropping the session makes the agent come back
	b.reg.CloseAll("test drop")
	waitFor(t, "re-registration", func() bool {
		_, err := b.reg.Lookup("dev-retry")
		return err == nil && b.attempts.Load() >= 4
	})
}

func TestClient_StopsOnCancel(t *testing.T) {
	b := newBridge(t)
	c, stop := startClient(t, Config{BridgeURL: b.srv.URL, DeviceID: "dev-stop", APIKey: "key"},
		NewSimulator("dev-stop", SimulatorOptions{}))

	waitFor(t, "connection", c.IsConnected)
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	waitFor(t, "deregistration", func() bool {
		_, err := b.reg.Lookup("dev-stop")
		return errors.Is(err, device.ErrDeviceNotFound)
	})
}

func TestNewClient_Validation(t *testing.T) {
	sim := NewSimulator("d", SimulatorOptions{})
	tests := []struct {
		name string
		cfg  Config
		exec Executor
	}{
		{"no device", Config{BridgeURL: "http://x", APIKey: "k"}, sim},
		{"no credentials", Config{BridgeURL: "http://x", DeviceID: "d"}, sim},
		{"no executor", Config{BridgeURL: "http://x", DeviceID: "d", APIKey: "k"}, nil},
		{"bad scheme", Config{BridgeURL: "ftp://x", DeviceID: "d", APIKey: "k"}, sim},
		{"no host", Config{BridgeURL: "http://", DeviceID: "d", APIKey: "k"}, sim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.cfg, tt.exec); err == nil {
				t.Error("NewClient() error = nil")
			}
		})
	}
}

func TestDeviceURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/device/rt809f_001"},
		{"https://bridge.example.com/", "wss://bridge.example.com/ws/device/rt809f_001"},
		{"ws://10.0.0.1:9000/prefix", "ws://10.0.0.1:9000/prefix/ws/device/rt809f_001"},
		{"wss://bridge.example.com?x=1", "wss://bridge.example.com/ws/device/rt809f_001"},
	}
	for _, tt := range tests {
		got, err := deviceURL(tt.base, "rt809f_001")
		if err != nil {
			t.Errorf("deviceURL(%q) error = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("deviceURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
