package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/rt809f-bridge/internal/session"
)

// Logger is the logging interface used by the agent.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Executor runs one command payload. *Simulator satisfies it.
type Executor interface {
	Execute(payload json.RawMessage) (json.RawMessage, error)
}

// Agent status values sent in status_update frames.
const (
	StatusIdle = "idle"
	StatusBusy = "busy"
)

const (
	defaultReconnectInterval = time.Second
	maxReconnectInterval     = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	writeWait                = 10 * time.Second
	commandQueueSize         = 16
)

// Config configures a Client.
type Config struct {
	// BridgeURL is the bridge base URL, http(s):// or ws(s)://.
	BridgeURL string

	DeviceID string

	// APIKey or Token authenticates the connection. Token is a device
	// token and is preferred when both are set.
	APIKey string
	Token  string

	// ReconnectInterval is the first reconnect delay; it grows by half on
	// each failure up to MaxReconnectInterval.
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration

	HandshakeTimeout time.Duration
}

// Client keeps a device connected to the bridge and answers its commands.
type Client struct {
	cfg      Config
	executor Executor
	logger   Logger

	connected  atomic.Bool
	commands   atomic.Uint64
	reconnects atomic.Uint64
}

// NewClient creates a client for cfg that runs commands with executor.
//
// Returns:
//   - *Client: Client ready to Run
//   - error: If the configuration is incomplete or the URL is invalid
func NewClient(cfg Config, executor Executor) (*Client, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.APIKey == "" && cfg.Token == "" {
		return nil, fmt.Errorf("an API key or device token is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if _, err := deviceURL(cfg.BridgeURL, cfg.DeviceID); err != nil {
		return nil, err
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectInterval < cfg.ReconnectInterval {
		cfg.MaxReconnectInterval = max(maxReconnectInterval, cfg.ReconnectInterval)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Client{cfg: cfg, executor: executor, logger: noopLogger{}}, nil
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// IsConnected reports whether a bridge connection is currently open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// CommandsHandled returns the number of commands answered since start.
func (c *Client) CommandsHandled() uint64 {
	return c.commands.Load()
}

// Reconnects returns the number of reconnect attempts since start.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Run connects to the bridge and serves commands until ctx is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
//
// Returns:
//   - error: ctx.Err() on cancellation
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectInterval
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var connectErr *connectError
		if errors.As(err, &connectErr) {
			c.logger.Warn("connecting to bridge failed", "error", err, "retry_in", backoff.String())
		} else {
			c.logger.Warn("bridge connection lost", "error", err)
			backoff = c.cfg.ReconnectInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		c.reconnects.Add(1)

		if errors.As(err, &connectErr) {
			// Exponential backoff with cap
			backoff = min(time.Duration(float64(backoff)*1.5), c.cfg.MaxReconnectInterval)
		}
	}
}

// connectError marks a failure to establish the connection, as opposed to
// an established connection that later dropped.
type connectError struct {
	err error
}

func (e *connectError) Error() string { return e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }

// runOnce serves a single connection until it fails or ctx ends.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return &connectError{err: err}
	}
	c.connected.Store(true)
	defer c.connected.Store(false)

	c.logger.Info("connected to bridge", "device_id", c.cfg.DeviceID)

	var writeMu sync.Mutex
	write := func(f session.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck // Error surfaces on WriteJSON
		return conn.WriteJSON(f)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		//nolint:errcheck // Best-effort close message
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent stopping"),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	commands := make(chan session.Frame, commandQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for f := range commands {
			c.handleCommand(f, write)
		}
	}()
	defer func() {
		close(commands)
		<-workerDone
	}()

	if err := write(session.Frame{Type: session.TypeStatusUpdate, Status: StatusIdle}); err != nil {
		return fmt.Errorf("sending status: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading from bridge: %w", err)
		}

		var f session.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid frame from bridge", "error", err)
			continue
		}

		switch f.Kind() {
		case session.TypeCommand:
			select {
			case commands <- f:
			default:
				c.logger.Warn("command queue full, rejecting", "job_id", f.JobID)
				//nolint:errcheck // Connection errors surface on the next read
				write(session.Frame{Type: session.TypeError, JobID: f.JobID, Error: "agent command queue full"})
			}
		case session.TypePing:
			//nolint:errcheck // Connection errors surface on the next read
			write(session.Frame{Type: session.TypePong})
		case session.TypeConnectionEstablished:
			c.logger.Debug("bridge banner", "message", f.Message)
		default:
			c.logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *Client) handleCommand(f session.Frame, write func(session.Frame) error) {
	//nolint:errcheck // Status is advisory
	write(session.Frame{Type: session.TypeStatusUpdate, Status: StatusBusy})

	start := time.Now()
	result, err := c.executor.Execute(f.Payload)

	reply := session.Frame{Type: session.TypeResult, JobID: f.JobID, Payload: result}
	if err != nil {
		reply = session.Frame{Type: session.TypeError, JobID: f.JobID, Error: err.Error()}
	} else if len(result) == 0 {
		reply.Payload = json.RawMessage("null")
	}
	if werr := write(reply); werr != nil {
		c.logger.Warn("sending command result", "job_id", f.JobID, "error", werr)
		return
	}
	c.commands.Add(1)
	c.logger.Info("command handled",
		"job_id", f.JobID,
		"duration_ms", time.Since(start).Milliseconds(),
		"ok", err == nil,
	)

	//nolint:errcheck // Status is advisory
	write(session.Frame{Type: session.TypeStatusUpdate, Status: StatusIdle})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := deviceURL(c.cfg.BridgeURL, c.cfg.DeviceID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	} else {
		header.Set("X-API-Key", c.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// deviceURL builds the device endpoint URL from the bridge base URL.
func deviceURL(base, deviceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid bridge url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid bridge url %q: scheme must be http(s) or ws(s)", base)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid bridge url %q: missing host", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/device/" + url.PathEscape(deviceID)
	u.RawQuery = ""
	return u.String(), nil
}
