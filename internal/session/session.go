package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// Logger defines the logging interface used by sessions.
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

// Registry is the part of the device registry a session uses.
type Registry interface {
	Register(s device.Session) error
	Deregister(deviceID string, s device.Session) bool
	Touch(deviceID string)
	SetStatus(deviceID, status string)
}

// Correlator is the part of the job correlator a session uses.
type Correlator interface {
	ResolveFromDevice(deviceID, jobID string, result json.RawMessage) error
	RejectFromDevice(deviceID, jobID, message string) error
	FailDevice(deviceID, reason string) int
	FailSession(deviceID, sessionID, reason string) int
}

// Observer is told when sessions open and close.
type Observer interface {
	SessionOpened(deviceID string, at time.Time)
	SessionClosed(deviceID string, connected time.Duration, reason string)
}

// Options configures the transport behaviour of a session.
type Options struct {
	PingInterval   time.Duration
	LivenessWindow time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// Deps are the collaborators a session reports to.
type Deps struct {
	Registry   Registry
	Correlator Correlator
	Observer   Observer
	Logger     Logger
}

// Close reasons set by the session itself.
const (
	reasonReadFailed  = "connection lost"
	reasonWriteFailed = "write failed"
)

// Session is one device agent WebSocket connection.
// It implements device.Session.
type Session struct {
	id          string
	deviceID    string
	connectedAt time.Time

	conn *websocket.Conn
	send chan []byte
	opts Options
	deps Deps

	closeOnce   sync.Once
	closing     chan struct{}
	mu          sync.Mutex
	closeReason string

	// finished is closed after teardown has deregistered the device and
	// failed its jobs.
	finished chan struct{}
}

// New wraps an upgraded connection. Call Start to register and run it.
func New(conn *websocket.Conn, deviceID string, opts Options, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.LivenessWindow <= opts.PingInterval {
		opts.LivenessWindow = 3 * opts.PingInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Session{
		id:          uuid.NewString(),
		deviceID:    deviceID,
		connectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, opts.SendBuffer),
		opts:        opts,
		deps:        deps,
		closing:     make(chan struct{}),
		finished:    make(chan struct{}),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device this session registered as.
func (s *Session) DeviceID() string { return s.deviceID }

// ConnectedAt returns when the connection was accepted.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} { return s.finished }

// Start registers the session and starts its pumps.
//
// If the registry rejects the device, the agent receives a close frame
// carrying the reason and the connection is closed.
//
// Returns:
//   - error: The registry's rejection, or nil once the pumps are running
func (s *Session) Start() error {
	s.enqueue(Frame{
		Type:      TypeConnectionEstablished,
		DeviceID:  s.deviceID,
		Message:   BannerMessage,
		Timestamp: timestamp(s.connectedAt),
	})

	if err := s.deps.Registry.Register(s); err != nil {
		code := websocket.CloseTryAgainLater
		if errors.Is(err, device.ErrInvalidDeviceID) {
			code = websocket.ClosePolicyViolation
		}
		//nolint:errcheck // Best-effort close message on rejection
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, closeText(err.Error())),
			time.Now().Add(s.opts.WriteTimeout))
		s.conn.Close()
		close(s.finished)
		return err
	}

	if s.deps.Observer != nil {
		s.deps.Observer.SessionOpened(s.deviceID, s.connectedAt)
	}
	s.deps.Logger.Info("device session opened", "device_id", s.deviceID, "session_id", s.id)

	go s.writePump()
	go s.readPump()
	return nil
}

// SendCommand queues a command frame for the device without blocking.
//
// Returns:
//   - error: device.ErrNotConnected (wrapped) if the session is closing or
//     its send queue is full
func (s *Session) SendCommand(jobID string, payload json.RawMessage) error {
	select {
	case <-s.closing:
		return fmt.Errorf("%w: session closing", device.ErrNotConnected)
	default:
	}

	data, err := json.Marshal(Frame{
		Type:      TypeCommand,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: timestamp(time.Now()),
	})
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	select {
	case s.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", device.ErrNotConnected)
	}
}

// Close starts teardown, telling the agent why. Safe to call repeatedly;
// the first reason wins.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closing)
	})
}

func (s *Session) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// readPump reads frames until the connection fails, then tears down.
func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(s.opts.LivenessWindow))
	s.conn.SetPongHandler(func(string) error {
		s.deps.Registry.Touch(s.deviceID)
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.LivenessWindow))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.deps.Logger.Warn("device frame exceeds size limit", "device_id", s.deviceID, "limit", s.opts.MaxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				s.deps.Logger.Warn("device websocket read error", "device_id", s.deviceID, "error", err)
			default:
				s.deps.Logger.Debug("device websocket closed", "device_id", s.deviceID, "error", err)
			}
			s.Close(reasonReadFailed)
			return
		}
		// Any inbound frame counts as liveness.
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(s.opts.LivenessWindow))
		s.deps.Registry.Touch(s.deviceID)
		s.handleFrame(message)
	}
}

// writePump is the only writer on the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.deps.Logger.Debug("device websocket write failed", "device_id", s.deviceID, "error", err)
				s.Close(reasonWriteFailed)
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(reasonWriteFailed)
				return
			}
		case <-s.closing:
			reason := s.reason()
			//nolint:errcheck // Best-effort close message
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(reason), closeText(reason)),
				time.Now().Add(s.opts.WriteTimeout))
			return
		}
	}
}

// teardown runs once, after the read pump exits.
func (s *Session) teardown() {
	defer close(s.finished)

	reason := s.reason()
	var failed int
	if s.deps.Registry.Deregister(s.deviceID, s) {
		failed = s.deps.Correlator.FailDevice(s.deviceID, "device disconnected: "+reason)
	} else {
		// Superseded: queued jobs belong to the replacement session.
		failed = s.deps.Correlator.FailSession(s.deviceID, s.id, "device session replaced: "+reason)
	}

	connected := time.Since(s.connectedAt)
	if s.deps.Observer != nil {
		s.deps.Observer.SessionClosed(s.deviceID, connected, reason)
	}
	s.deps.Logger.Info("device session closed",
		"device_id", s.deviceID,
		"session_id", s.id,
		"reason", reason,
		"failed_jobs", failed,
		"connected_s", int(connected.Seconds()),
	)
}

// handleFrame routes one inbound frame.
func (s *Session) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.deps.Logger.Warn("invalid frame from device", "device_id", s.deviceID, "error", err)
		return
	}

	switch f.Kind() {
	case TypeResult:
		if f.JobID == "" {
			s.deps.Logger.Warn("result frame without job id", "device_id", s.deviceID)
			return
		}
		s.report(f.JobID, s.deps.Correlator.ResolveFromDevice(s.deviceID, f.JobID, f.Payload))
	case TypeError:
		if f.JobID == "" {
			s.deps.Logger.Warn("device error without job id", "device_id", s.deviceID, "error", f.ErrorMessage())
			return
		}
		s.report(f.JobID, s.deps.Correlator.RejectFromDevice(s.deviceID, f.JobID, f.ErrorMessage()))
	case TypePing:
		s.enqueue(Frame{Type: TypePong, Timestamp: timestamp(time.Now())})
	case TypePong:
	case TypeStatusUpdate:
		s.deps.Registry.SetStatus(s.deviceID, f.Status)
		s.deps.Logger.Info("device status update", "device_id", s.deviceID, "status", f.Status)
	case TypeDataTransfer:
		s.ackTransfer(f.TransferID)
	default:
		s.deps.Logger.Debug("ignoring frame", "device_id", s.deviceID, "type", f.Type)
	}
}

// ackTransfer answers a data_transfer frame. Flash data travels inside job
// payloads, so the transfer itself carries nothing to process; the agent
// only needs the acknowledgement. A transfer without an ID gets one.
func (s *Session) ackTransfer(transferID string) {
	if transferID == "" {
		transferID = uuid.NewString()
	}
	ok := true
	s.enqueue(Frame{
		Type:       TypeTransferComplete,
		TransferID: transferID,
		Success:    &ok,
		Timestamp:  timestamp(time.Now()),
	})
	s.deps.Logger.Debug("data transfer acknowledged", "device_id", s.deviceID, "transfer_id", transferID)
}

func (s *Session) report(jobID string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, job.ErrLateResponse):
		s.deps.Logger.Warn("discarding late device response", "device_id", s.deviceID, "job_id", jobID, "error", err)
	default:
		s.deps.Logger.Error("routing device response", "device_id", s.deviceID, "job_id", jobID, "error", err)
	}
}

// enqueue queues a control frame, dropping it if the queue is full.
func (s *Session) enqueue(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	default:
		s.deps.Logger.Warn("send queue full, dropping frame", "device_id", s.deviceID, "type", f.Type)
	}
}

func closeCode(reason string) int {
	if reason == device.CloseReasonShutdown {
		return websocket.CloseGoingAway
	}
	return websocket.CloseNormalClosure
}

// closeText trims a reason to the 123 bytes a close frame can carry.
func closeText(reason string) string {
	const maxCloseText = 123
	if len(reason) > maxCloseText {
		return reason[:maxCloseText]
	}
	return reason
}
