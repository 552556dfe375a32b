package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// Relay operations.
const (
	OpSubmit = "submit"
	OpGet    = "get"
)

// ErrUnavailable is returned when the owning replica does not answer.
var ErrUnavailable = errors.New("cluster: replica unavailable")

// Request is the envelope published to rt809f/replica/{owner}/request.
type Request struct {
	ID        string          `json:"id"`
	Op        string          `json:"op"`
	ReplyTo   string          `json:"replyTo"`
	DeviceID  string          `json:"deviceID,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	JobID     string          `json:"jobID,omitempty"`
	WaitMs    int64           `json:"waitMs,omitempty"`
}

// Response is the envelope published to rt809f/replica/{requester}/response.
type Response struct {
	ID        string   `json:"id"`
	Job       *job.Job `json:"job,omitempty"`
	ErrorKind job.Kind `json:"errorKind,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Handler executes relayed operations on the owning replica.
// *job.Correlator satisfies it.
type Handler interface {
	Submit(deviceID string, payload json.RawMessage, timeout time.Duration) (job.Job, error)
	Await(ctx context.Context, jobID string, wait time.Duration) (job.Job, error)
}

// Relay forwards job operations between replicas.
type Relay struct {
	bus       Bus
	replicaID string
	qos       byte
	handler   Handler

	// timeout bounds the round trip on top of any requested wait.
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Response

	logger Logger
}

// NewRelay creates a relay for replicaID serving requests with handler.
func NewRelay(bus Bus, replicaID string, qos byte, handler Handler, timeout time.Duration) *Relay {
	return &Relay{
		bus:       bus,
		replicaID: replicaID,
		qos:       qos,
		handler:   handler,
		timeout:   timeout,
		pending:   make(map[string]chan Response),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for the relay.
func (r *Relay) SetLogger(logger Logger) {
	r.logger = logger
}

// Start subscribes to this replica's request and response topics.
func (r *Relay) Start() error {
	if err := r.bus.Subscribe(topics.ReplicaRequest(r.replicaID), r.qos, r.handleRequest); err != nil {
		return fmt.Errorf("subscribing to relay requests: %w", err)
	}
	if err := r.bus.Subscribe(topics.ReplicaResponse(r.replicaID), r.qos, r.handleResponse); err != nil {
		return fmt.Errorf("subscribing to relay responses: %w", err)
	}
	return nil
}

// Stop unsubscribes from relay topics.
func (r *Relay) Stop() {
	//nolint:errcheck // Best-effort during shutdown
	r.bus.Unsubscribe(topics.ReplicaRequest(r.replicaID))
	//nolint:errcheck // Best-effort during shutdown
	r.bus.Unsubscribe(topics.ReplicaResponse(r.replicaID))
}

// Submit asks replica to submit a job to a device it owns.
//
// Returns:
//   - job.Job: The owner's snapshot of the new job
//   - error: The owner's error rebuilt from its kind, or ErrUnavailable
func (r *Relay) Submit(ctx context.Context, replica, deviceID string, payload json.RawMessage, timeout time.Duration) (job.Job, error) {
	return r.call(ctx, replica, Request{
		Op:        OpSubmit,
		DeviceID:  deviceID,
		Payload:   payload,
		TimeoutMs: timeout.Milliseconds(),
	}, 0)
}

// Get asks replica for a job it owns, waiting up to wait for completion.
// An outstanding job is returned without error; check its State.
func (r *Relay) Get(ctx context.Context, replica, jobID string, wait time.Duration) (job.Job, error) {
	return r.call(ctx, replica, Request{
		Op:     OpGet,
		JobID:  jobID,
		WaitMs: wait.Milliseconds(),
	}, wait)
}

func (r *Relay) call(ctx context.Context, replica string, req Request, wait time.Duration) (job.Job, error) {
	req.ID = uuid.NewString()
	req.ReplyTo = r.replicaID

	data, err := json.Marshal(req)
	if err != nil {
		return job.Job{}, fmt.Errorf("encoding relay request: %w", err)
	}

	ch := make(chan Response, 1)
	r.mu.Lock()
	r.pending[req.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, req.ID)
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, wait+r.timeout)
	defer cancel()

	if err := r.bus.Publish(topics.ReplicaRequest(replica), data, r.qos, false); err != nil {
		return job.Job{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, replica, err)
	}

	select {
	case resp := <-ch:
		if resp.ErrorKind != job.KindNone {
			return job.Job{}, job.ErrorForKind(resp.ErrorKind, resp.Error)
		}
		if resp.Job == nil {
			return job.Job{}, fmt.Errorf("%w: %s sent an empty response", ErrUnavailable, replica)
		}
		return *resp.Job, nil
	case <-ctx.Done():
		return job.Job{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, replica, ctx.Err())
	}
}

// handleRequest runs each request on its own goroutine; a long-poll must
// not hold up the MQTT delivery goroutine.
func (r *Relay) handleRequest(_ string, payload []byte) error {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decoding relay request: %w", err)
	}
	if req.ID == "" || req.ReplyTo == "" {
		return fmt.Errorf("relay request missing id or replyTo")
	}
	go r.serve(req)
	return nil
}

func (r *Relay) serve(req Request) {
	resp := Response{ID: req.ID}

	var (
		j   job.Job
		err error
	)
	switch req.Op {
	case OpSubmit:
		j, err = r.handler.Submit(req.DeviceID, req.Payload, time.Duration(req.TimeoutMs)*time.Millisecond)
	case OpGet:
		j, err = r.handler.Await(context.Background(), req.JobID, time.Duration(req.WaitMs)*time.Millisecond)
		if errors.Is(err, job.ErrWaitElapsed) {
			err = nil
		}
	default:
		err = fmt.Errorf("%w: unknown relay op %q", job.ErrInvalidPayload, req.Op)
	}

	if err != nil {
		resp.ErrorKind = job.KindOf(err)
		resp.Error = err.Error()
	} else {
		resp.Job = &j
	}

	r.logger.Debug("relay request served",
		"op", req.Op,
		"from", req.ReplyTo,
		"device_id", req.DeviceID,
		"job_id", req.JobID,
		"error_kind", resp.ErrorKind,
	)

	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("encoding relay response", "error", err)
		return
	}
	if err := r.bus.Publish(topics.ReplicaResponse(req.ReplyTo), data, r.qos, false); err != nil {
		r.logger.Warn("publishing relay response", "to", req.ReplyTo, "error", err)
	}
}

func (r *Relay) handleResponse(_ string, payload []byte) error {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding relay response: %w", err)
	}

	r.mu.Lock()
	ch, ok := r.pending[resp.ID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("relay response for an abandoned request", "id", resp.ID)
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}
