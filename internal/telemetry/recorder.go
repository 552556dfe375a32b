// Package telemetry turns job and session lifecycle events into InfluxDB
// points and in-process counters for the metrics endpoint.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/rt809f-bridge/internal/job"
)

// Session event names.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventSuperseded   = "superseded"
)

// Writer is the subset of the InfluxDB client the recorder needs.
// *influxdb.Client satisfies it; a nil client drops writes.
type Writer interface {
	WriteJobOutcome(o influxdb.JobOutcome)
	WriteSessionEvent(e influxdb.SessionEvent)
}

// Counters is a snapshot of lifecycle totals since start.
type Counters struct {
	SessionsOpened uint64 `json:"sessionsOpened"`
	SessionsClosed uint64 `json:"sessionsClosed"`
	JobsCompleted  uint64 `json:"jobsCompleted"`
	JobsFailed     uint64 `json:"jobsFailed"`
	JobsTimedOut   uint64 `json:"jobsTimedOut"`
}

// Recorder implements job.Observer and session.Observer.
type Recorder struct {
	writer    Writer
	replicaID string
	now       func() time.Time

	sessionsOpened atomic.Uint64
	sessionsClosed atomic.Uint64
	jobsCompleted  atomic.Uint64
	jobsFailed     atomic.Uint64
	jobsTimedOut   atomic.Uint64
}

// NewRecorder creates a recorder. writer may be nil to keep counters only.
func NewRecorder(writer Writer, replicaID string) *Recorder {
	return &Recorder{writer: writer, replicaID: replicaID, now: time.Now}
}

// JobFinished records a terminal job.
func (r *Recorder) JobFinished(j job.Job) {
	switch j.State {
	case job.StateCompleted:
		r.jobsCompleted.Add(1)
	case job.StateTimedOut:
		r.jobsTimedOut.Add(1)
	default:
		r.jobsFailed.Add(1)
	}

	if r.writer == nil {
		return
	}
	at := r.now()
	if j.FinishedAt != nil {
		at = *j.FinishedAt
	}
	r.writer.WriteJobOutcome(influxdb.JobOutcome{
		DeviceID:     j.DeviceID,
		ReplicaID:    r.replicaID,
		State:        string(j.State),
		ErrorKind:    string(j.ErrorKind),
		Latency:      at.Sub(j.CreatedAt),
		PayloadBytes: len(j.Payload),
		ResultBytes:  len(j.Result),
		At:           at,
	})
}

// SessionOpened records a device connecting.
func (r *Recorder) SessionOpened(deviceID string, at time.Time) {
	r.sessionsOpened.Add(1)
	if r.writer == nil {
		return
	}
	r.writer.WriteSessionEvent(influxdb.SessionEvent{
		DeviceID:  deviceID,
		ReplicaID: r.replicaID,
		Event:     EventConnected,
		At:        at,
	})
}

// SessionClosed records a device session ending.
func (r *Recorder) SessionClosed(deviceID string, connected time.Duration, reason string) {
	r.sessionsClosed.Add(1)
	if r.writer == nil {
		return
	}
	event := EventDisconnected
	if reason == device.CloseReasonSuperseded {
		event = EventSuperseded
	}
	r.writer.WriteSessionEvent(influxdb.SessionEvent{
		DeviceID:  deviceID,
		ReplicaID: r.replicaID,
		Event:     event,
		Duration:  connected,
		At:        r.now(),
	})
}

// Counters returns the totals recorded so far.
func (r *Recorder) Counters() Counters {
	return Counters{
		SessionsOpened: r.sessionsOpened.Load(),
		SessionsClosed: r.sessionsClosed.Load(),
		JobsCompleted:  r.jobsCompleted.Load(),
		JobsFailed:     r.jobsFailed.Load(),
		JobsTimedOut:   r.jobsTimedOut.Load(),
	}
}
