package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementJobOutcomes    = "job_outcomes"
	MeasurementDeviceSessions = "device_sessions"
)

// JobOutcome describes one job reaching a terminal state.
type JobOutcome struct {
	DeviceID  string
	ReplicaID string
	State     string
	ErrorKind string

	// Latency is the time from submission to the terminal transition.
	Latency      time.Duration
	PayloadBytes int
	ResultBytes  int
	At           time.Time
}

// SessionEvent describes a device session lifecycle change.
type SessionEvent struct {
	DeviceID  string
	ReplicaID string

	// Event is one of "connected", "disconnected", or "superseded".
	Event string

	// Duration is how long the session lasted; zero for "connected".
	Duration time.Duration
	At       time.Time
}

// WriteJobOutcome records a terminal job.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Tags are device, replica, state and error kind; the job ID is
// deliberately not a tag to keep series cardinality bounded.
//
// Example:
//
//	client.WriteJobOutcome(influxdb.JobOutcome{
//	    DeviceID: "rt809f_001", ReplicaID: "bridge-a",
//	    State: "Completed", Latency: 420 * time.Millisecond,
//	})
func (c *Client) WriteJobOutcome(o JobOutcome) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(jobOutcomePoint(o))
}

// WriteSessionEvent records a device session connecting or ending.
func (c *Client) WriteSessionEvent(e SessionEvent) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(sessionEventPoint(e))
}

func jobOutcomePoint(o JobOutcome) *write.Point {
	tags := map[string]string{
		"device_id": o.DeviceID,
		"replica":   o.ReplicaID,
		"state":     o.State,
	}
	if o.ErrorKind != "" {
		tags["error_kind"] = o.ErrorKind
	}

	return write.NewPoint(
		MeasurementJobOutcomes,
		tags,
		map[string]interface{}{
			"latency_ms":    o.Latency.Milliseconds(),
			"payload_bytes": o.PayloadBytes,
			"result_bytes":  o.ResultBytes,
		},
		pointTime(o.At),
	)
}

func sessionEventPoint(e SessionEvent) *write.Point {
	return write.NewPoint(
		MeasurementDeviceSessions,
		map[string]string{
			"device_id": e.DeviceID,
			"replica":   e.ReplicaID,
			"event":     e.Event,
		},
		map[string]interface{}{
			"duration_s": e.Duration.Seconds(),
		},
		pointTime(e.At),
	)
}

func pointTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
