package job

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

// Job states.
const (
	StatePending    State = "Pending"
	StateDispatched State = "Dispatched"
	StateCompleted  State = "Completed"
	StateFailed     State = "Failed"
	StateTimedOut   State = "TimedOut"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Job is a point-in-time snapshot of a job. Snapshots are values; mutating
// one never affects the correlator.
type Job struct {
	ID       string          `json:"jobID"`
	DeviceID string          `json:"deviceID"`
	State    State           `json:"state"`
	Payload  json.RawMessage `json:"-"`

	// Result is set only when State is Completed.
	Result json.RawMessage `json:"result,omitempty"`

	// ErrorKind and Error are set only when State is Failed or TimedOut.
	ErrorKind Kind   `json:"errorKind,omitempty"`
	Error     string `json:"error,omitempty"`

	ReplicaID    string     `json:"replicaID"`
	CreatedAt    time.Time  `json:"createdAt"`
	DispatchedAt *time.Time `json:"dispatchedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Deadline     time.Time  `json:"deadline"`
}

// Stats summarises the jobs currently held by a correlator.
type Stats struct {
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	TimedOut   int `json:"timedOut"`

	// Submitted and Rejected count since start.
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
}

// Observer is notified once per job when it reaches a terminal state.
// Calls happen outside correlator locks and must not block for long.
type Observer interface {
	JobFinished(j Job)
}
