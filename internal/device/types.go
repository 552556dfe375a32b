package device

import (
	"encoding/json"
	"time"
)

// State is the connection state of a device as seen by the registry.
type State string

// Device connection states.
const (
	StateDisconnected State = "Disconnected"
	StateConnected    State = "Connected"
	StateBusy         State = "Busy"
)

// Session is the registry's view of one device WebSocket connection.
// The concrete implementation lives in the session package.
type Session interface {
	// ID uniquely identifies this connection.
	ID() string

	// DeviceID is the device the connection registered as.
	DeviceID() string

	// ConnectedAt is when the connection was accepted.
	ConnectedAt() time.Time

	// SendCommand queues a command frame for the device. It never blocks;
	// a closed session or full queue returns ErrNotConnected.
	SendCommand(jobID string, payload json.RawMessage) error

	// Close tears the connection down, telling the agent why.
	Close(reason string)
}

// Route is the result of a registry lookup.
//
// Exactly one of the following holds:
//   - Session != nil: the device is connected to this replica
//   - Session == nil: the device is connected to Replica (another replica)
type Route struct {
	Session Session
	Replica string
}

// Local reports whether the device is connected to this replica.
func (r Route) Local() bool {
	return r.Session != nil
}

// Presence is the coordination record for one connected device.
type Presence struct {
	DeviceID    string    `json:"deviceID"`
	ReplicaID   string    `json:"replicaID"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Status      string    `json:"status,omitempty"`
}

// Info describes a device for the listing endpoints.
type Info struct {
	DeviceID    string    `json:"deviceID"`
	State       State     `json:"state"`
	ReplicaID   string    `json:"replicaID"`
	Local       bool      `json:"local"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Status      string    `json:"status,omitempty"`
	SessionID   string    `json:"sessionID,omitempty"`
}
