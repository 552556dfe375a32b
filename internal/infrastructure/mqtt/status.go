package mqtt

import (
	"encoding/json"
	"time"
)

// Replica status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Reasons carried by an offline status.
const (
	// ReasonCrash is the Last Will reason: the broker lost the replica
	// without a clean disconnect.
	ReasonCrash    = "unexpected_disconnect"
	ReasonShutdown = "graceful_shutdown"
)

// ReplicaStatus is the retained payload on rt809f/replica/{id}/status.
// Peers drop every presence record owned by a replica once it reports
// offline, whatever the reason.
type ReplicaStatus struct {
	Status    string    `json:"status"`
	Replica   string    `json:"replica"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Offline reports whether the status ends the replica's device sessions.
func (s ReplicaStatus) Offline() bool {
	return s.Status == StatusOffline
}

func statusPayload(replicaID, status, reason string) []byte {
	b, _ := json.Marshal(ReplicaStatus{ //nolint:errcheck // Plain strings and a time cannot fail to marshal
		Status:    status,
		Replica:   replicaID,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
	return b
}
