package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every bridge coordination topic.
const TopicPrefix = "rt809f"

// Topic prefixes for the two coordination namespaces.
const (
	// TopicPrefixPresence carries one retained message per connected device.
	TopicPrefixPresence = TopicPrefix + "/presence"

	// TopicPrefixReplica carries per-replica status and relay traffic.
	TopicPrefixReplica = TopicPrefix + "/replica"
)

// Topics provides builders for bridge MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	presence := topics.Presence("rt809f-7f3a")
//	// Returns: "rt809f/presence/rt809f-7f3a"
type Topics struct{}

// =============================================================================
// Presence Topics
// =============================================================================

// Presence returns the retained presence topic for a device.
//
// Example: rt809f/presence/rt809f-7f3a
func (Topics) Presence(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicPrefixPresence, deviceID)
}

// AllPresence returns a pattern matching every device presence topic.
//
// Pattern: rt809f/presence/+
func (Topics) AllPresence() string {
	return TopicPrefixPresence + "/+"
}

// =============================================================================
// Replica Topics
// =============================================================================

// ReplicaStatus returns the retained online/offline topic for a replica.
// It is also the Last Will topic.
//
// Example: rt809f/replica/bridge-a/status
func (Topics) ReplicaStatus(replicaID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixReplica, replicaID)
}

// ReplicaRequest returns the topic a replica listens on for relayed operations.
//
// Example: rt809f/replica/bridge-a/request
func (Topics) ReplicaRequest(replicaID string) string {
	return fmt.Sprintf("%s/%s/request", TopicPrefixReplica, replicaID)
}

// ReplicaResponse returns the topic a replica listens on for relay replies.
//
// Example: rt809f/replica/bridge-a/response
func (Topics) ReplicaResponse(replicaID string) string {
	return fmt.Sprintf("%s/%s/response", TopicPrefixReplica, replicaID)
}

// AllReplicaStatus returns a pattern matching every replica status topic.
//
// Pattern: rt809f/replica/+/status
func (Topics) AllReplicaStatus() string {
	return TopicPrefixReplica + "/+/status"
}

// =============================================================================
// Topic Parsing
// =============================================================================

// PresenceDeviceID extracts the device ID from a presence topic.
// Returns false if the topic is not a presence topic.
func (Topics) PresenceDeviceID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, TopicPrefixPresence+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// StatusReplicaID extracts the replica ID from a replica status topic.
// Returns false if the topic is not a replica status topic.
func (Topics) StatusReplicaID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefixReplica+"/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/status")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
