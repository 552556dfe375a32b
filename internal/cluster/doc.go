// Package cluster coordinates bridge replicas through the MQTT broker.
//
// Two pieces live here:
//
//   - Presence implements device.PresenceStore on retained MQTT topics.
//     Every replica publishes rt809f/presence/{deviceID} for the devices it
//     owns and keeps a local view of everyone else's. A replica's LWT on
//     rt809f/replica/{id}/status drops all of its records when it dies.
//
//   - Relay forwards job submissions and lookups to the replica that owns
//     the device or job, over rt809f/replica/{id}/request and .../response.
//
// The broker is eventually consistent. A route that turns out to be stale
// surfaces as device_not_found, never as a hang.
package cluster
