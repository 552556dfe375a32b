// Package device provides the Device Registry for the RT809F bridge.
//
// The registry tracks which device agents hold a live WebSocket session on
// this replica and, through a PresenceStore, which replica owns devices
// connected elsewhere.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                       Device Registry                        │
//	│                                                              │
//	│  ┌──────────────────┐    ┌──────────────────┐                │
//	│  │     Registry     │    │  PresenceStore   │                │
//	│  │  (registry.go)   │───▶│  (presence.go)   │                │
//	│  │                  │    │                  │                │
//	│  │ • local sessions │    │ • memory (solo)  │                │
//	│  │ • supersede      │    │ • MQTT (cluster) │                │
//	│  │ • lookup/route   │    │ • prune stale    │                │
//	│  └──────────────────┘    └──────────────────┘                │
//	└──────────────────────────────────────────────────────────────┘
//
// # Ownership
//
// At most one live Session is registered per device ID. A new connection for
// the same ID supersedes and closes the previous one. Deregister is a no-op
// unless the caller still owns the entry, so a superseded session tearing
// down never removes its replacement.
//
// # Degraded Mode
//
// Presence publishing failures are logged as warnings and never fail a
// registration. Remote lookups then fall back to "not found".
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use.
package device
