// Package api implements the HTTP REST API and device WebSocket endpoint of
// the RT809F bridge.
//
// This package provides:
//   - POST /api/jobs and GET /api/jobs/{jobID} for submitting commands to a
//     device and awaiting their results
//   - WS /ws/device/{deviceID} where device agents connect
//   - Device listing, command history and device token issuance
//   - Middleware stack (request ID, logging, recovery, CORS, API key, rate limit)
//   - TLS support for production deployments
//
// # Architecture
//
// Callers talk to any replica. A request for a device connected to another
// replica is relayed to the owner over MQTT; the caller sees the same
// response it would get from the owner directly.
//
// # Security
//
// Every REST request must carry the pre-shared API key (X-API-Key header or
// Authorization: Bearer). The device WebSocket also accepts a device token
// issued for that device. /health is open for load balancer health checks.
//
// # Graceful Degradation
//
// Without MQTT the bridge serves only devices connected to itself. /health
// reports coordination as unavailable and status as degraded.
package api
