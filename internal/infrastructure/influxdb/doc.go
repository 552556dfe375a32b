// Package influxdb writes bridge telemetry to InfluxDB 2.x.
//
// Two measurements are written, both tagged by device and replica:
//
//   - job_outcomes: one point per job reaching a terminal state, with the
//     state, error kind, submit-to-finish latency and payload sizes
//   - device_sessions: one point per session connecting, disconnecting or
//     being superseded, with the session duration
//
// Telemetry is off the job path. Writes are batched by the client library
// and a disconnected client drops them; failures are reported through
// SetOnError only.
package influxdb
