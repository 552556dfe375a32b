// Package session implements the device side of the RT809F bridge: one
// WebSocket connection per device agent.
//
// A Session registers itself with the device registry, writes command
// frames queued by the job correlator, and reads response frames back,
// routing each to the correlator by its embedded job ID. It does not
// interpret payloads.
//
// # Goroutines
//
// Each session runs a read pump and a write pump. Only the write pump
// writes to the connection; SendCommand only enqueues and never blocks.
//
// # Liveness
//
// The write pump sends a WebSocket ping every PingInterval. Any inbound
// traffic (a pong, a ping frame, or a response) extends the read deadline
// by LivenessWindow. When the deadline passes the read pump fails, and
// teardown deregisters the device and fails its outstanding jobs with
// device_disconnected.
package session
