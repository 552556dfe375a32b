// Package agent is the device side of the bridge: a WebSocket client that
// registers as a device and answers command frames, plus an in-memory
// RT809F programmer simulator to answer them with.
//
// It is used by cmd/rt809f-agent for local testing and load generation
// against a running bridge.
package agent
