// Package job provides the Job Correlator for the RT809F bridge.
//
// The correlator assigns job identifiers, dispatches commands to device
// sessions, and matches asynchronous device responses back to callers
// waiting on the REST API.
//
// # Lifecycle
//
//	Pending ──dispatch──▶ Dispatched ──result──▶ Completed
//	   │                      ├──device error──▶ Failed
//	   │                      ├──disconnect────▶ Failed (device_disconnected)
//	   └──deadline/disconnect─┴──deadline──────▶ TimedOut
//
// Every terminal transition goes through one compare-and-set on the job,
// so a result racing a deadline or a disconnect records exactly one outcome.
//
// # Single Flight
//
// Each device has its own lane holding at most one dispatched job. With
// the reject policy a second submission fails with ErrDeviceBusy; with the
// queue policy it waits Pending in a bounded FIFO and is dispatched when the
// lane frees up. Unrelated devices never share a lock.
//
// # Identifiers
//
// Job IDs have the form j-{replicaID}-{uuid}, so any replica can tell which
// replica owns a job without shared state (see OwnerOf).
package job
