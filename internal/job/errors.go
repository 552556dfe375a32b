package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/rt809f-bridge/internal/device"
)

// Domain errors for the job package.
var (
	// ErrDeviceBusy is returned by Submit when the device already has a
	// dispatched job and the busy policy does not allow queueing (or the
	// queue is full).
	ErrDeviceBusy = errors.New("job: device busy")

	// ErrNotFound is returned for unknown or purged job IDs.
	ErrNotFound = errors.New("job: not found")

	// ErrWaitElapsed is returned by Await when the caller's wait ended before
	// the job reached a terminal state. The job itself is unaffected.
	ErrWaitElapsed = errors.New("job: wait elapsed before completion")

	// ErrShuttingDown is returned by Submit once Shutdown has been called.
	ErrShuttingDown = errors.New("job: correlator shutting down")

	// ErrInvalidPayload is returned for empty or oversized payloads.
	ErrInvalidPayload = errors.New("job: invalid payload")

	// ErrLateResponse is returned when a device answers a job that is no
	// longer dispatched. Callers log and discard.
	ErrLateResponse = errors.New("job: late or unexpected response")
)

// RemoteDeviceError signals that the device is connected to another replica.
// The API relays the operation to Replica instead of failing it.
type RemoteDeviceError struct {
	DeviceID string
	Replica  string
}

func (e *RemoteDeviceError) Error() string {
	return fmt.Sprintf("job: device %s is connected to replica %s", e.DeviceID, e.Replica)
}

// Kind classifies an error for clients. Its value is the stable code used
// in API responses and history rows.
type Kind string

// Error kinds.
const (
	KindNone               Kind = ""
	KindDeviceNotFound     Kind = "device_not_found"
	KindDeviceBusy         Kind = "device_busy"
	KindDeviceDisconnected Kind = "device_disconnected"
	KindTimedOut           Kind = "timed_out"
	KindDeviceError        Kind = "device_error"
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation_error"
	KindUnavailable        Kind = "unavailable"
	KindInternal           Kind = "internal_error"
)

// KindOf maps an error to its Kind. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	var remote *RemoteDeviceError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, device.ErrDeviceNotFound), errors.As(err, &remote):
		return KindDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return KindDeviceBusy
	case errors.Is(err, device.ErrNotConnected):
		return KindDeviceDisconnected
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, device.ErrInvalidDeviceID):
		return KindValidation
	case errors.Is(err, ErrShuttingDown), errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	}
	return KindInternal
}

// ErrorForKind returns the sentinel matching a Kind, for rebuilding errors
// received from another replica. KindNone returns nil.
func ErrorForKind(k Kind, msg string) error {
	var base error
	switch k {
	case KindNone:
		return nil
	case KindDeviceNotFound:
		base = device.ErrDeviceNotFound
	case KindDeviceBusy:
		base = ErrDeviceBusy
	case KindDeviceDisconnected:
		base = device.ErrNotConnected
	case KindNotFound:
		base = ErrNotFound
	case KindValidation:
		base = ErrInvalidPayload
	case KindUnavailable:
		base = ErrShuttingDown
	default:
		return fmt.Errorf("job: remote error: %s", msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
