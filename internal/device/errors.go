package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when no live session for a device is known
	// on this replica or in the presence store.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDeviceID is returned when a device identifier fails validation.
	ErrInvalidDeviceID = errors.New("device: invalid identifier")

	// ErrRegistryClosed is returned by Register once shutdown has begun.
	ErrRegistryClosed = errors.New("device: registry closed")

	// ErrTooManyConnections is returned when the connection limit is reached.
	ErrTooManyConnections = errors.New("device: connection limit reached")

	// ErrNotConnected is returned by Session.Send when the session is closed
	// or its outbound queue is full.
	ErrNotConnected = errors.New("device: not connected")
)
