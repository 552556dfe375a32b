package device

import (
	"fmt"
	"regexp"
)

// maxDeviceIDLength bounds identifiers so they stay usable as MQTT topic
// segments and log fields.
const maxDeviceIDLength = 128

var deviceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidateDeviceID checks that a device identifier is non-empty, bounded,
// and free of characters that are special in URLs or MQTT topics.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(id) > maxDeviceIDLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidDeviceID, maxDeviceIDLength)
	}
	if !deviceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidDeviceID, id, deviceIDRegex.String())
	}
	return nil
}
