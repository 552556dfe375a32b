package mqtt

import "errors"

var (
	// ErrNotConnected means the broker link is down. Coordination callers
	// treat it as "peer unreachable" rather than a hard failure.
	ErrNotConnected = errors.New("mqtt: not connected")

	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrPublishFailed    = errors.New("mqtt: publish failed")
	ErrSubscribeFailed  = errors.New("mqtt: subscribe failed")
	ErrInvalidQoS       = errors.New("mqtt: qos must be 0, 1 or 2")
	ErrInvalidTopic     = errors.New("mqtt: empty topic")
)
