package auth

import "errors"

// Authentication errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenScope   = errors.New("token not valid for this device")
	ErrNoSecret     = errors.New("device token secret not configured")
)
