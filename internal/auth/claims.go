package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenIssuer = "rt809f-bridge"

	// ScopeDevice is the only scope issued today.
	ScopeDevice = "device"
)

// DeviceClaims are the claims of a device token. Subject is the device ID.
type DeviceClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// GenerateDeviceToken creates a signed token for one device.
//
// Parameters:
//   - deviceID: Becomes the token subject
//   - secret: HMAC key (security.device_tokens.secret)
//   - ttl: Token lifetime; <= 0 defaults to one hour
//
// Returns:
//   - string: Signed JWT
//   - time.Time: Expiry
//   - error: If signing fails or no secret is configured
func GenerateDeviceToken(deviceID, secret string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	expires := now.Add(ttl)
	claims := DeviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Scope: ScopeDevice,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing device token: %w", err)
	}
	return signed, expires.Truncate(time.Second), nil
}

// ParseDeviceToken validates a device token's signature, expiry, issuer
// and scope.
func ParseDeviceToken(tokenString, secret string) (*DeviceClaims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.Scope != ScopeDevice {
		return nil, fmt.Errorf("%w: unexpected scope %q", ErrTokenInvalid, claims.Scope)
	}
	return claims, nil
}

// AuthorizeDevice parses a token and checks that it was issued for deviceID.
func AuthorizeDevice(tokenString, secret, deviceID string) error {
	claims, err := ParseDeviceToken(tokenString, secret)
	if err != nil {
		return err
	}
	if claims.Subject != deviceID {
		return fmt.Errorf("%w: issued for %s", ErrTokenScope, claims.Subject)
	}
	return nil
}
