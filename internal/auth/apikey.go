package auth

import (
	"crypto/sha256"
	"crypto/subtle"
)

// APIKeyMatches reports whether presented equals expected.
//
// Both values are hashed first so the comparison takes the same time
// whatever their lengths. An empty expected key never matches.
func APIKeyMatches(expected, presented string) bool {
	if expected == "" || presented == "" {
		return false
	}
	e := sha256.Sum256([]byte(expected))
	p := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(e[:], p[:]) == 1
}
