// Package encryption provides the random-value helpers used for codes,
// tokens and client identifiers.
package encryption

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// GenerateRandomString returns length bytes of cryptographic randomness,
// base64-encoded. Used for every opaque value the server issues: tokens are
// never structured or self-describing.
func GenerateRandomString(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Errorf("failed to generate random string: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}
