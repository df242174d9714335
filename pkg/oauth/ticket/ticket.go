// Package ticket signs the short-lived login tickets that carry a pending
// authorization ID across the /authorize -> /login redirect. A ticket proves
// the login form submission belongs to a pending authorization this server
// created; it carries no tokens and no credentials.
package ticket

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TTL matches the pending authorization TTL: a ticket outliving its pending
// entry would be useless anyway.
const TTL = 10 * time.Minute

type claims struct {
	PendingID string `json:"pending_id"`
	jwt.RegisteredClaims
}

// Signer issues and verifies login tickets with an HMAC key derived at
// startup; tickets do not survive a restart, which is fine for a ten-minute
// browser hop.
type Signer struct {
	key []byte
}

// NewSigner creates a signer around the given HMAC key.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Issue signs a ticket for the pending authorization.
func (s *Signer) Issue(pendingID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		PendingID: pendingID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	})
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign login ticket: %w", err)
	}
	return signed, nil
}

// Verify validates a ticket and returns the pending authorization ID.
func (s *Signer) Verify(raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid login ticket: %w", err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.PendingID == "" {
		return "", fmt.Errorf("invalid login ticket claims")
	}
	return c.PendingID, nil
}
