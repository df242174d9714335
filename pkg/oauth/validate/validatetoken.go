// Package validate verifies bearer access tokens on protected routes and
// places the resolved identity on the request context.
package validate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

var (
	// ErrInvalid means the token is unknown or revoked.
	ErrInvalid = errors.New("invalid access token")
	// ErrExpired means the token was known but past its expiry. The row is
	// deleted on detection; a retry of the same token reports ErrInvalid.
	ErrExpired = errors.New("access token expired")
)

// Store is the subset of the database used for token verification.
type Store interface {
	GetToken(rawAccessToken string) (*types.TokenData, error)
	DeleteAccessToken(rawAccessToken string) error
}

type Validator struct {
	store    Store
	resource string
	log      *logrus.Logger
}

// NewValidator builds a token validator. resource is the protected resource
// metadata URL advertised in 401 challenges.
func NewValidator(store Store, resource string, log *logrus.Logger) *Validator {
	return &Validator{store: store, resource: resource, log: log}
}

// VerifyAccessToken resolves a raw bearer token to the identity it was issued
// for. Expired tokens are deleted as a side effect.
func (v *Validator) VerifyAccessToken(raw string) (*types.TokenInfo, error) {
	if raw == "" {
		return nil, ErrInvalid
	}
	data, err := v.store.GetToken(raw)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			v.log.WithError(err).Error("token lookup failed")
		}
		return nil, ErrInvalid
	}
	if time.Now().After(data.ExpiresAt) {
		if err := v.store.DeleteAccessToken(raw); err != nil {
			v.log.WithError(err).Warn("failed to delete expired token")
		}
		return nil, ErrExpired
	}
	return &types.TokenInfo{
		UserID:    data.UserID,
		ClientID:  data.ClientID,
		Scope:     data.Scope,
		ExpiresAt: data.ExpiresAt.Unix(),
	}, nil
}

type contextKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// resolved TokenInfo on the context for the wrapped handler.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		info, err := v.VerifyAccessToken(token)
		if err != nil {
			desc := "Missing or invalid access token"
			if errors.Is(err, ErrExpired) {
				desc = "Access token expired"
			}
			w.Header().Set("WWW-Authenticate", v.challenge(desc))
			handlerutils.JSON(w, http.StatusUnauthorized, types.OAuthError{
				Error:            "invalid_token",
				ErrorDescription: desc,
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
	})
}

// TokenInfoFromContext returns the identity placed by Middleware, or nil on an
// unprotected route.
func TokenInfoFromContext(ctx context.Context) *types.TokenInfo {
	info, _ := ctx.Value(contextKey{}).(*types.TokenInfo)
	return info
}

func (v *Validator) challenge(description string) string {
	c := fmt.Sprintf("Bearer error=%q, error_description=%q", "invalid_token", description)
	if v.resource != "" {
		c += fmt.Sprintf(", resource_metadata=%q", v.resource)
	}
	return c
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return auth[len(prefix):]
}
