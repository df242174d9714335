// Package token implements the OAuth token endpoint: authorization_code
// exchange with mandatory PKCE, and refresh_token rotation.
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/encryption"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour
	tokenLength     = 32
)

// Store is the subset of the database used by the token endpoint.
type Store interface {
	GetClient(clientID string) (*types.ClientInfo, error)
	ConsumeAuthCode(rawCode string) (*types.AuthorizationCode, error)
	StoreToken(data *types.TokenData) error
	GetTokenByRefreshToken(rawRefreshToken string) (*types.TokenData, error)
	RotateRefreshToken(rawOldRefreshToken string, next *types.TokenData) error
}

type Handler struct {
	store Store
	log   *logrus.Logger
}

func NewHandler(store Store, log *logrus.Logger) *Handler {
	return &Handler{store: store, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Method not allowed",
		})
		return
	}
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Failed to parse request body",
		})
		return
	}

	client, oauthErr := h.authenticateClient(r)
	if oauthErr != nil {
		status := http.StatusBadRequest
		if oauthErr.Error == "invalid_client" {
			status = http.StatusUnauthorized
		}
		handlerutils.JSON(w, status, oauthErr)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		h.exchangeCode(w, r, client)
	case "refresh_token":
		h.refresh(w, r, client)
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "unsupported_grant_type",
			ErrorDescription: "grant_type must be authorization_code or refresh_token",
		})
	}
}

// authenticateClient resolves the requesting client. Confidential clients must
// present their secret (Basic auth or form body); public clients only their ID.
func (h *Handler) authenticateClient(r *http.Request) (*types.ClientInfo, *types.OAuthError) {
	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	if clientID == "" {
		return nil, &types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "client_id is required",
		}
	}
	client, err := h.store.GetClient(clientID)
	if err != nil || client == nil {
		return nil, &types.OAuthError{
			Error:            "invalid_client",
			ErrorDescription: "Unknown client",
		}
	}
	if client.TokenEndpointAuthMethod != "none" {
		if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
			return nil, &types.OAuthError{
				Error:            "invalid_client",
				ErrorDescription: "Invalid client credentials",
			}
		}
	}
	return client, nil
}

func (h *Handler) exchangeCode(w http.ResponseWriter, r *http.Request, client *types.ClientInfo) {
	rawCode := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")
	if rawCode == "" || verifier == "" || redirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "code, code_verifier and redirect_uri are required",
		})
		return
	}

	// The code is consumed before anything about it is validated. A code
	// that fails PKCE or client binding is gone either way; it cannot be
	// retried with a fixed-up request.
	code, err := h.store.ConsumeAuthCode(rawCode)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) && !errors.Is(err, db.ErrConsumed) {
			h.log.WithError(err).Error("failed to consume authorization code")
		}
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Authorization code is invalid, expired, or already used",
		})
		return
	}

	if code.ClientID != client.ClientID {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Authorization code was issued to a different client",
		})
		return
	}
	if code.RedirectURI != redirectURI {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "redirect_uri does not match the authorization request",
		})
		return
	}
	if !verifyPKCE(code.CodeChallenge, verifier) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "code_verifier does not match the code challenge",
		})
		return
	}

	h.issueTokens(w, client.ClientID, code.UserID, strings.Join(code.Scope, " "), nil)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request, client *types.ClientInfo) {
	rawRefresh := r.PostForm.Get("refresh_token")
	if rawRefresh == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "refresh_token is required",
		})
		return
	}

	current, err := h.store.GetTokenByRefreshToken(rawRefresh)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Refresh token is invalid or expired",
		})
		return
	}
	if current.ClientID != client.ClientID {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_grant",
			ErrorDescription: "Refresh token was issued to a different client",
		})
		return
	}

	h.issueTokens(w, client.ClientID, current.UserID, current.Scope, &rawRefresh)
}

// issueTokens mints a fresh pair and persists it. When spentRefresh is set the
// pair replaces that refresh token atomically; losing the rotation race fails
// the grant.
func (h *Handler) issueTokens(w http.ResponseWriter, clientID, userID, scope string, spentRefresh *string) {
	access := encryption.GenerateRandomString(tokenLength)
	refresh := encryption.GenerateRandomString(tokenLength)
	data := &types.TokenData{
		AccessToken:           access,
		RefreshToken:          refresh,
		ClientID:              clientID,
		UserID:                userID,
		Scope:                 scope,
		ExpiresAt:             time.Now().Add(accessTokenTTL),
		RefreshTokenExpiresAt: time.Now().Add(refreshTokenTTL),
	}

	var err error
	if spentRefresh != nil {
		err = h.store.RotateRefreshToken(*spentRefresh, data)
	} else {
		err = h.store.StoreToken(data)
	}
	if err != nil {
		if errors.Is(err, db.ErrConsumed) {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            "invalid_grant",
				ErrorDescription: "Refresh token is invalid or expired",
			})
			return
		}
		h.log.WithError(err).Error("failed to store token pair")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to issue tokens",
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	handlerutils.JSON(w, http.StatusOK, types.TokenResponse{
		AccessToken:  access,
		TokenType:    "bearer",
		ExpiresIn:    int(accessTokenTTL / time.Second),
		RefreshToken: refresh,
		Scope:        scope,
	})
}

// verifyPKCE checks S256: base64url(sha256(verifier)) must equal the stored
// challenge.
func verifyPKCE(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
