// Package revoke implements RFC 7009 token revocation. Per the RFC the
// endpoint returns 200 whether or not the presented token existed, so callers
// cannot probe for live tokens.
package revoke

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

// Store is the subset of the database used by the revocation endpoint.
type Store interface {
	RevokeToken(rawToken string) error
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

	token := r.PostForm.Get("token")
	if token == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "token is required",
		})
		return
	}

	// token_type_hint is accepted and ignored; the store checks both kinds.
	if err := h.store.RevokeToken(token); err != nil {
		h.log.WithError(err).Error("failed to revoke token")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to revoke token",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
}
