// Package authorize implements the OAuth authorization endpoint. It validates
// the client's request, parks it as a pending authorization, and redirects the
// browser to the login form with a signed ticket referencing the pending entry.
package authorize

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/ticket"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

const pendingTTL = 10 * time.Minute

// code_verifier is 43-128 chars per RFC 7636; a base64url SHA-256 challenge is
// always 43, but registration-time clients may send anything, so bound it.
const (
	minChallengeLength = 43
	maxChallengeLength = 128
)

// Store is the subset of the database used by the authorization endpoint.
type Store interface {
	GetClient(clientID string) (*types.ClientInfo, error)
	StorePendingAuth(pending *types.PendingAuthorization) error
}

type Handler struct {
	store       Store
	tickets     *ticket.Signer
	routePrefix string
	log         *logrus.Logger
}

func NewHandler(store Store, tickets *ticket.Signer, routePrefix string, log *logrus.Logger) *Handler {
	return &Handler{store: store, tickets: tickets, routePrefix: routePrefix, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Method not allowed",
		})
		return
	}
	if err := r.ParseForm(); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Failed to parse request parameters",
		})
		return
	}

	q := r.Form
	req := types.AuthRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}

	if req.ClientID == "" || req.RedirectURI == "" {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "client_id and redirect_uri are required",
		})
		return
	}

	client, err := h.store.GetClient(req.ClientID)
	if err != nil || client == nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Unknown client",
		})
		return
	}

	// The redirect URI must exactly match one registered for the client.
	// Nothing may be redirected to an unvalidated URI, so mismatches are
	// returned directly instead of via redirect.
	if !registeredRedirect(client, req.RedirectURI) {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "redirect_uri is not registered for this client",
		})
		return
	}

	if req.ResponseType != "code" {
		redirectError(w, r, req.RedirectURI, req.State, "unsupported_response_type", "Only response_type=code is supported")
		return
	}
	if req.CodeChallenge == "" {
		redirectError(w, r, req.RedirectURI, req.State, "invalid_request", "code_challenge is required")
		return
	}
	if req.CodeChallengeMethod != "S256" {
		// "plain" is deliberately not accepted.
		redirectError(w, r, req.RedirectURI, req.State, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if len(req.CodeChallenge) < minChallengeLength || len(req.CodeChallenge) > maxChallengeLength {
		redirectError(w, r, req.RedirectURI, req.State, "invalid_request", "code_challenge length is invalid")
		return
	}

	var scope types.StringSlice
	if req.Scope != "" {
		scope = types.StringSlice(splitScope(req.Scope))
	}

	pending := &types.PendingAuthorization{
		PendingID:           uuid.NewString(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Scope:               scope,
		Resource:            req.Resource,
		ExpiresAt:           time.Now().Add(pendingTTL),
	}
	if err := h.store.StorePendingAuth(pending); err != nil {
		h.log.WithError(err).Error("failed to store pending authorization")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to start authorization",
		})
		return
	}

	loginTicket, err := h.tickets.Issue(pending.PendingID)
	if err != nil {
		h.log.WithError(err).Error("failed to issue login ticket")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to start authorization",
		})
		return
	}

	loginURL := handlerutils.GetBaseURL(r) + h.routePrefix + "/login?ticket=" + url.QueryEscape(loginTicket)
	http.Redirect(w, r, loginURL, http.StatusFound)
}

func registeredRedirect(client *types.ClientInfo, redirectURI string) bool {
	for _, uri := range client.RedirectUris {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

// redirectError reports a validated-client error back on the redirect URI per
// RFC 6749 section 4.1.2.1.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            code,
			ErrorDescription: description,
		})
		return
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func splitScope(raw string) []string {
	return strings.Fields(raw)
}
