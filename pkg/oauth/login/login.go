// Package login serves the credential entry form that stands in for an
// upstream identity provider. The user pastes their TaskNexus API key, the key
// is verified against the live API, sealed into the vault, and the OAuth flow
// resumes with a freshly minted authorization code.
package login

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/encryption"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/ticket"
	"github.com/tasknexus/mcp-bridge/pkg/pipeline"
	"github.com/tasknexus/mcp-bridge/pkg/types"
	"github.com/tasknexus/mcp-bridge/pkg/upstream"
)

const codeTTL = 10 * time.Minute

// Store is the subset of the database used by the login endpoint.
type Store interface {
	GetPendingAuth(pendingID string) (*types.PendingAuthorization, error)
	DeletePendingAuth(pendingID string) error
	StoreAuthCode(rawCode string, code *types.AuthorizationCode) error
}

// CredentialSink seals verified credentials. Satisfied by *vault.Vault.
type CredentialSink interface {
	Put(userID, credential string) error
}

// Invalidator drops any cached API client for a user so the next request is
// built from the credential just stored.
type Invalidator interface {
	Invalidate(userID string)
}

// Validate checks an API key against the upstream and resolves its account.
type Validate func(ctx context.Context, apiKey string) (*upstream.Account, error)

type Handler struct {
	store    Store
	vault    CredentialSink
	cache    Invalidator
	tickets  *ticket.Signer
	validate Validate
	resource string
	log      *logrus.Logger
}

// NewHandler wires the login endpoint. upstreamURL is used to verify submitted
// API keys; resource names the backend on the form.
func NewHandler(store Store, vault CredentialSink, cache Invalidator, tickets *ticket.Signer, upstreamURL, resource string, log *logrus.Logger) *Handler {
	return &Handler{
		store:   store,
		vault:   vault,
		cache:   cache,
		tickets: tickets,
		validate: func(ctx context.Context, apiKey string) (*upstream.Account, error) {
			return upstream.ValidateCredential(ctx, upstreamURL, apiKey)
		},
		resource: resource,
		log:      log,
	}
}

var formTemplate = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Connect to {{.Resource}}</title>
  <style>
    body { font-family: sans-serif; max-width: 26rem; margin: 4rem auto; padding: 0 1rem; }
    input[type=password] { width: 100%; padding: 0.5rem; margin: 0.5rem 0 1rem; }
    button { padding: 0.5rem 1.5rem; }
    .error { color: #b00020; margin-bottom: 1rem; }
  </style>
</head>
<body>
  <h1>Connect to {{.Resource}}</h1>
  <p>Enter your {{.Resource}} API key to authorize this client.</p>
  {{if .Error}}<p class="error">{{.Error}}</p>{{end}}
  <form method="POST">
    <input type="hidden" name="ticket" value="{{.Ticket}}">
    <label for="api_key">API key</label>
    <input type="password" id="api_key" name="api_key" autocomplete="off" autofocus required>
    <button type="submit">Authorize</button>
  </form>
</body>
</html>
`))

type formData struct {
	Resource string
	Ticket   string
	Error    string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveForm(w, r)
	case http.MethodPost:
		h.completeLogin(w, r)
	default:
		handlerutils.JSON(w, http.StatusMethodNotAllowed, types.OAuthError{
			Error:            "invalid_request",
			ErrorDescription: "Method not allowed",
		})
	}
}

func (h *Handler) serveForm(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ticket")
	if _, err := h.tickets.Verify(raw); err != nil {
		http.Error(w, "Invalid or expired login link. Restart the authorization from your client.", http.StatusBadRequest)
		return
	}
	h.renderForm(w, http.StatusOK, formData{Resource: h.resource, Ticket: raw})
}

func (h *Handler) completeLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	rawTicket := r.PostForm.Get("ticket")
	apiKey := r.PostForm.Get("api_key")

	pendingID, err := h.tickets.Verify(rawTicket)
	if err != nil {
		http.Error(w, "Invalid or expired login link. Restart the authorization from your client.", http.StatusBadRequest)
		return
	}
	pending, err := h.store.GetPendingAuth(pendingID)
	if err != nil {
		http.Error(w, "This authorization attempt has expired. Restart it from your client.", http.StatusBadRequest)
		return
	}

	if apiKey == "" {
		h.renderForm(w, http.StatusUnprocessableEntity, formData{
			Resource: h.resource,
			Ticket:   rawTicket,
			Error:    "API key is required.",
		})
		return
	}

	account, err := h.validate(r.Context(), apiKey)
	if err != nil {
		// A rejected key keeps the pending authorization alive so the user
		// can correct a paste error without restarting the flow.
		if pipeline.KindOf(err) == pipeline.KindAuth {
			h.renderForm(w, http.StatusUnauthorized, formData{
				Resource: h.resource,
				Ticket:   rawTicket,
				Error:    "That API key was rejected. Check it and try again.",
			})
			return
		}
		h.log.WithError(err).Error("credential verification against upstream failed")
		h.renderForm(w, http.StatusBadGateway, formData{
			Resource: h.resource,
			Ticket:   rawTicket,
			Error:    "Could not reach " + h.resource + " to verify the key. Try again shortly.",
		})
		return
	}

	if err := h.vault.Put(account.UserID, apiKey); err != nil {
		h.log.WithError(err).Error("failed to store credential")
		http.Error(w, "Failed to store credential", http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(account.UserID)
	}

	rawCode := encryption.GenerateRandomString(32)
	code := &types.AuthorizationCode{
		ClientID:      pending.ClientID,
		UserID:        account.UserID,
		RedirectURI:   pending.RedirectURI,
		CodeChallenge: pending.CodeChallenge,
		Scope:         pending.Scope,
		ExpiresAt:     time.Now().Add(codeTTL),
	}
	if err := h.store.StoreAuthCode(rawCode, code); err != nil {
		h.log.WithError(err).Error("failed to store authorization code")
		http.Error(w, "Failed to complete authorization", http.StatusInternalServerError)
		return
	}
	if err := h.store.DeletePendingAuth(pendingID); err != nil && !errors.Is(err, db.ErrNotFound) {
		h.log.WithError(err).Warn("failed to delete pending authorization")
	}

	redirect, err := url.Parse(pending.RedirectURI)
	if err != nil {
		http.Error(w, "Invalid redirect URI", http.StatusInternalServerError)
		return
	}
	q := redirect.Query()
	q.Set("code", rawCode)
	if pending.State != "" {
		q.Set("state", pending.State)
	}
	redirect.RawQuery = q.Encode()

	h.log.WithFields(logrus.Fields{
		"user_id":   account.UserID,
		"client_id": pending.ClientID,
	}).Info("login completed, redirecting back to client")
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (h *Handler) renderForm(w http.ResponseWriter, status int, data formData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := formTemplate.Execute(w, data); err != nil {
		h.log.WithError(err).Error("failed to render login form")
	}
}

// SetValidate replaces the upstream credential check, for tests.
func (h *Handler) SetValidate(fn Validate) {
	h.validate = fn
}
