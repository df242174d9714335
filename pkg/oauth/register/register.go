// Package register implements RFC 7591 dynamic client registration.
package register

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/encryption"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

const maxBodySize = 64 * 1024

// Store is the subset of the database used by the registration endpoint.
type Store interface {
	StoreClient(client *types.ClientInfo) error
}

type request struct {
	RedirectUris            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type response struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectUris            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
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

	var req request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client_metadata",
			ErrorDescription: "Request body must be valid JSON",
		})
		return
	}

	if len(req.RedirectUris) == 0 {
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_redirect_uri",
			ErrorDescription: "At least one redirect_uri is required",
		})
		return
	}
	for _, raw := range req.RedirectUris {
		if !validRedirectURI(raw) {
			handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
				Error:            "invalid_redirect_uri",
				ErrorDescription: "Invalid redirect URI: " + raw,
			})
			return
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	switch authMethod {
	case "none", "client_secret_basic", "client_secret_post":
	default:
		handlerutils.JSON(w, http.StatusBadRequest, types.OAuthError{
			Error:            "invalid_client_metadata",
			ErrorDescription: "Unsupported token_endpoint_auth_method: " + authMethod,
		})
		return
	}

	client := &types.ClientInfo{
		ClientID:                uuid.NewString(),
		RedirectUris:            types.StringSlice(req.RedirectUris),
		ClientName:              req.ClientName,
		GrantTypes:              types.StringSlice(grantTypes),
		ResponseTypes:           types.StringSlice(responseTypes),
		TokenEndpointAuthMethod: authMethod,
		RegisteredAt:            time.Now().Unix(),
	}
	if authMethod != "none" {
		client.ClientSecret = encryption.GenerateRandomString(32)
	}

	if err := h.store.StoreClient(client); err != nil {
		h.log.WithError(err).Error("failed to store client registration")
		handlerutils.JSON(w, http.StatusInternalServerError, types.OAuthError{
			Error:            "server_error",
			ErrorDescription: "Failed to register client",
		})
		return
	}

	h.log.WithFields(logrus.Fields{
		"client_id":   client.ClientID,
		"client_name": client.ClientName,
	}).Info("registered client")

	handlerutils.JSON(w, http.StatusCreated, response{
		ClientID:                client.ClientID,
		ClientSecret:            client.ClientSecret,
		ClientIDIssuedAt:        client.RegisteredAt,
		RedirectUris:            req.RedirectUris,
		ClientName:              client.ClientName,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
	})
}

// validRedirectURI accepts absolute http(s) URIs and loopback custom-scheme
// URIs used by native clients.
func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "":
		return false
	case "http", "https":
		return u.Host != ""
	default:
		// Custom schemes for native apps (for example app://callback).
		return true
	}
}
