package types

import (
	"time"
)

// Config holds all configuration values for the bridge server.
type Config struct {
	Host         string
	Port         string
	RoutePrefix  string
	DatabaseDSN  string
	MasterSecret string
	UpstreamURL  string
	ResourceName string
}

// ClientInfo represents an OAuth client created via dynamic registration.
// Rows are immutable after creation.
type ClientInfo struct {
	ClientID                string      `gorm:"primaryKey" json:"client_id"`
	ClientSecret            string      `json:"client_secret,omitempty"`
	RedirectUris            StringSlice `gorm:"type:text;not null" json:"redirect_uris"`
	ClientName              string      `json:"client_name,omitempty"`
	GrantTypes              StringSlice `gorm:"type:text" json:"grant_types,omitempty"`
	ResponseTypes           StringSlice `gorm:"type:text" json:"response_types,omitempty"`
	TokenEndpointAuthMethod string      `json:"token_endpoint_auth_method"`
	RegisteredAt            int64       `json:"client_id_issued_at,omitempty"`
}

// PendingAuthorization is an /authorize request waiting for the user to
// complete the login step. Consumed on successful login or swept after its TTL.
type PendingAuthorization struct {
	PendingID           string `gorm:"primaryKey"`
	ClientID            string `gorm:"not null;index"`
	RedirectURI         string `gorm:"not null"`
	CodeChallenge       string `gorm:"not null"`
	CodeChallengeMethod string `gorm:"not null"`
	State               string
	Scope               StringSlice `gorm:"type:text"`
	Resource            string
	ExpiresAt           time.Time `gorm:"not null;index"`
	CreatedAt           time.Time `gorm:"autoCreateTime"`
}

// AuthorizationCode is a one-time-use code bound to a client, a user and a
// PKCE challenge. The Code column holds a hash, never the raw value.
type AuthorizationCode struct {
	Code          string      `gorm:"primaryKey"`
	ClientID      string      `gorm:"not null;index"`
	UserID        string      `gorm:"not null"`
	RedirectURI   string      `gorm:"not null"`
	CodeChallenge string      `gorm:"not null"`
	Scope         StringSlice `gorm:"type:text"`
	ExpiresAt     time.Time   `gorm:"not null;index"`
	CreatedAt     time.Time   `gorm:"autoCreateTime"`
}

// TokenData is an issued access/refresh token pair. Both token columns hold
// hashes; the raw values appear only in the token response.
type TokenData struct {
	AccessToken           string `gorm:"primaryKey"`
	RefreshToken          string `gorm:"uniqueIndex"`
	ClientID              string `gorm:"not null;index"`
	UserID                string `gorm:"not null;index"`
	Scope                 string
	ExpiresAt             time.Time `gorm:"not null;index"`
	RefreshTokenExpiresAt time.Time `gorm:"not null"`
	CreatedAt             time.Time `gorm:"autoCreateTime"`
}

// UserCredential is a user's upstream API credential encrypted at rest.
// One row per user; the user ID is the OAuth subject. All three payload
// columns are base64-encoded.
type UserCredential struct {
	UserID     string    `gorm:"primaryKey"`
	Ciphertext string    `gorm:"not null"`
	IV         string    `gorm:"not null"`
	AuthTag    string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TokenInfo is the identity resolved from a verified access token.
type TokenInfo struct {
	UserID    string
	ClientID  string
	Scope     string
	ExpiresAt int64 // seconds since epoch
}

// AuthRequest represents the parameters of an /authorize request.
type AuthRequest struct {
	ResponseType        string `json:"response_type"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Resource            string `json:"resource,omitempty"`
}

// TokenResponse is the /token success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuthError is the standard OAuth 2.1 error payload.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// OAuthMetadata is the authorization server metadata document
// (RFC 8414, served at /.well-known/oauth-authorization-server).
type OAuthMetadata struct {
	Issuer                                   string   `json:"issuer"`
	AuthorizationEndpoint                    string   `json:"authorization_endpoint"`
	TokenEndpoint                            string   `json:"token_endpoint"`
	RegistrationEndpoint                     string   `json:"registration_endpoint"`
	RevocationEndpoint                       string   `json:"revocation_endpoint"`
	ResponseTypesSupported                   []string `json:"response_types_supported"`
	GrantTypesSupported                      []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported            []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported        []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethodsSupported   []string `json:"revocation_endpoint_auth_methods_supported"`
	RegistrationEndpointAuthMethodsSupported []string `json:"registration_endpoint_auth_methods_supported"`
	ScopesSupported                          []string `json:"scopes_supported,omitempty"`
}

// OAuthProtectedResourceMetadata names the authorization server protecting
// this resource (served at /.well-known/oauth-protected-resource).
type OAuthProtectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
	ScopesSupported      []string `json:"scopes_supported,omitempty"`
	ResourceName         string   `json:"resource_name,omitempty"`
}
