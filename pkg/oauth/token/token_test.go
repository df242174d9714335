package token

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newTestHandler(t *testing.T) (*Handler, *db.Store) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	store, err := db.New(filepath.Join(t.TempDir(), "token.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewHandler(store, log), store
}

func storePublicClient(t *testing.T, store *db.Store) {
	t.Helper()
	require.NoError(t, store.StoreClient(&types.ClientInfo{
		ClientID:                "client-1",
		RedirectUris:            types.StringSlice{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "none",
	}))
}

func storeCode(t *testing.T, store *db.Store, raw, clientID string) {
	t.Helper()
	require.NoError(t, store.StoreAuthCode(raw, &types.AuthorizationCode{
		ClientID:      clientID,
		UserID:        "user-1",
		RedirectURI:   "https://app.example.com/callback",
		CodeChallenge: challengeFor(testVerifier),
		Scope:         types.StringSlice{"okr:read"},
		ExpiresAt:     time.Now().Add(10 * time.Minute),
	}))
}

func postForm(h *Handler, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) types.TokenResponse {
	t.Helper()
	var resp types.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.OAuthError {
	t.Helper()
	var resp types.OAuthError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCodeExchange(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	rec := postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	require.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	resp := decodeToken(t, rec)
	assert.Equal(t, "bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "okr:read", resp.Scope)

	// The minted access token resolves to the code's user.
	data, err := store.GetToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", data.UserID)
	assert.Equal(t, "client-1", data.ClientID)
}

func TestCodeIsSingleUse(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	}
	require.Equal(t, 200, postForm(h, form).Code)

	rec := postForm(h, form)
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)
}

func TestPKCEMismatchConsumesCode(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	rec := postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verifier"},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)

	// The failed attempt burned the code: retrying with the right verifier
	// cannot succeed.
	rec = postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)
}

func TestCodeBoundToClient(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	require.NoError(t, store.StoreClient(&types.ClientInfo{
		ClientID:                "client-2",
		RedirectUris:            types.StringSlice{"https://other.example.com/callback"},
		TokenEndpointAuthMethod: "none",
	}))
	storeCode(t, store, "raw-code", "client-1")

	rec := postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-2"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://other.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)
}

func TestMissingVerifierRejected(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	rec := postForm(h, url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {"client-1"},
		"code":         {"raw-code"},
		"redirect_uri": {"https://app.example.com/callback"},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec).Error)
}

func TestWrongRedirectURIRejected(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	rec := postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://evil.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)
}

func TestRefreshRotation(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)
	storeCode(t, store, "raw-code", "client-1")

	first := decodeToken(t, postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	}))

	rec := postForm(h, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"refresh_token": {first.RefreshToken},
	})
	require.Equal(t, 200, rec.Code, rec.Body.String())
	second := decodeToken(t, rec)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, "okr:read", second.Scope)

	// The old pair is dead: access token gone, refresh token replay fails.
	_, err := store.GetToken(first.AccessToken)
	assert.ErrorIs(t, err, db.ErrNotFound)

	rec = postForm(h, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {"client-1"},
		"refresh_token": {first.RefreshToken},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec).Error)

	// The rotated pair still works.
	data, err := store.GetToken(second.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", data.UserID)
}

func TestConfidentialClientNeedsSecret(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.StoreClient(&types.ClientInfo{
		ClientID:                "client-conf",
		ClientSecret:            "s3cret",
		RedirectUris:            types.StringSlice{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_post",
	}))
	storeCode(t, store, "raw-code", "client-conf")

	rec := postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-conf"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec).Error)

	rec = postForm(h, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-conf"},
		"client_secret": {"s3cret"},
		"code":          {"raw-code"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {testVerifier},
	})
	assert.Equal(t, 200, rec.Code, rec.Body.String())
}

func TestUnsupportedGrantType(t *testing.T) {
	h, store := newTestHandler(t)
	storePublicClient(t, store)

	rec := postForm(h, url.Values{
		"grant_type": {"password"},
		"client_id":  {"client-1"},
	})
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "unsupported_grant_type", decodeError(t, rec).Error)
}

func TestUnknownClientRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := postForm(h, url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {"ghost"},
		"code":       {"raw-code"},
	})
	assert.Equal(t, 401, rec.Code)
	assert.Equal(t, "invalid_client", decodeError(t, rec).Error)
}
