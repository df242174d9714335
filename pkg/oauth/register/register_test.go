package register

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/types"
)

func newTestHandler(t *testing.T) (*Handler, *db.Store) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	store, err := db.New(filepath.Join(t.TempDir(), "register.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewHandler(store, log), store
}

func post(h *Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterPublicClient(t *testing.T) {
	h, store := newTestHandler(t)

	rec := post(h, `{"redirect_uris":["https://app.example.com/callback"],"client_name":"Test App"}`)
	require.Equal(t, 201, rec.Code, rec.Body.String())

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.Empty(t, resp.ClientSecret)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)

	stored, err := store.GetClient(resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Test App", stored.ClientName)
	assert.Equal(t, types.StringSlice{"https://app.example.com/callback"}, stored.RedirectUris)
}

func TestRegisterConfidentialClientGetsSecret(t *testing.T) {
	h, store := newTestHandler(t)

	rec := post(h, `{"redirect_uris":["https://app.example.com/callback"],"token_endpoint_auth_method":"client_secret_post"}`)
	require.Equal(t, 201, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientSecret)

	stored, err := store.GetClient(resp.ClientID)
	require.NoError(t, err)
	assert.Equal(t, resp.ClientSecret, stored.ClientSecret)
}

func TestRegisterRequiresRedirectURIs(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, `{"client_name":"No URIs"}`)
	assert.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_redirect_uri")
}

func TestRegisterRejectsBadRedirectURI(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, body := range []string{
		`{"redirect_uris":["not a uri at all ::"]}`,
		`{"redirect_uris":["http://"]}`,
	} {
		rec := post(h, body)
		assert.Equal(t, 400, rec.Code, body)
	}
}

func TestRegisterRejectsUnknownAuthMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, `{"redirect_uris":["https://app.example.com/callback"],"token_endpoint_auth_method":"private_key_jwt"}`)
	assert.Equal(t, 400, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client_metadata")
}

func TestRegisterRejectsMalformedJSON(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := post(h, `{"redirect_uris":`)
	assert.Equal(t, 400, rec.Code)
}
