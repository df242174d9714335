// Package bridge is the composition root: it owns the database, the
// credential vault, the per-user client cache and the HTTP surface, and wires
// the OAuth endpoints around the protected tool dispatch.
package bridge

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/tasknexus/mcp-bridge/pkg/clientcache"
	"github.com/tasknexus/mcp-bridge/pkg/db"
	"github.com/tasknexus/mcp-bridge/pkg/handlerutils"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/authorize"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/login"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/register"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/revoke"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/ticket"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/token"
	"github.com/tasknexus/mcp-bridge/pkg/oauth/validate"
	"github.com/tasknexus/mcp-bridge/pkg/pipeline"
	"github.com/tasknexus/mcp-bridge/pkg/ratelimit"
	"github.com/tasknexus/mcp-bridge/pkg/types"
	"github.com/tasknexus/mcp-bridge/pkg/upstream"
	"github.com/tasknexus/mcp-bridge/pkg/vault"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	downstreamRate   = 10 // requests per second against the upstream
	downstreamBurst  = 20
	httpRateWindow   = time.Minute
	httpRateMax      = 100
	cleanupInterval  = time.Hour
)

var supportedScopes = []string{"okr:read", "okr:write"}

// Server is the bridge server.
type Server struct {
	config types.Config

	store       *db.Store
	vault       *vault.Vault
	cache       *clientcache.Cache
	validator   *validate.Validator
	rateLimiter *ratelimit.RateLimiter
	log         *logrus.Logger

	cancel context.CancelFunc
}

// New builds the server and all of its parts. The HTTP listener is not
// started; call Run, or mount Handler on an existing server.
func New(config types.Config, log *logrus.Logger) (*Server, error) {
	if config.MasterSecret == "" {
		return nil, errors.New("master secret is required")
	}
	if config.UpstreamURL == "" {
		return nil, errors.New("upstream URL is required")
	}

	store, err := db.New(config.DatabaseDSN, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	v, err := vault.New(config.MasterSecret, store, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open credential vault: %w", err)
	}

	// One breaker and one token bucket per upstream deployment, shared by
	// every per-user client.
	pipeCfg := pipeline.DefaultConfig()
	breaker := pipeline.NewBreaker(config.UpstreamURL, breakerThreshold, breakerCooldown, log)
	limiter := pipeline.NewLimiter(downstreamRate, downstreamBurst)
	cache := clientcache.New(v, func(credential string) *upstream.Client {
		return upstream.NewClient(config.UpstreamURL, credential, pipeCfg, breaker, limiter, log)
	}, clientcache.DefaultIdleTTL, log)

	return &Server{
		config:      config,
		store:       store,
		vault:       v,
		cache:       cache,
		validator:   validate.NewValidator(store, "", log),
		rateLimiter: ratelimit.NewRateLimiter(httpRateWindow, httpRateMax),
		log:         log,
	}, nil
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		context.AfterFunc(ctx, ticker.Stop)
		for range ticker.C {
			if err := s.store.CleanupExpired(); err != nil {
				s.log.WithError(err).Error("failed to clean up expired grants")
			}
		}
	}()

	srv := &http.Server{
		Addr:    net.JoinHostPort(s.config.Host, s.config.Port),
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("http shutdown did not complete cleanly")
		}
	}()

	s.log.WithField("addr", srv.Addr).Info("bridge server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the cache and the database.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.cache.Close()
	return s.store.Close()
}

// Handler builds the full HTTP surface with access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)
	return handlers.LoggingHandler(os.Stdout, mux)
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	prefix := s.config.RoutePrefix
	tickets := ticket.NewSigner(ticketKey(s.config.MasterSecret))

	authorizeHandler := authorize.NewHandler(s.store, tickets, prefix, s.log)
	loginHandler := login.NewHandler(s.store, s.vault, s.cache, tickets, s.config.UpstreamURL, s.config.ResourceName, s.log)
	tokenHandler := token.NewHandler(s.store, s.log)
	registerHandler := register.NewHandler(s.store, s.log)
	revokeHandler := revoke.NewHandler(s.store, s.log)

	mux.HandleFunc("GET "+prefix+"/health", s.withCORS(s.healthHandler))

	mux.HandleFunc("GET "+prefix+"/authorize", s.withCORS(s.withRateLimit(authorizeHandler)))
	mux.HandleFunc("POST "+prefix+"/authorize", s.withCORS(s.withRateLimit(authorizeHandler)))
	mux.HandleFunc("GET "+prefix+"/login", s.withCORS(s.withRateLimit(loginHandler)))
	mux.HandleFunc("POST "+prefix+"/login", s.withCORS(s.withRateLimit(loginHandler)))
	mux.HandleFunc("POST "+prefix+"/token", s.withCORS(s.withRateLimit(tokenHandler)))
	mux.HandleFunc("POST "+prefix+"/register", s.withCORS(s.withRateLimit(registerHandler)))
	mux.HandleFunc("POST "+prefix+"/revoke", s.withCORS(s.withRateLimit(revokeHandler)))

	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.withCORS(s.oauthMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.withCORS(s.protectedResourceMetadataHandler))
	mux.HandleFunc("GET /.well-known/oauth-protected-resource/{path...}", s.withCORS(s.protectedResourceMetadataHandler))

	mux.Handle("POST "+prefix+"/tools/{tool}", s.withCORS(s.withRateLimit(
		s.validator.Middleware(http.HandlerFunc(s.toolHandler)),
	)))
}

// ticketKey derives the login ticket HMAC key from the master secret so the
// two uses cannot collide.
func ticketKey(masterSecret string) []byte {
	sum := sha256.Sum256([]byte("login-ticket/" + masterSecret))
	return sum[:]
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With, mcp-protocol-version")
		w.Header().Set("Access-Control-Expose-Headers", "Content-Length, WWW-Authenticate")
		w.Header().Set("Access-Control-Max-Age", "43200")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *Server) withRateLimit(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter != nil {
			clientIP := handlerutils.GetClientIP(r)
			if !s.rateLimiter.Allow(clientIP) {
				handlerutils.JSON(w, http.StatusTooManyRequests, types.OAuthError{
					Error:            "too_many_requests",
					ErrorDescription: "Rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlerutils.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) oauthMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r)
	prefix := s.config.RoutePrefix

	handlerutils.JSON(w, http.StatusOK, &types.OAuthMetadata{
		Issuer:                                   baseURL,
		AuthorizationEndpoint:                    fmt.Sprintf("%s%s/authorize", baseURL, prefix),
		TokenEndpoint:                            fmt.Sprintf("%s%s/token", baseURL, prefix),
		RegistrationEndpoint:                     fmt.Sprintf("%s%s/register", baseURL, prefix),
		RevocationEndpoint:                       fmt.Sprintf("%s%s/revoke", baseURL, prefix),
		ResponseTypesSupported:                   []string{"code"},
		GrantTypesSupported:                      []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:            []string{"S256"},
		TokenEndpointAuthMethodsSupported:        []string{"none", "client_secret_basic", "client_secret_post"},
		RevocationEndpointAuthMethodsSupported:   []string{"none"},
		RegistrationEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                          supportedScopes,
	})
}

func (s *Server) protectedResourceMetadataHandler(w http.ResponseWriter, r *http.Request) {
	baseURL := handlerutils.GetBaseURL(r)
	resourceURL := baseURL + s.config.RoutePrefix

	handlerutils.JSON(w, http.StatusOK, types.OAuthProtectedResourceMetadata{
		Resource:             resourceURL,
		AuthorizationServers: []string{baseURL},
		ScopesSupported:      supportedScopes,
		ResourceName:         s.config.ResourceName,
	})
}
