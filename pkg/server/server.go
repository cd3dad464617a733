package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/config"
	"github.com/platinummonkey/dormgate/pkg/gate"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// PermissionInvalidator drops cached permission decisions; rbac.Checker
// implements it
type PermissionInvalidator interface {
	Invalidate(ctx context.Context, path string)
	InvalidateAll(ctx context.Context)
}

// RulingLister reads the route_permissions rows for a route; rbac.Store
// implements it
type RulingLister interface {
	ListForPath(ctx context.Context, path string) ([]rbac.RoutePermission, error)
}

// DefaultRouteResolver maps a role to its landing path and can forget what
// it resolved; routing.DefaultRoutes implements it
type DefaultRouteResolver interface {
	Resolve(ctx context.Context, role auth.Role) string
	Purge()
}

// Options configures a Server
type Options struct {
	Engine      *gate.Engine
	Tables      routing.TableSource
	Profiles    session.ProfileSource
	NewProvider ProviderFactory
	Permissions PermissionInvalidator
	Rulings     RulingLister
	Defaults    DefaultRouteResolver
	Session     config.SessionConfig

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Server is the backend-for-frontend: it hosts one session store and
// redirect coordinator per browser and guards protected routes with the
// gate engine.
type Server struct {
	router       *mux.Router
	engine       *gate.Engine
	tables       routing.TableSource
	permissions  PermissionInvalidator
	rulings      RulingLister
	defaults     DefaultRouteResolver
	clients      *clientRegistry
	cookieName   string
	cookieSecure bool
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// New creates a server and registers its routes
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	cfg := opts.Session
	if cfg.CookieName == "" {
		cfg.CookieName = "dormgate_sid"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 5000
	}

	s := &Server{
		router:       mux.NewRouter(),
		engine:       opts.Engine,
		tables:       opts.Tables,
		permissions:  opts.Permissions,
		rulings:      opts.Rulings,
		defaults:     opts.Defaults,
		cookieName:   cfg.CookieName,
		cookieSecure: cfg.CookieSecure,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	s.clients = newClientRegistry(cfg.MaxClients, cfg.IdleTimeout, opts.NewProvider, opts.Profiles,
		opts.Tables, cfg.RedirectSettleTimeout, opts.Logger, opts.Metrics)

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes. Auth and admin endpoints are matched
// first; every other path goes through the gate.
func (s *Server) setupRoutes() {
	s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	s.router.Use(s.clientMiddleware)

	authRouter := s.router.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/sign-in", s.signIn).Methods("POST")
	authRouter.HandleFunc("/sign-up", s.signUp).Methods("POST")
	authRouter.HandleFunc("/sign-out", s.signOut).Methods("POST")
	authRouter.HandleFunc("/session", s.getSession).Methods("GET")
	authRouter.HandleFunc("/profile/refresh", s.refreshProfile).Methods("POST")
	authRouter.HandleFunc("/callback", s.callback).Methods("POST")
	authRouter.HandleFunc("/routes", s.listRoutes).Methods("GET")

	s.router.HandleFunc("/admin/permissions", s.listPermissions).Methods("GET")
	s.router.HandleFunc("/admin/permissions/invalidate", s.invalidatePermissions).Methods("POST")

	guard := s.engine.Middleware(func(r *http.Request) (gate.Settler, bool) {
		c, ok := clientFrom(r.Context())
		if !ok {
			return nil, false
		}
		return c.store, true
	})
	s.router.PathPrefix("/").Handler(guard(http.HandlerFunc(s.servePage))).Methods("GET", "HEAD")
}

// Handler returns the server wrapped in recovery, request context and
// tracing middleware
func (s *Server) Handler() http.Handler {
	h := httputil.Chain(s.router,
		observability.RecoveryMiddleware(s.logger),
		httputil.RequestContextMiddleware(s.logger),
	)
	return otelhttp.NewHandler(h, "dormgate")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Sessions returns the number of live browser sessions
func (s *Server) Sessions() int {
	return s.clients.len()
}

// Close disposes every browser session
func (s *Server) Close(ctx context.Context) error {
	s.clients.closeAll()
	return nil
}
