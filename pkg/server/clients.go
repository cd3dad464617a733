package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/dormgate/pkg/contextkeys"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/redirect"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// ProviderFactory creates the identity provider for one new browser session
type ProviderFactory func(ctx context.Context) (identity.Provider, error)

// navigation is a redirect the coordinator issued and the browser has not
// yet picked up
type navigation struct {
	Path   string          `json:"path"`
	Reason redirect.Reason `json:"reason"`
}

// navigator is the browser's location as the server knows it. The browser
// reports its path with auth requests and by loading protected routes.
type navigator struct {
	mu      sync.Mutex
	current string
	pending *navigation
}

func (n *navigator) CurrentPath() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

func (n *navigator) Navigate(path string, reason redirect.Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = path
	n.pending = &navigation{Path: path, Reason: reason}
}

// visit records the browser's location; an empty path is ignored
func (n *navigator) visit(path string) {
	if path == "" {
		return
	}
	n.mu.Lock()
	n.current = path
	n.mu.Unlock()
}

// take returns and clears the pending navigation
func (n *navigator) take() *navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	p := n.pending
	n.pending = nil
	return p
}

// client is the engine instance of one browser session
type client struct {
	id          string
	provider    identity.Provider
	store       *session.Store
	nav         *navigator
	coordinator *redirect.Coordinator
}

func (c *client) close() {
	c.coordinator.Close()
	c.store.Dispose()
}

// clientRegistry holds the browser sessions keyed by cookie id. Sessions
// idle for longer than the TTL are disposed.
type clientRegistry struct {
	clients     *expirable.LRU[string, *client]
	newProvider ProviderFactory
	profiles    session.ProfileSource
	tables      routing.TableSource
	settle      time.Duration
	logger      *observability.Logger
	metrics     *observability.Metrics
}

func newClientRegistry(size int, ttl time.Duration, newProvider ProviderFactory, profiles session.ProfileSource,
	tables routing.TableSource, settle time.Duration, logger *observability.Logger, metrics *observability.Metrics) *clientRegistry {
	r := &clientRegistry{
		newProvider: newProvider,
		profiles:    profiles,
		tables:      tables,
		settle:      settle,
		logger:      logger,
		metrics:     metrics,
	}
	r.clients = expirable.NewLRU[string, *client](size, r.evicted, ttl)
	return r
}

func (r *clientRegistry) evicted(id string, c *client) {
	c.close()
	r.metrics.SessionClosed()
	r.logger.WithField("client_id", id).Debug("browser session closed")
}

// get returns the session for id and resets its idle timer
func (r *clientRegistry) get(id string) (*client, bool) {
	c, ok := r.clients.Get(id)
	if !ok {
		return nil, false
	}
	r.clients.Add(id, c)
	return c, true
}

// create starts a new browser session and loads its current state
func (r *clientRegistry) create(ctx context.Context) (*client, error) {
	provider, err := r.newProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}

	id := uuid.NewString()
	logger := r.logger.WithField("client_id", id)
	store := session.NewStore(provider, r.profiles, session.Options{Logger: logger, Metrics: r.metrics})
	nav := &navigator{}
	c := &client{
		id:       id,
		provider: provider,
		store:    store,
		nav:      nav,
		coordinator: redirect.NewCoordinator(store, r.tables, nav, redirect.Options{
			SettleTimeout: r.settle,
			Logger:        logger,
			Metrics:       r.metrics,
		}),
	}
	store.Init(ctx)

	r.clients.Add(id, c)
	r.metrics.SessionOpened()
	logger.Debug("browser session opened")
	return c, nil
}

// closeAll disposes every session
func (r *clientRegistry) closeAll() {
	r.clients.Purge()
}

func (r *clientRegistry) len() int {
	return r.clients.Len()
}

// lookup finds the session named by the request's cookie
func (s *Server) lookup(r *http.Request) (*client, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	return s.clients.get(cookie.Value)
}

// ensureClient returns the request's session, creating one and setting its
// cookie when the browser has none
func (s *Server) ensureClient(w http.ResponseWriter, r *http.Request) (*client, error) {
	if c, ok := clientFrom(r.Context()); ok {
		return c, nil
	}
	c, err := s.clients.create(r.Context())
	if err != nil {
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    c.id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return c, nil
}

// clientMiddleware attaches the request's browser session, if any, to the
// request context
func (s *Server) clientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := s.lookup(r); ok {
			r = r.WithContext(contextkeys.WithClient(r.Context(), c))
		}
		next.ServeHTTP(w, r)
	})
}

// clientFrom returns the browser session attached by clientMiddleware
func clientFrom(ctx context.Context) (*client, bool) {
	c, ok := ctx.Value(contextkeys.ClientKey).(*client)
	return c, ok && c != nil
}
