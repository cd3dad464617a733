package gate

import (
	"context"
	"net/url"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// State is a gate state
type State string

const (
	// StateAuthLoading: session or profile not settled, nothing decided
	StateAuthLoading State = "auth_loading"
	// StatePermissionLoading: signed in, permission check in flight; the
	// route renders optimistically
	StatePermissionLoading State = "permission_loading"
	// StateUnauthenticated: no session, redirect to the area login
	StateUnauthenticated State = "unauthenticated"
	// StateAuthorized: render the route
	StateAuthorized State = "authorized"
	// StateDenied: permission refused; Redirect is empty while the default
	// route is being resolved
	StateDenied State = "denied"
)

// Outcome is what a gate tells its page to do
type Outcome struct {
	// Path is the requested path this outcome belongs to
	Path  string
	State State
	// Render is true when the route's content may be shown
	Render bool
	// Redirect is the navigation to issue, if any
	Redirect string
	// From is the requested path preserved across a login redirect
	From     string
	Role     auth.Role
	Decision *rbac.Decision
}

// Final reports whether the outcome will not change for this path and identity
func (o Outcome) Final() bool {
	switch o.State {
	case StateAuthorized, StateUnauthenticated:
		return true
	case StateDenied:
		return o.Redirect != ""
	}
	return false
}

// LoginURL returns the redirect with the requested path attached as "from"
func (o Outcome) LoginURL() string {
	if o.State != StateUnauthenticated || o.From == "" {
		return o.Redirect
	}
	return o.Redirect + "?" + url.Values{"from": {o.From}}.Encode()
}

// PermissionChecker resolves route permissions; rbac.Checker implements it
type PermissionChecker interface {
	Check(ctx context.Context, check rbac.RouteCheck) rbac.Decision
}

// DefaultRouteResolver maps a role to its landing path; routing.DefaultRoutes
// implements it
type DefaultRouteResolver interface {
	Resolve(ctx context.Context, role auth.Role) string
}

// Options configures an Engine
type Options struct {
	Permissions PermissionChecker
	Defaults    DefaultRouteResolver
	Tables      routing.TableSource
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// Engine evaluates routes against a session state. It is shared by every
// gate and is safe for concurrent use.
type Engine struct {
	permissions PermissionChecker
	defaults    DefaultRouteResolver
	tables      routing.TableSource
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewEngine creates a gate engine
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &Engine{
		permissions: opts.Permissions,
		defaults:    opts.Defaults,
		tables:      opts.Tables,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// authLoading reports whether nothing can be decided yet: the store is
// initializing, or a signed-in user's first profile load is in flight
func authLoading(st session.State) bool {
	return st.Loading || (st.Session != nil && st.ProfileLoading && st.Profile == nil)
}

// start computes the outcome before any permission check. A path without a
// protected route is public and authorized at once.
func (e *Engine) start(st session.State, path string) (Outcome, routing.Route, bool) {
	table := e.tables.Current()
	route, protected := table.Match(path)
	if !protected {
		return Outcome{Path: path, State: StateAuthorized, Render: true, Role: st.Role}, route, false
	}

	switch {
	case authLoading(st):
		return Outcome{Path: path, State: StateAuthLoading}, route, false
	case st.Session == nil:
		return Outcome{
			Path:     path,
			State:    StateUnauthenticated,
			Redirect: table.LoginFor(path),
			From:     path,
		}, route, false
	}
	return Outcome{Path: path, State: StatePermissionLoading, Render: true, Role: st.Role}, route, true
}

func (e *Engine) check(ctx context.Context, route routing.Route, role auth.Role) rbac.Decision {
	return e.permissions.Check(ctx, rbac.RouteCheck{
		Path:          route.Path,
		Role:          role,
		AllowedRoles:  route.AllowedRoles,
		CheckDatabase: route.CheckDatabase,
	})
}

// deniedTarget resolves where a denied role goes. A target equal to the
// denied path would loop, so the table fallback is used instead.
func (e *Engine) deniedTarget(ctx context.Context, path string, role auth.Role) string {
	table := e.tables.Current()
	target := e.defaults.Resolve(ctx, role)
	if target == path {
		e.logger.WithField("route", path).WithField("role", role).Warn("default route is the denied route, using fallback")
		target = table.Fallback
	}
	if target == "" {
		target = "/"
	}
	return target
}

// Evaluate runs a route to its final outcome against a settled state. It
// waits for the permission check and the default route instead of
// rendering optimistically.
func (e *Engine) Evaluate(ctx context.Context, st session.State, path string) Outcome {
	out, route, needsCheck := e.start(st, path)
	if needsCheck {
		d := e.check(ctx, route, st.Role)
		out.Decision = &d
		if d.Allowed {
			out.State = StateAuthorized
		} else {
			out.State = StateDenied
			out.Render = false
			out.Redirect = e.deniedTarget(ctx, path, st.Role)
		}
	}
	if out.Final() {
		e.metrics.RecordGateOutcome(string(out.State))
	}
	return out
}
