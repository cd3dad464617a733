package routing

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/rbac"
)

// AllowedRouteSource finds the first route a role is explicitly allowed to
// open under a prefix. It returns rbac.ErrNoRuling when there is none.
type AllowedRouteSource interface {
	FirstAllowedRoute(ctx context.Context, role auth.Role, prefix string) (string, error)
}

// DefaultRouteOptions configures DefaultRoutes
type DefaultRouteOptions struct {
	// TTL is how long a resolved path is reused (default 5m)
	TTL time.Duration
	// Source is consulted for staff sub-roles without a table entry. Optional.
	Source  AllowedRouteSource
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// DefaultRoutes resolves the landing path for a role
type DefaultRoutes struct {
	tables  TableSource
	source  AllowedRouteSource
	cache   *expirable.LRU[auth.Role, string]
	group   singleflight.Group
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDefaultRoutes creates a resolver over the route table
func NewDefaultRoutes(tables TableSource, opts DefaultRouteOptions) *DefaultRoutes {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}
	return &DefaultRoutes{
		tables:  tables,
		source:  opts.Source,
		cache:   expirable.NewLRU[auth.Role, string](len(auth.AllRoles())+1, nil, opts.TTL),
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Resolve returns the landing path for role. It never returns "".
func (d *DefaultRoutes) Resolve(ctx context.Context, role auth.Role) string {
	if path, ok := d.cache.Get(role); ok {
		d.metrics.RecordDefaultRoute("cache")
		return path
	}

	v, _, _ := d.group.Do(string(role), func() (interface{}, error) {
		path, origin, cacheable := d.resolve(ctx, role)
		if path == "" {
			path, origin, cacheable = "/", "fallback", false
		}
		if cacheable {
			d.cache.Add(role, path)
		}
		d.metrics.RecordDefaultRoute(origin)
		return path, nil
	})
	return v.(string)
}

func (d *DefaultRoutes) resolve(ctx context.Context, role auth.Role) (path, origin string, cacheable bool) {
	table := d.tables.Current()
	if p := table.Defaults[role]; p != "" {
		return p, "table", true
	}

	cacheable = true
	if role.IsStaffSubRole() && d.source != nil {
		admin, _ := table.Area(AreaAdmin)
		p, err := d.source.FirstAllowedRoute(ctx, role, strings.TrimSuffix(admin.Prefix, "/")+"/")
		switch {
		case err == nil:
			return p, "source", true
		case !errors.Is(err, rbac.ErrNoRuling):
			d.logger.WithError(err).WithField("role", role).Warn("default route lookup failed, using route table")
			cacheable = false
		}
	}

	p := table.DefaultFor(role)
	if p == table.Fallback {
		return p, "fallback", cacheable
	}
	return p, "table", cacheable
}

// Purge forgets every resolved path, e.g. after the route table changed
func (d *DefaultRoutes) Purge() {
	d.cache.Purge()
}
