package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/observability"
)

// PermissionStore is the remote route_permissions lookup
type PermissionStore interface {
	Lookup(ctx context.Context, path string, role auth.Role) (bool, error)
}

// Options configures a Checker
type Options struct {
	// FreshTTL is how long a decision is served without a new lookup (default 5m)
	FreshTTL time.Duration
	// EvictTTL drops a decision that has not been read for this long (default 10m)
	EvictTTL time.Duration
	// Size bounds the number of remembered decisions (default 10000)
	Size int
	// RetryInterval is the pause before the single retry of a failed lookup
	RetryInterval time.Duration
	// Shared is an optional cache shared with other replicas
	Shared SharedCache

	Logger  *observability.Logger
	Metrics *observability.Metrics
	// Now overrides the clock used for freshness
	Now func() time.Time
}

// Checker resolves route permissions.
//
// Precedence for a database-checked route, first match wins:
//  1. a (path, role) row, for every role including staff sub-roles
//  2. for a staff sub-role:
//     a. not in the static set: denied, without consulting staff rows
//     b. a (path, staff) row
//     c. otherwise allowed
//  3. membership in the static set
//
// A lookup that fails after one retry falls back to static membership.
// Check never returns an error.
type Checker struct {
	store   PermissionStore
	shared  SharedCache
	cache   *expirable.LRU[string, cacheEntry]
	group   singleflight.Group
	fresh   time.Duration
	retry   time.Duration
	now     func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	// generation is bumped by invalidation so lookups and cache hits that
	// started before it do not repopulate the cache. mu orders generation
	// checks against cache writes.
	mu         sync.Mutex
	generation atomic.Uint64
}

// NewChecker creates a permission checker over store
func NewChecker(store PermissionStore, opts Options) *Checker {
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = 5 * time.Minute
	}
	if opts.EvictTTL < opts.FreshTTL {
		opts.EvictTTL = 2 * opts.FreshTTL
	}
	if opts.Size <= 0 {
		opts.Size = 10000
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	return &Checker{
		store:   store,
		shared:  opts.Shared,
		cache:   expirable.NewLRU[string, cacheEntry](opts.Size, nil, opts.EvictTTL),
		fresh:   opts.FreshTTL,
		retry:   opts.RetryInterval,
		now:     opts.Now,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  observability.Tracer("rbac"),
	}
}

// Check decides whether check.Role may open check.Path
func (c *Checker) Check(ctx context.Context, check RouteCheck) Decision {
	static := check.AllowedRoles.Contains(check.Role)

	if !check.CheckDatabase || check.Role == "" {
		return c.record(Decision{Allowed: static, Source: SourceStatic})
	}

	key := cacheKey(check.Path, check.Role)
	gen := c.generation.Load()
	if entry, ok := c.cache.Get(key); ok && c.isFresh(entry.resolvedAt) {
		// Re-adding resets the disuse timer. An entry invalidated since it
		// was read is treated as a miss.
		if c.addIfCurrent(key, entry, gen) {
			c.metrics.RecordCache("hit")
			return c.record(Decision{Allowed: entry.allowed, Source: entry.source, Cached: true})
		}
	}
	c.metrics.RecordCache("miss")

	// Callers share the lookup, so one caller going away must not cancel it
	shared := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		return c.resolve(shared, check, static), nil
	})
	return c.record(v.(Decision))
}

// addIfCurrent caches entry unless an invalidation happened since gen
func (c *Checker) addIfCurrent(key string, entry cacheEntry, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation.Load() != gen {
		return false
	}
	c.cache.Add(key, entry)
	return true
}

func (c *Checker) isFresh(resolvedAt time.Time) bool {
	return c.now().Sub(resolvedAt) < c.fresh
}

func (c *Checker) record(d Decision) Decision {
	c.metrics.RecordDecision(string(d.Source), d.Allowed)
	return d
}

// resolve runs the precedence rules against the shared cache and the store
func (c *Checker) resolve(ctx context.Context, check RouteCheck, static bool) Decision {
	gen := c.generation.Load()

	if d, ok := c.fromShared(ctx, check, gen); ok {
		return d
	}

	logger := c.logger.WithField("route", check.Path).WithField("role", check.Role)

	allowed, err := c.lookup(ctx, "explicit", check.Path, check.Role)
	switch {
	case err == nil:
		return c.remember(ctx, check, gen, Decision{Allowed: allowed, Source: SourceExplicit})
	case !errors.Is(err, ErrNoRuling):
		logger.WithError(err).Warn("route permission lookup failed, using static roles")
		return Decision{Allowed: static, Source: SourceFallback}
	}

	if !check.Role.IsStaffSubRole() {
		return c.remember(ctx, check, gen, Decision{Allowed: static, Source: SourceStatic})
	}

	if !static {
		return c.remember(ctx, check, gen, Decision{Allowed: false, Source: SourceSubRoleFloor})
	}

	allowed, err = c.lookup(ctx, "staff", check.Path, auth.RoleStaff)
	switch {
	case err == nil:
		return c.remember(ctx, check, gen, Decision{Allowed: allowed, Source: SourceStaffRow})
	case errors.Is(err, ErrNoRuling):
		return c.remember(ctx, check, gen, Decision{Allowed: true, Source: SourceSubRoleDefault})
	default:
		logger.WithError(err).Warn("staff route permission lookup failed, using static roles")
		return Decision{Allowed: static, Source: SourceFallback}
	}
}

// lookup queries the store with one retry on transport failure.
// ErrNoRuling is returned without retrying.
func (c *Checker) lookup(ctx context.Context, kind, path string, role auth.Role) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "rbac.lookup", trace.WithAttributes(
		attribute.String("route.path", path),
		attribute.String("rbac.role", string(role)),
		attribute.String("rbac.kind", kind),
	))
	defer span.End()

	start := time.Now()
	var allowed bool
	op := func() error {
		var err error
		allowed, err = c.store.Lookup(ctx, path, role)
		if errors.Is(err, ErrNoRuling) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retry), 1), ctx)
	err := backoff.Retry(op, policy)

	result := "found"
	switch {
	case errors.Is(err, ErrNoRuling):
		result = "no_rows"
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.SetAttributes(attribute.Bool("rbac.allowed", allowed))
	}
	c.metrics.RecordLookup(kind, result, time.Since(start))

	return allowed, err
}

// remember caches a decision unless an invalidation happened since gen
func (c *Checker) remember(ctx context.Context, check RouteCheck, gen uint64, d Decision) Decision {
	resolvedAt := c.now()
	if !c.addIfCurrent(cacheKey(check.Path, check.Role), cacheEntry{allowed: d.Allowed, source: d.Source, resolvedAt: resolvedAt}, gen) {
		return d
	}

	if c.shared != nil {
		entry := SharedEntry{Allowed: d.Allowed, Source: d.Source, ResolvedAt: resolvedAt}
		if err := c.shared.Set(ctx, check.Path, check.Role, entry, c.fresh); err != nil {
			c.logger.WithError(err).Warn("shared permission cache write failed")
		}
	}
	return d
}

// fromShared consults the shared cache, failing open on errors
func (c *Checker) fromShared(ctx context.Context, check RouteCheck, gen uint64) (Decision, bool) {
	if c.shared == nil {
		return Decision{}, false
	}

	entry, found, err := c.shared.Get(ctx, check.Path, check.Role)
	if err != nil {
		c.logger.WithError(err).Warn("shared permission cache read failed")
		c.metrics.RecordCache("shared_error")
		return Decision{}, false
	}
	if !found || !c.isFresh(entry.ResolvedAt) {
		c.metrics.RecordCache("shared_miss")
		return Decision{}, false
	}
	c.metrics.RecordCache("shared_hit")

	c.addIfCurrent(cacheKey(check.Path, check.Role), cacheEntry{
		allowed:    entry.Allowed,
		source:     entry.Source,
		resolvedAt: entry.ResolvedAt,
	}, gen)
	return Decision{Allowed: entry.Allowed, Source: entry.Source, Cached: true}, true
}

// Invalidate forgets every role's decision for path, locally and in the
// shared cache
func (c *Checker) Invalidate(ctx context.Context, path string) {
	c.mu.Lock()
	c.generation.Add(1)
	for _, key := range c.cache.Keys() {
		if keyHasPath(key, path) {
			c.cache.Remove(key)
		}
	}
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.DeletePath(ctx, path); err != nil {
			c.logger.WithError(err).WithField("route", path).Warn("shared permission cache invalidation failed")
		}
	}
}

// InvalidateAll forgets every decision
func (c *Checker) InvalidateAll(ctx context.Context) {
	c.mu.Lock()
	c.generation.Add(1)
	c.cache.Purge()
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.DeleteAll(ctx); err != nil {
			c.logger.WithError(err).Warn("shared permission cache invalidation failed")
		}
	}
}

// Len reports the number of locally remembered decisions
func (c *Checker) Len() int {
	return c.cache.Len()
}
