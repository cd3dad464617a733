package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/observability"
)

func newTestChecker(store PermissionStore, clk *clock) *Checker {
	opts := Options{RetryInterval: time.Millisecond}
	if clk != nil {
		opts.Now = clk.Now
	}
	return NewChecker(store, opts)
}

func TestChecker_StaticOnly(t *testing.T) {
	store := newFakeStore()
	c := newTestChecker(store, nil)

	d := c.Check(context.Background(), RouteCheck{
		Path:         "/partner/dashboard",
		Role:         auth.RolePartner,
		AllowedRoles: auth.Roles{auth.RolePartner},
	})
	assert.Equal(t, Decision{Allowed: true, Source: SourceStatic}, d)

	d = c.Check(context.Background(), RouteCheck{
		Path:         "/partner/dashboard",
		Role:         auth.RoleStudent,
		AllowedRoles: auth.Roles{auth.RolePartner},
	})
	assert.False(t, d.Allowed)

	assert.Zero(t, store.totalCalls(), "static routes never reach the store")
	assert.Zero(t, c.Len())
}

func TestChecker_Precedence(t *testing.T) {
	const path = "/admin/reviews"
	staffOnly := auth.Roles{auth.RoleStaff, auth.RoleSuperAdmin}
	withAccountant := auth.Roles{auth.RoleStaff, auth.RoleSuperAdmin, auth.RoleAccountant}

	tests := []struct {
		name       string
		role       auth.Role
		allowed    auth.Roles
		setup      func(*fakeStore)
		want       Decision
		staffCalls int
	}{
		{
			name:    "explicit row denies a statically allowed role",
			role:    auth.RoleStaff,
			allowed: staffOnly,
			setup:   func(f *fakeStore) { f.set(path, auth.RoleStaff, false) },
			want:    Decision{Allowed: false, Source: SourceExplicit},
		},
		{
			name:    "explicit row grants a role outside the static set",
			role:    auth.RolePartner,
			allowed: staffOnly,
			setup:   func(f *fakeStore) { f.set(path, auth.RolePartner, true) },
			want:    Decision{Allowed: true, Source: SourceExplicit},
		},
		{
			name:    "no row falls back to static membership",
			role:    auth.RoleStudent,
			allowed: staffOnly,
			setup:   func(*fakeStore) {},
			want:    Decision{Allowed: false, Source: SourceStatic},
		},
		{
			name:    "explicit sub-role grant overrides the static floor",
			role:    auth.RoleMaintenanceOfficer,
			allowed: staffOnly,
			setup:   func(f *fakeStore) { f.set(path, auth.RoleMaintenanceOfficer, true) },
			want:    Decision{Allowed: true, Source: SourceExplicit},
		},
		{
			name:    "sub-role outside static set is denied without a staff lookup",
			role:    auth.RoleMaintenanceOfficer,
			allowed: staffOnly,
			setup:   func(f *fakeStore) { f.set(path, auth.RoleStaff, true) },
			want:    Decision{Allowed: false, Source: SourceSubRoleFloor},
		},
		{
			name:       "sub-role inside static set follows the staff row",
			role:       auth.RoleAccountant,
			allowed:    withAccountant,
			setup:      func(f *fakeStore) { f.set(path, auth.RoleStaff, false) },
			want:       Decision{Allowed: false, Source: SourceStaffRow},
			staffCalls: 1,
		},
		{
			name:       "sub-role inside static set with no rows is allowed",
			role:       auth.RoleAccountant,
			allowed:    withAccountant,
			setup:      func(*fakeStore) {},
			want:       Decision{Allowed: true, Source: SourceSubRoleDefault},
			staffCalls: 1,
		},
		{
			name:    "explicit sub-role deny beats an allowing staff row",
			role:    auth.RoleAccountant,
			allowed: withAccountant,
			setup: func(f *fakeStore) {
				f.set(path, auth.RoleAccountant, false)
				f.set(path, auth.RoleStaff, true)
			},
			want: Decision{Allowed: false, Source: SourceExplicit},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			tt.setup(store)
			c := newTestChecker(store, nil)

			d := c.Check(context.Background(), RouteCheck{
				Path:          path,
				Role:          tt.role,
				AllowedRoles:  tt.allowed,
				CheckDatabase: true,
			})
			assert.Equal(t, tt.want, d)
			if tt.role != auth.RoleStaff {
				assert.Equal(t, tt.staffCalls, store.callsFor(auth.RoleStaff))
			}
		})
	}
}

func TestChecker_MaintenanceOfficerScenario(t *testing.T) {
	store := newFakeStore()
	c := newTestChecker(store, nil)

	profile := &auth.Profile{Role: auth.RoleStaff, StaffSubRole: auth.RoleMaintenanceOfficer}
	role := auth.ResolveRole(profile, "")
	require.Equal(t, auth.RoleMaintenanceOfficer, role)

	d := c.Check(context.Background(), RouteCheck{
		Path:          "/admin/bookings",
		Role:          role,
		AllowedRoles:  auth.Roles{auth.RoleStaff, auth.RoleSuperAdmin},
		CheckDatabase: true,
	})
	assert.False(t, d.Allowed)
	assert.Zero(t, store.callsFor(auth.RoleStaff))
}

func TestChecker_LookupErrorFallsBackToStatic(t *testing.T) {
	store := newFakeStore()
	store.fail("/admin/reviews", auth.RoleAccountant, errTransport)
	c := newTestChecker(store, nil)

	check := RouteCheck{
		Path:          "/admin/reviews",
		Role:          auth.RoleAccountant,
		AllowedRoles:  auth.Roles{auth.RoleStaff, auth.RoleAccountant},
		CheckDatabase: true,
	}
	d := c.Check(context.Background(), check)
	assert.Equal(t, Decision{Allowed: true, Source: SourceFallback}, d)
	assert.Equal(t, 2, store.callsFor(auth.RoleAccountant), "one retry before falling back")

	// Fallbacks are not cached: the next check tries the store again
	c.Check(context.Background(), check)
	assert.Equal(t, 4, store.callsFor(auth.RoleAccountant))
	assert.Zero(t, c.Len())
}

func TestChecker_StaffLookupErrorFallsBack(t *testing.T) {
	store := newFakeStore()
	store.fail("/admin/reviews", auth.RoleStaff, errTransport)
	c := newTestChecker(store, nil)

	d := c.Check(context.Background(), RouteCheck{
		Path:          "/admin/reviews",
		Role:          auth.RoleFrontDesk,
		AllowedRoles:  auth.Roles{auth.RoleFrontDesk},
		CheckDatabase: true,
	})
	assert.Equal(t, Decision{Allowed: true, Source: SourceFallback}, d)
}

func TestChecker_RetryRecoversTransientFailure(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/finance", auth.RoleAdmin, false)
	store.failures.Store(1)
	c := newTestChecker(store, nil)

	d := c.Check(context.Background(), RouteCheck{
		Path:          "/admin/finance",
		Role:          auth.RoleAdmin,
		AllowedRoles:  auth.Roles{auth.RoleAdmin},
		CheckDatabase: true,
	})
	assert.Equal(t, Decision{Allowed: false, Source: SourceExplicit}, d)
	assert.Equal(t, 2, store.callsFor(auth.RoleAdmin))
}

func TestChecker_NoRulingIsNotRetried(t *testing.T) {
	store := newFakeStore()
	c := newTestChecker(store, nil)

	c.Check(context.Background(), RouteCheck{
		Path:          "/admin",
		Role:          auth.RoleAdmin,
		AllowedRoles:  auth.Roles{auth.RoleAdmin},
		CheckDatabase: true,
	})
	assert.Equal(t, 1, store.callsFor(auth.RoleAdmin))
}

func TestChecker_CachesWithinFreshWindow(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/rooms", auth.RoleStaff, true)
	clk := newClock()
	c := newTestChecker(store, clk)

	check := RouteCheck{
		Path:          "/admin/rooms",
		Role:          auth.RoleStaff,
		AllowedRoles:  auth.Roles{auth.RoleStaff},
		CheckDatabase: true,
	}

	first := c.Check(context.Background(), check)
	second := c.Check(context.Background(), check)
	assert.Equal(t, first.Allowed, second.Allowed)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, store.totalCalls())

	clk.advance(4 * time.Minute)
	c.Check(context.Background(), check)
	assert.Equal(t, 1, store.totalCalls())

	clk.advance(2 * time.Minute)
	d := c.Check(context.Background(), check)
	assert.False(t, d.Cached)
	assert.Equal(t, 2, store.totalCalls(), "stale decision is looked up again")
}

func TestChecker_KeyedByPathAndRole(t *testing.T) {
	store := newFakeStore()
	c := newTestChecker(store, nil)
	ctx := context.Background()

	for _, check := range []RouteCheck{
		{Path: "/admin/a", Role: auth.RoleStaff, CheckDatabase: true},
		{Path: "/admin/b", Role: auth.RoleStaff, CheckDatabase: true},
		{Path: "/admin/a", Role: auth.RoleAdmin, CheckDatabase: true},
	} {
		c.Check(ctx, check)
	}
	assert.Equal(t, 3, store.totalCalls())
	assert.Equal(t, 3, c.Len())
}

func TestChecker_SingleFlight(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/rooms", auth.RoleStaff, true)
	store.block = make(chan struct{})
	c := newTestChecker(store, nil)

	check := RouteCheck{
		Path:          "/admin/rooms",
		Role:          auth.RoleStaff,
		AllowedRoles:  auth.Roles{auth.RoleStaff},
		CheckDatabase: true,
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan Decision, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Check(context.Background(), check)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(store.block)
	wg.Wait()
	close(results)

	for d := range results {
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 1, store.totalCalls())
}

func TestChecker_Invalidate(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/rooms", auth.RoleStaff, true)
	c := newTestChecker(store, nil)
	ctx := context.Background()

	rooms := RouteCheck{Path: "/admin/rooms", Role: auth.RoleStaff, CheckDatabase: true}
	roomsAdmin := RouteCheck{Path: "/admin/rooms", Role: auth.RoleAdmin, CheckDatabase: true}
	finance := RouteCheck{Path: "/admin/finance", Role: auth.RoleStaff, CheckDatabase: true}
	for _, check := range []RouteCheck{rooms, roomsAdmin, finance} {
		c.Check(ctx, check)
	}
	require.Equal(t, 3, c.Len())

	store.set("/admin/rooms", auth.RoleStaff, false)
	c.Invalidate(ctx, "/admin/rooms")
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.Check(ctx, rooms).Allowed)

	c.InvalidateAll(ctx)
	assert.Zero(t, c.Len())
}

func TestChecker_InvalidationDuringLookupIsNotCached(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/rooms", auth.RoleStaff, true)
	store.block = make(chan struct{})
	c := newTestChecker(store, nil)
	ctx := context.Background()

	done := make(chan Decision)
	go func() {
		done <- c.Check(ctx, RouteCheck{Path: "/admin/rooms", Role: auth.RoleStaff, CheckDatabase: true})
	}()

	time.Sleep(20 * time.Millisecond)
	c.Invalidate(ctx, "/admin/rooms")
	close(store.block)

	assert.True(t, (<-done).Allowed)
	assert.Zero(t, c.Len())
}

func TestChecker_InvalidationDuringCacheHitIsNotRestored(t *testing.T) {
	const path = "/admin/rooms"
	store := newFakeStore()
	store.set(path, auth.RoleStaff, true)
	clk := newClock()
	ctx := context.Background()

	var (
		mu     sync.Mutex
		onRead func()
	)
	c := NewChecker(store, Options{
		RetryInterval: time.Millisecond,
		// The freshness check reads the clock between loading a cached
		// entry and re-adding it
		Now: func() time.Time {
			mu.Lock()
			fn := onRead
			onRead = nil
			mu.Unlock()
			if fn != nil {
				fn()
			}
			return clk.Now()
		},
	})

	check := RouteCheck{Path: path, Role: auth.RoleStaff, AllowedRoles: auth.Roles{auth.RoleStaff}, CheckDatabase: true}
	require.True(t, c.Check(ctx, check).Allowed)

	mu.Lock()
	onRead = func() {
		store.set(path, auth.RoleStaff, false)
		c.Invalidate(ctx, path)
	}
	mu.Unlock()

	d := c.Check(ctx, check)
	assert.Equal(t, Decision{Allowed: false, Source: SourceExplicit}, d)
	assert.Equal(t, 2, store.totalCalls())

	d = c.Check(ctx, check)
	assert.False(t, d.Allowed)
	assert.True(t, d.Cached)
	assert.Equal(t, 2, store.totalCalls())
}

func TestChecker_CancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	store := newFakeStore()
	store.set("/admin/rooms", auth.RoleStaff, true)
	store.block = make(chan struct{})
	c := newTestChecker(store, nil)
	check := RouteCheck{
		Path:          "/admin/rooms",
		Role:          auth.RoleStaff,
		AllowedRoles:  auth.Roles{auth.RoleStaff},
		CheckDatabase: true,
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan Decision, 1)
	go func() { first <- c.Check(firstCtx, check) }()
	time.Sleep(20 * time.Millisecond)

	second := make(chan Decision, 1)
	go func() { second <- c.Check(context.Background(), check) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)
	close(store.block)

	for _, ch := range []chan Decision{first, second} {
		d := <-ch
		assert.Equal(t, Decision{Allowed: true, Source: SourceExplicit}, d)
	}
	assert.Equal(t, 1, store.totalCalls())
	assert.Equal(t, 1, c.Len())
}

func TestChecker_EvictsIdleDecisions(t *testing.T) {
	store := newFakeStore()
	c := NewChecker(store, Options{
		FreshTTL:      50 * time.Millisecond,
		EvictTTL:      100 * time.Millisecond,
		RetryInterval: time.Millisecond,
	})
	ctx := context.Background()

	busy := RouteCheck{Path: "/admin/rooms", Role: auth.RoleStaff, CheckDatabase: true}
	idle := RouteCheck{Path: "/admin/finance", Role: auth.RoleStaff, CheckDatabase: true}
	c.Check(ctx, busy)
	c.Check(ctx, idle)
	require.Equal(t, 2, c.Len())

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		c.Check(ctx, busy)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)
	_, ok := c.cache.Peek(cacheKey(busy.Path, busy.Role))
	assert.True(t, ok, "a decision read regularly stays cached")
	_, ok = c.cache.Peek(cacheKey(idle.Path, idle.Role))
	assert.False(t, ok, "an idle decision is evicted")
}

func TestChecker_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	store := newFakeStore()
	c := NewChecker(store, Options{Metrics: metrics, RetryInterval: time.Millisecond})

	check := RouteCheck{Path: "/admin", Role: auth.RoleStaff, AllowedRoles: auth.Roles{auth.RoleStaff}, CheckDatabase: true}
	c.Check(context.Background(), check)
	c.Check(context.Background(), check)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionCacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionCacheTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PermissionLookupsTotal.WithLabelValues("explicit", "no_rows")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PermissionDecisionsTotal.WithLabelValues("static", "true")))
}
