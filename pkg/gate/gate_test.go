package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// fakeSession is a SessionSource the test drives directly
type fakeSession struct {
	mu        sync.Mutex
	state     session.State
	listeners []func(session.State)
}

func (f *fakeSession) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Subscribe(fn func(session.State)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
	return func() {}
}

func (f *fakeSession) WaitSettled(ctx context.Context) (session.State, error) {
	return f.Snapshot(), nil
}

func (f *fakeSession) set(st session.State) {
	f.mu.Lock()
	f.state = st
	listeners := append([]func(session.State){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

func signedIn(userID string, role, subRole auth.Role) session.State {
	profile := &auth.Profile{ID: userID, Role: role, StaffSubRole: subRole}
	s := &auth.Session{AccessToken: "t", User: auth.User{ID: userID}}
	return session.State{Session: s, Profile: profile, Role: auth.ResolveRole(profile, "")}
}

// blockingChecker holds every check until released, per path
type blockingChecker struct {
	mu      sync.Mutex
	allowed map[string]bool
	gates   map[string]chan struct{}
	checks  []rbac.RouteCheck
}

func newBlockingChecker() *blockingChecker {
	return &blockingChecker{allowed: make(map[string]bool), gates: make(map[string]chan struct{})}
}

func (c *blockingChecker) hold(path string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.gates[path] = ch
	return ch
}

func (c *blockingChecker) Check(ctx context.Context, check rbac.RouteCheck) rbac.Decision {
	c.mu.Lock()
	c.checks = append(c.checks, check)
	gate := c.gates[check.Path]
	allowed, explicit := c.allowed[check.Path]
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !explicit {
		allowed = check.AllowedRoles.Contains(check.Role)
	}
	return rbac.Decision{Allowed: allowed, Source: rbac.SourceStatic}
}

// countingStore is an rbac.PermissionStore with no rows that counts lookups
type countingStore struct {
	mu    sync.Mutex
	calls map[auth.Role]int
}

func (s *countingStore) Lookup(ctx context.Context, path string, role auth.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[auth.Role]int)
	}
	s.calls[role]++
	return false, rbac.ErrNoRuling
}

func (s *countingStore) count(role auth.Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[role]
}

func (s *countingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func newEngine(checker PermissionChecker) *Engine {
	live := routing.NewLive(routing.DefaultTable())
	return NewEngine(Options{
		Permissions: checker,
		Defaults:    routing.NewDefaultRoutes(live, routing.DefaultRouteOptions{}),
		Tables:      live,
	})
}

func waitFinal(t *testing.T, g *Gate) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := g.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestGate_AuthLoading(t *testing.T) {
	store := &fakeSession{state: session.State{Loading: true}}
	g := newEngine(newBlockingChecker()).NewGate(store)
	defer g.Close()

	out := g.Navigate("/admin")
	assert.Equal(t, StateAuthLoading, out.State)
	assert.False(t, out.Render)
	assert.Empty(t, out.Redirect)

	// Signed in, first profile load still in flight
	st := signedIn("u-1", auth.RoleStaff, "")
	st.Profile = nil
	st.ProfileLoading = true
	store.set(st)
	assert.Equal(t, StateAuthLoading, g.Outcome().State)
}

func TestGate_Unauthenticated(t *testing.T) {
	store := &fakeSession{}
	g := newEngine(newBlockingChecker()).NewGate(store)
	defer g.Close()

	out := g.Navigate("/admin/finance")
	assert.Equal(t, StateUnauthenticated, out.State)
	assert.Equal(t, "/admin/login", out.Redirect)
	assert.Equal(t, "/admin/finance", out.From)
	assert.Equal(t, "/admin/login?from=%2Fadmin%2Ffinance", out.LoginURL())

	out = g.Navigate("/portal/payments")
	assert.Equal(t, "/portal/login", out.Redirect)
}

func TestGate_PublicPath(t *testing.T) {
	g := newEngine(newBlockingChecker()).NewGate(&fakeSession{})
	defer g.Close()

	out := g.Navigate("/rooms/yaba")
	assert.Equal(t, StateAuthorized, out.State)
	assert.True(t, out.Render)
}

func TestGate_OptimisticRenderThenAuthorized(t *testing.T) {
	checker := newBlockingChecker()
	release := checker.hold("/admin/reviews")
	store := &fakeSession{state: signedIn("u-1", auth.RoleStaff, "")}
	g := newEngine(checker).NewGate(store)
	defer g.Close()

	out := g.Navigate("/admin/reviews")
	assert.Equal(t, StatePermissionLoading, out.State)
	assert.True(t, out.Render, "content renders while the check is in flight")

	close(release)
	out = waitFinal(t, g)
	assert.Equal(t, StateAuthorized, out.State)
	assert.True(t, out.Render)
	require.NotNil(t, out.Decision)
}

func TestGate_DeniedRedirectsToDefaultRoute(t *testing.T) {
	store := &countingStore{}
	checker := rbac.NewChecker(store, rbac.Options{RetryInterval: time.Millisecond})
	session := &fakeSession{state: signedIn("u-1", auth.RoleStaff, auth.RoleMaintenanceOfficer)}
	g := newEngine(checker).NewGate(session)
	defer g.Close()

	g.Navigate("/admin/bookings")
	out := waitFinal(t, g)

	assert.Equal(t, StateDenied, out.State)
	assert.False(t, out.Render)
	assert.Equal(t, "/admin/maintenance", out.Redirect)
	assert.Equal(t, rbac.SourceSubRoleFloor, out.Decision.Source)
	assert.Zero(t, store.count(auth.RoleStaff), "no staff lookup for a sub-role outside the static set")
}

func TestGate_PartnerWithoutDatabaseCheck(t *testing.T) {
	store := &countingStore{}
	checker := rbac.NewChecker(store, rbac.Options{})
	g := newEngine(checker).NewGate(&fakeSession{state: signedIn("u-1", auth.RolePartner, "")})
	defer g.Close()

	g.Navigate("/partner/dashboard")
	out := waitFinal(t, g)
	assert.Equal(t, StateAuthorized, out.State)
	assert.Zero(t, store.total())
}

func TestGate_DiscardsResultForPreviousPath(t *testing.T) {
	checker := newBlockingChecker()
	slow := checker.hold("/admin/finance")
	checker.allowed["/admin/finance"] = true
	store := &fakeSession{state: signedIn("u-1", auth.RoleStudent, "")}
	g := newEngine(checker).NewGate(store)
	defer g.Close()

	g.Navigate("/admin/finance")
	g.Navigate("/portal/dashboard")
	out := waitFinal(t, g)
	require.Equal(t, "/portal/dashboard", out.Path)
	require.Equal(t, StateAuthorized, out.State)

	close(slow)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "/portal/dashboard", g.Outcome().Path, "late result for the old path is dropped")
}

func TestGate_ReevaluatesOnIdentityChange(t *testing.T) {
	store := &fakeSession{state: signedIn("u-1", auth.RoleStudent, "")}
	g := newEngine(newBlockingChecker()).NewGate(store)
	defer g.Close()

	g.Navigate("/admin")
	out := waitFinal(t, g)
	require.Equal(t, StateDenied, out.State)
	assert.Equal(t, "/portal/dashboard", out.Redirect)

	var seen []State
	var mu sync.Mutex
	g.OnChange(func(o Outcome) {
		mu.Lock()
		seen = append(seen, o.State)
		mu.Unlock()
	})

	store.set(signedIn("u-2", auth.RoleStaff, ""))
	out = waitFinal(t, g)
	assert.Equal(t, StateAuthorized, out.State)
	assert.Equal(t, auth.RoleStaff, out.Role)

	store.set(session.State{})
	out = g.Outcome()
	assert.Equal(t, StateUnauthenticated, out.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatePermissionLoading)
}

func TestGate_IgnoresUnrelatedStateChanges(t *testing.T) {
	checker := newBlockingChecker()
	store := &fakeSession{state: signedIn("u-1", auth.RoleStaff, "")}
	g := newEngine(checker).NewGate(store)
	defer g.Close()

	g.Navigate("/admin")
	waitFinal(t, g)

	// A token refresh changes the session but not the identity
	st := signedIn("u-1", auth.RoleStaff, "")
	st.Session.AccessToken = "rotated"
	store.set(st)

	checker.mu.Lock()
	defer checker.mu.Unlock()
	assert.Len(t, checker.checks, 1)
}

type fixedDefaults string

func (f fixedDefaults) Resolve(context.Context, auth.Role) string { return string(f) }

func TestEngine_DeniedTargetLoopGuard(t *testing.T) {
	live := routing.NewLive(routing.DefaultTable())
	e := NewEngine(Options{
		Permissions: newBlockingChecker(),
		Defaults:    fixedDefaults("/admin/finance"),
		Tables:      live,
	})

	out := e.Evaluate(context.Background(), signedIn("u-1", auth.RoleStaff, ""), "/admin/finance")
	assert.Equal(t, StateDenied, out.State)
	assert.Equal(t, "/", out.Redirect)
}

func TestEngine_EvaluateAccountantFallback(t *testing.T) {
	failing := &failingStore{}
	checker := rbac.NewChecker(failing, rbac.Options{RetryInterval: time.Millisecond})
	e := newEngine(checker)

	out := e.Evaluate(context.Background(), signedIn("u-1", auth.RoleStaff, auth.RoleAccountant), "/admin/reviews")
	assert.Equal(t, StateAuthorized, out.State)
	assert.Equal(t, rbac.SourceFallback, out.Decision.Source)
}

type failingStore struct{}

func (failingStore) Lookup(context.Context, string, auth.Role) (bool, error) {
	return false, assert.AnError
}
