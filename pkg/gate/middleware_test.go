package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/contextkeys"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/session"
)

type unsettled struct{}

func (unsettled) WaitSettled(ctx context.Context) (session.State, error) {
	return session.State{}, errors.New("still loading")
}

func guarded(t *testing.T, st Settler) http.Handler {
	t.Helper()
	e := newEngine(newBlockingChecker())
	lookup := func(r *http.Request) (Settler, bool) {
		if st == nil {
			return nil, false
		}
		return st, true
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, _ := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext)
		require.NotNil(t, ac)
		w.Header().Set("X-Role", string(ac.Role))
		w.Header().Set("X-User", contextkeys.GetUserID(r.Context()))
		w.WriteHeader(http.StatusOK)
	})
	return e.Middleware(lookup)(next)
}

func TestMiddleware_BrowserWithoutSessionIsRedirectedToLogin(t *testing.T) {
	h := guarded(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/admin/bookings", nil)
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/admin/login?from=%2Fadmin%2Fbookings", rec.Header().Get("Location"))
}

func TestMiddleware_APIWithoutSessionGets401(t *testing.T) {
	h := guarded(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/portal/payments", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/portal/login?from=%2Fportal%2Fpayments", body.Redirect)
}

func TestMiddleware_DeniedBrowserGoesToDefaultRoute(t *testing.T) {
	h := guarded(t, &fakeSession{state: signedIn("u-1", auth.RoleStudent, "")})

	req := httptest.NewRequest(http.MethodGet, "/admin/finance", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/portal/dashboard", rec.Header().Get("Location"))
	assert.Equal(t, "static", rec.Header().Get("X-Dormgate-Decision"))
}

func TestMiddleware_DeniedAPIGets403(t *testing.T) {
	h := guarded(t, &fakeSession{state: signedIn("u-1", auth.RolePartner, "")})

	req := httptest.NewRequest(http.MethodGet, "/admin/users", nil)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "/partner/dashboard", body.Redirect)
}

func TestMiddleware_AuthorizedCarriesAuthContext(t *testing.T) {
	h := guarded(t, &fakeSession{state: signedIn("u-7", auth.RoleStaff, auth.RoleAccountant)})

	req := httptest.NewRequest(http.MethodGet, "/admin/finance", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(auth.RoleAccountant), rec.Header().Get("X-Role"))
	assert.Equal(t, "u-7", rec.Header().Get("X-User"))
}

func TestMiddleware_PublicPathPassesWithoutSession(t *testing.T) {
	e := newEngine(newBlockingChecker())
	called := false
	h := e.Middleware(func(*http.Request) (Settler, bool) { return nil, false })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/about", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddleware_UnsettledSessionIs503(t *testing.T) {
	h := guarded(t, unsettled{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
