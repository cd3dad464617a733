package gate

import (
	"context"
	"net/http"

	"github.com/platinummonkey/dormgate/pkg/contextkeys"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// Settler is the part of session.Store the middleware needs
type Settler interface {
	WaitSettled(ctx context.Context) (session.State, error)
}

// StoreLookup finds the session store of the browser making r. It returns
// false for a browser without one.
type StoreLookup func(r *http.Request) (Settler, bool)

// Middleware guards requests with the route table. An HTTP response cannot
// be taken back, so it waits for the final outcome rather than rendering
// optimistically.
//
// Browsers get 302 redirects. API clients (Accept: application/json) get 401
// or 403 with the redirect in the body. Authorized requests carry the
// *auth.AuthContext and user id in their context.
func (e *Engine) Middleware(lookup StoreLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var st session.State
			if store, ok := lookup(r); ok {
				var err error
				st, err = store.WaitSettled(r.Context())
				if err != nil {
					observability.FromContext(r.Context()).WithError(err).Warn("session did not settle")
					httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "session not ready")
					return
				}
			}

			out := e.Evaluate(r.Context(), st, r.URL.Path)
			if out.Decision != nil {
				w.Header().Set("X-Dormgate-Decision", string(out.Decision.Source))
			}

			switch out.State {
			case StateAuthorized:
				ctx := contextkeys.WithAuth(r.Context(), st.AuthContext())
				if uid := st.Session.UserID(); uid != "" {
					ctx = contextkeys.WithUserID(ctx, uid)
				}
				next.ServeHTTP(w, r.WithContext(ctx))
			case StateUnauthenticated:
				if httputil.WantsJSON(r) {
					httputil.WriteRedirectError(w, http.StatusUnauthorized, "authentication required", out.LoginURL())
					return
				}
				http.Redirect(w, r, out.LoginURL(), http.StatusFound)
			case StateDenied:
				if httputil.WantsJSON(r) {
					httputil.WriteRedirectError(w, http.StatusForbidden, "access denied", out.Redirect)
					return
				}
				http.Redirect(w, r, out.Redirect, http.StatusFound)
			default:
				httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "session not ready")
			}
		})
	}
}
