package server

import (
	"net/http"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/session"
)

// permissionAdmins may drop cached permission decisions. The check is static
// so that a bad route_permissions row cannot lock administrators out of the
// endpoint that repairs it.
var permissionAdmins = auth.Roles{auth.RoleSuperAdmin, auth.RoleAdmin}

type invalidateRequest struct {
	// Path limits the invalidation to one route; empty drops everything
	Path string `json:"path"`
}

type invalidateResponse struct {
	Invalidated string `json:"invalidated"`
}

type rulingList struct {
	Path    string                 `json:"path"`
	Rulings []rbac.RoutePermission `json:"rulings"`
}

// requireAdmin answers 401 or 403 unless the request's session belongs to a
// permission administrator
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) (session.State, bool) {
	c, ok := clientFrom(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "not signed in")
		return session.State{}, false
	}
	st, err := c.store.WaitSettled(r.Context())
	if err != nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "session not ready")
		return session.State{}, false
	}
	if st.Session == nil {
		httputil.WriteUnauthorized(w, "not signed in")
		return session.State{}, false
	}
	if !permissionAdmins.Contains(st.Role) {
		httputil.WriteForbidden(w, "access denied")
		return session.State{}, false
	}
	return st, true
}

// listPermissions handles GET /admin/permissions?path=...: the
// route_permissions rows for one route
func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if !httputil.RequireNonEmpty(w, path, "path") {
		return
	}
	if _, ok := s.requireAdmin(w, r); !ok {
		return
	}
	if s.rulings == nil {
		httputil.WriteErrorMessage(w, http.StatusNotImplemented, "route permissions are not available")
		return
	}

	rulings, err := s.rulings.ListForPath(r.Context(), path)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).WithField("route", path).Error("failed to list route permissions")
		httputil.WriteInternalError(w)
		return
	}
	if rulings == nil {
		rulings = []rbac.RoutePermission{}
	}
	httputil.WriteJSON(w, http.StatusOK, rulingList{Path: path, Rulings: rulings})
}

// invalidatePermissions handles POST /admin/permissions/invalidate, called
// after route_permissions rows change
func (s *Server) invalidatePermissions(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	st, ok := s.requireAdmin(w, r)
	if !ok {
		return
	}

	resp := invalidateResponse{Invalidated: "all"}
	if req.Path != "" {
		s.permissions.Invalidate(r.Context(), req.Path)
		resp.Invalidated = req.Path
	} else {
		s.permissions.InvalidateAll(r.Context())
	}
	// Sub-role landing paths are derived from route_permissions
	s.defaults.Purge()

	observability.FromContext(r.Context()).
		WithField("user_id", st.Session.UserID()).
		WithField("invalidated", resp.Invalidated).
		Info("permission cache invalidated")
	httputil.WriteJSON(w, http.StatusOK, resp)
}
