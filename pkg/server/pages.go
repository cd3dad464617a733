package server

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/contextkeys"
	"github.com/platinummonkey/dormgate/pkg/gate"
	"github.com/platinummonkey/dormgate/pkg/httputil"
	"github.com/platinummonkey/dormgate/pkg/routing"
)

// page is the placeholder document served for a protected route
type page struct {
	Path  string     `json:"path"`
	Route string     `json:"route"`
	Title string     `json:"title,omitempty"`
	Area  string     `json:"area,omitempty"`
	Role  auth.Role  `json:"role,omitempty"`
	User  *auth.User `json:"user,omitempty"`
}

// servePage answers a path the gate let through. Protected routes come from
// the current route table, so a reload takes effect without re-registering.
func (s *Server) servePage(w http.ResponseWriter, r *http.Request) {
	table := s.tables.Current()
	route, ok := table.Match(r.URL.Path)
	if !ok {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
		return
	}

	if c, ok := clientFrom(r.Context()); ok {
		c.nav.visit(r.URL.Path)
	}

	p := page{
		Path:  r.URL.Path,
		Route: route.Path,
		Title: route.Title,
		Area:  string(table.AreaOf(r.URL.Path)),
	}
	if ac, ok := r.Context().Value(contextkeys.AuthKey).(*auth.AuthContext); ok && ac.Authenticated() {
		p.Role = ac.Role
		u := ac.Session.User
		p.User = &u
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

// routeList is the set of routes a browser session may open, for building
// navigation menus
type routeList struct {
	Role   auth.Role       `json:"role,omitempty"`
	Routes []routing.Route `json:"routes"`
}

// listRoutes handles GET /auth/routes. Wildcard routes are left out since
// they have no single path to link to.
func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	list := routeList{Routes: []routing.Route{}}
	c, ok := clientFrom(r.Context())
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, list)
		return
	}
	st, err := c.store.WaitSettled(r.Context())
	if err != nil || st.Session == nil {
		httputil.WriteJSON(w, http.StatusOK, list)
		return
	}

	list.Role = st.Role
	for _, route := range s.tables.Current().SortedRoutes() {
		if strings.HasSuffix(route.Path, "/*") {
			continue
		}
		if out := s.engine.Evaluate(r.Context(), st, route.Path); out.State == gate.StateAuthorized {
			list.Routes = append(list.Routes, route)
		}
	}
	httputil.WriteJSON(w, http.StatusOK, list)
}
