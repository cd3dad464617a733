package rbac

import (
	"errors"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// ErrNoRuling is returned by a store when no route_permissions row matches.
// It is distinct from transport errors: no ruling falls through to the next
// precedence rule, a transport error falls back to the static role set.
var ErrNoRuling = errors.New("no route permission row")

// RoutePermission is one row of the route_permissions table
type RoutePermission struct {
	ID        int64     `json:"id"`
	RoutePath string    `json:"route_path"`
	Role      auth.Role `json:"role"`
	Allowed   bool      `json:"allowed"`
}

// RouteCheck asks whether Role may open Path.
//
// AllowedRoles is the route's static role set. With CheckDatabase false the
// static set is the whole answer and no remote lookup happens.
type RouteCheck struct {
	Path          string
	Role          auth.Role
	AllowedRoles  auth.Roles
	CheckDatabase bool
}

// Source names the rule that produced a Decision
type Source string

const (
	// SourceStatic: membership in the static role set
	SourceStatic Source = "static"
	// SourceExplicit: a (path, role) row
	SourceExplicit Source = "explicit"
	// SourceStaffRow: a (path, staff) row applied to a staff sub-role
	SourceStaffRow Source = "staff_row"
	// SourceSubRoleFloor: a sub-role outside the static set with no row of its own
	SourceSubRoleFloor Source = "subrole_floor"
	// SourceSubRoleDefault: a sub-role inside the static set with no rows at all
	SourceSubRoleDefault Source = "subrole_default"
	// SourceFallback: a lookup failed, static membership was used
	SourceFallback Source = "fallback"
)

// Decision is the outcome of a RouteCheck
type Decision struct {
	Allowed bool   `json:"allowed"`
	Source  Source `json:"source"`
	Cached  bool   `json:"cached"`
}
