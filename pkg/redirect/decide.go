package redirect

import (
	"github.com/platinummonkey/dormgate/pkg/auth"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/routing"
)

// Reason says why a navigation was forced
type Reason string

const (
	// ReasonAreaMismatch: the user signed in while in another role's area
	ReasonAreaMismatch Reason = "area_mismatch"
	// ReasonPasswordReset: the user arrived from a recovery or confirmation link
	ReasonPasswordReset Reason = "password_reset"
)

// Decision is the outcome of Decide
type Decision struct {
	Redirect bool
	Target   string
	Reason   Reason
}

// Decide works out where a user who just signed in should go.
//
// A recovery or signup-confirmation fragment sends the user to their area's
// reset-password route unless they are already on one. Otherwise the user
// is moved only when the current path lies in an area that does not match
// their role, and then to the root of the matching area. A user already in
// the right area is never moved, whatever sub-route they are on. Paths
// outside every area are left alone.
func Decide(table *routing.Table, currentPath string, role auth.Role, fragment identity.Fragment) Decision {
	if fragment.RequiresPasswordReset() {
		if table.IsResetPassword(currentPath) {
			return Decision{}
		}
		return Decision{Redirect: true, Target: table.ResetPasswordFor(role), Reason: ReasonPasswordReset}
	}

	current := table.AreaOf(currentPath)
	if current == routing.AreaNone {
		return Decision{}
	}

	want := routing.AreaFor(role)
	if current == want {
		return Decision{}
	}

	cfg, ok := table.Area(want)
	if !ok || cfg.Root == "" || cfg.Root == currentPath {
		return Decision{}
	}
	return Decision{Redirect: true, Target: cfg.Root, Reason: ReasonAreaMismatch}
}
