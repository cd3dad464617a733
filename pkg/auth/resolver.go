package auth

// ResolveRole computes the single effective Role for a profile.
//
// Precedence, first match wins:
//  1. the profile's staff sub-role
//  2. the profile's primary role
//  3. the role claim the identity provider attached to the raw identity
//  4. RoleStudent
//
// A database-set sub-role always beats the primary role: sub-roles exist to
// narrow staff privilege.
func ResolveRole(profile *Profile, roleClaim string) Role {
	if profile != nil {
		if profile.StaffSubRole.IsStaffSubRole() {
			return profile.StaffSubRole
		}
		if profile.Role != "" && profile.Role.Valid() {
			return profile.Role
		}
	}
	if claim, err := ParseRole(roleClaim); err == nil {
		return claim
	}
	return RoleStudent
}

// ResolveSession is ResolveRole for a session, returning "" when signed out
func ResolveSession(session *Session, profile *Profile) Role {
	if session == nil {
		return ""
	}
	return ResolveRole(profile, session.User.RoleClaim)
}
