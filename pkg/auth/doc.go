// Package auth holds the identity value types shared by the route authorization
// engine: sessions, profiles and the closed set of roles.
//
// # Roles
//
// Five primary roles (student, staff, superadmin, partner, admin) and six staff
// sub-roles (operations_manager, reservationist, accountant, front_desk,
// maintenance_officer, housekeeper). Staff-family membership is decided in one
// place:
//
//	role.IsStaffFamily()  // staff, superadmin, admin, any sub-role
//	role.IsStaffSubRole() // the six specializations only
//
// # Effective role
//
// ResolveRole turns a profile (possibly nil) and the provider's role claim into
// exactly one Role:
//
//	role := auth.ResolveRole(profile, session.User.RoleClaim)
//
// A sub-role always wins over the primary role; a missing profile and claim
// resolve to student.
//
// # Tokens
//
// TokenGenerator mints opaque access/refresh tokens for the in-memory identity
// directory used in development and tests.
package auth
