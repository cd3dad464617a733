// Package rbac decides whether a role may open a route.
//
// Routes carry a static set of allowed roles. Routes marked for database
// checking also consult the route_permissions table, where administrators
// record per-route, per-role rulings:
//
//	checker := rbac.NewChecker(rbac.NewStore(db), rbac.Options{Metrics: metrics})
//	d := checker.Check(ctx, rbac.RouteCheck{
//		Path:          "/admin/finance",
//		Role:          auth.RoleAccountant,
//		AllowedRoles:  auth.Roles{auth.RoleStaff, auth.RoleAccountant},
//		CheckDatabase: true,
//	})
//
// Staff sub-roles (accountant, front_desk, ...) are narrowed by the static
// set: a sub-role left out of it is denied unless a row names that sub-role
// directly. Inside the static set a sub-role follows the route's staff row,
// and is allowed when there is none.
//
// Decisions are cached per (path, role) in an LRU: a decision is served for
// FreshTTL after its lookup and forgotten after EvictTTL without reads.
// Concurrent checks for the same key share one lookup. A RedisCache can be
// layered underneath so replicas share decisions. Cache failures fail open to
// the store; store failures fall back to the static set and are not cached.
package rbac
