// Package routing holds the route table and the default route resolver.
//
// The route table is YAML: the three site areas (admin, portal, partner)
// with their root, login and reset-password paths, a landing path per role,
// and the protected routes with their static allowed-role sets. Adding a
// role or a route is a data change.
//
//	table, err := routing.Load("routes.yaml")
//	live := routing.NewLive(table)
//	live.Watch(ctx, "routes.yaml", logger)
//
// DefaultRoutes answers "where should this role land" and never returns an
// empty path. Answers are cached per role.
package routing
