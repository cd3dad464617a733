// Package gate guards protected routes.
//
// A Gate is the per-browser state machine:
//
//	AuthLoading -> PermissionLoading -> Authorized
//	            |                    -> Denied -> redirect to the role's default route
//	            -> Unauthenticated -> redirect to the area login
//
// While the permission check is in flight the route renders optimistically;
// a wrong guess is corrected as soon as the check resolves. Each evaluation
// belongs to one path and one identity, and results that arrive after
// either changed are dropped.
//
// Engine.Middleware is the HTTP form. It waits for the final outcome and
// answers with a redirect or a JSON error.
package gate
