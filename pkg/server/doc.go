// Package server is the backend-for-frontend HTTP server.
//
// # Browser sessions
//
// Each browser is identified by an HttpOnly cookie holding a random id. The
// first auth request creates the browser's engine instance: an identity
// provider client, a session.Store and a redirect.Coordinator. Instances
// idle for longer than the configured timeout are disposed.
//
// # Endpoints
//
//	POST /auth/sign-in                  email + password; returns the session and any redirect
//	POST /auth/sign-up                  202 when the address must be confirmed first
//	POST /auth/sign-out                 always clears the local session
//	GET  /auth/session                  current session, profile and role
//	POST /auth/profile/refresh          refetch the profile
//	POST /auth/callback                 complete an email link from its URL fragment
//	GET  /auth/routes                   routes the session may open
//	GET  /admin/permissions?path=       route_permissions rows; superadmin/admin only
//	POST /admin/permissions/invalidate  superadmin/admin only
//
// Every other GET is matched against the route table and guarded by
// gate.Engine.Middleware. Protected routes answer with a placeholder JSON
// document describing the route.
package server
