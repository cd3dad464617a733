// Package contextkeys provides centralized context key definitions
//
// All context keys used across the application are defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/dormgate/pkg/contextkeys"
//	ctx = contextkeys.WithAuth(ctx, authCtx)
//	authCtx, _ := ctx.Value(contextkeys.AuthKey).(*auth.AuthContext)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// AuthKey contains *auth.AuthContext
	// Set by: gate.Middleware (pkg/gate/middleware.go) once a route is authorized
	// Required by: protected route handlers
	AuthKey Key = "auth_context"

	// ClientKey contains the browser session client (*server.client)
	// Set by: server.clientMiddleware (pkg/server/clients.go)
	// Required by: auth endpoints and the gate middleware
	ClientKey Key = "client"

	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestContextMiddleware
	// Used by: Logger
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: gate.Middleware after the session settles
	// Used by: Logger
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestContextMiddleware
	// Used by: handlers that need structured logging with request context
	LoggerKey Key = "logger"
)

// WithAuth adds authentication context to the context
func WithAuth(ctx context.Context, authCtx interface{}) context.Context {
	return context.WithValue(ctx, AuthKey, authCtx)
}

// WithClient adds the browser session client to the context
func WithClient(ctx context.Context, client interface{}) context.Context {
	return context.WithValue(ctx, ClientKey, client)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
