package httputil

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/dormgate/pkg/contextkeys"
	"github.com/platinummonkey/dormgate/pkg/observability"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestContextMiddleware assigns a request id and attaches a request-scoped
// logger to the context, then logs the completed request.
func RequestContextMiddleware(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logger.WithFields(map[string]interface{}{
				"request_id": requestID,
				"method":     r.Method,
				"path":       r.URL.Path,
			})

			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = observability.WithLogger(ctx, reqLogger)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			reqLogger.WithFields(map[string]interface{}{
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request completed")
		})
	}
}

// Chain applies middlewares so the first one listed runs outermost
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
