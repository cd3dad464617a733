// Package observability provides logging, metrics, tracing, health checks and
// graceful shutdown for the dormgate server.
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("route", path).WithError(err).Warn("permission lookup failed")
//
// Metrics are Prometheus collectors; a nil *Metrics records nothing so
// library packages can take one optionally.
//
// InitOTel installs an OTLP/gRPC tracer provider; Tracer hands out named
// tracers for remote lookups.
package observability
