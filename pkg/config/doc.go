// Package config loads dormgate configuration from DORMGATE_* environment variables.
//
// Server settings:
//
//	DORMGATE_PORT="8080"
//	DORMGATE_HEALTH_PORT="9090"
//
// Tables and shared cache:
//
//	DORMGATE_DATABASE_URL="postgres://localhost/dormgate?sslmode=disable"
//	DORMGATE_REDIS_URL="redis://localhost:6379/0"  # optional
//
// Identity provider:
//
//	DORMGATE_IDENTITY_MODE="oauth2"  # memory, oauth2
//	DORMGATE_IDENTITY_TOKEN_URL="https://auth.example.com/token"
//	DORMGATE_IDENTITY_CLIENT_ID="web"
//
// Caches:
//
//	DORMGATE_PERMISSION_FRESH_TTL="5m"
//	DORMGATE_PERMISSION_EVICT_TTL="10m"
//	DORMGATE_DEFAULT_ROUTE_TTL="5m"
//
// The route table itself lives in a YAML file named by DORMGATE_ROUTES_FILE;
// see pkg/routing.
package config
