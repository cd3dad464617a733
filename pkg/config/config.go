package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/dormgate/pkg/observability"
)

// Identity provider modes
const (
	IdentityModeMemory = "memory"
	IdentityModeOAuth2 = "oauth2"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Identity      IdentityConfig
	Routing       RoutingConfig
	Permissions   PermissionConfig
	Session       SessionConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string
}

// DatabaseConfig locates the profiles and route_permissions tables and the
// optional shared decision cache
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	RedisURL     string
}

// IdentityConfig selects and configures the identity provider
type IdentityConfig struct {
	Mode         string
	TokenURL     string
	SignUpURL    string
	LogoutURL    string
	ClientID     string
	ClientSecret string
	IssuerURL    string
	// UserURL returns the user for an access token; email links carry no
	// user of their own
	UserURL string
}

// RoutingConfig points at the route table file
type RoutingConfig struct {
	RoutesFile string
	Watch      bool
}

// PermissionConfig tunes the permission decision and default route caches
type PermissionConfig struct {
	FreshTTL        time.Duration
	EvictTTL        time.Duration
	CacheSize       int
	DefaultRouteTTL time.Duration
}

// SessionConfig tunes the per-browser session registry
type SessionConfig struct {
	IdleTimeout           time.Duration
	MaxClients            int
	RedirectSettleTimeout time.Duration
	CookieName            string
	CookieSecure          bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Identity:      loadIdentityConfig(),
		Routing:       loadRoutingConfig(),
		Permissions:   loadPermissionConfig(),
		Session:       loadSessionConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("DORMGATE_HOST", "0.0.0.0"),
		Port:            getEnv("DORMGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("DORMGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("DORMGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("DORMGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("DORMGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("DORMGATE_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("DORMGATE_DATABASE_URL", ""),
		MaxOpenConns: getEnvInt("DORMGATE_DATABASE_MAX_CONNS", 10),
		RedisURL:     getEnv("DORMGATE_REDIS_URL", ""),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		Mode:         strings.ToLower(getEnv("DORMGATE_IDENTITY_MODE", IdentityModeMemory)),
		TokenURL:     getEnv("DORMGATE_IDENTITY_TOKEN_URL", ""),
		SignUpURL:    getEnv("DORMGATE_IDENTITY_SIGNUP_URL", ""),
		LogoutURL:    getEnv("DORMGATE_IDENTITY_LOGOUT_URL", ""),
		ClientID:     getEnv("DORMGATE_IDENTITY_CLIENT_ID", ""),
		ClientSecret: getEnv("DORMGATE_IDENTITY_CLIENT_SECRET", ""),
		IssuerURL:    getEnv("DORMGATE_IDENTITY_ISSUER_URL", ""),
		UserURL:      getEnv("DORMGATE_IDENTITY_USER_URL", ""),
	}
}

func loadRoutingConfig() RoutingConfig {
	return RoutingConfig{
		RoutesFile: getEnv("DORMGATE_ROUTES_FILE", ""),
		Watch:      getEnvBool("DORMGATE_ROUTES_WATCH", true),
	}
}

func loadPermissionConfig() PermissionConfig {
	return PermissionConfig{
		FreshTTL:        getEnvDuration("DORMGATE_PERMISSION_FRESH_TTL", 5*time.Minute),
		EvictTTL:        getEnvDuration("DORMGATE_PERMISSION_EVICT_TTL", 10*time.Minute),
		CacheSize:       getEnvInt("DORMGATE_PERMISSION_CACHE_SIZE", 10000),
		DefaultRouteTTL: getEnvDuration("DORMGATE_DEFAULT_ROUTE_TTL", 5*time.Minute),
	}
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		IdleTimeout:           getEnvDuration("DORMGATE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
		MaxClients:            getEnvInt("DORMGATE_SESSION_MAX_CLIENTS", 5000),
		RedirectSettleTimeout: getEnvDuration("DORMGATE_REDIRECT_SETTLE_TIMEOUT", 2*time.Second),
		CookieName:            getEnv("DORMGATE_SESSION_COOKIE", "dormgate_sid"),
		CookieSecure:          getEnvBool("DORMGATE_SESSION_COOKIE_SECURE", false),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("DORMGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("DORMGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("DORMGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("DORMGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("DORMGATE_OTEL_SERVICE_NAME", "dormgate"),
		OTelServiceVersion: getEnv("DORMGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("DORMGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	switch c.Identity.Mode {
	case IdentityModeMemory:
	case IdentityModeOAuth2:
		if c.Identity.TokenURL == "" {
			return fmt.Errorf("identity token URL is required for oauth2 identity mode")
		}
		if c.Identity.ClientID == "" {
			return fmt.Errorf("identity client ID is required for oauth2 identity mode")
		}
		if c.Identity.UserURL == "" {
			return fmt.Errorf("identity user URL is required for oauth2 identity mode")
		}
	default:
		return fmt.Errorf("invalid identity mode: %s (must be memory or oauth2)", c.Identity.Mode)
	}

	if c.Permissions.FreshTTL <= 0 {
		return fmt.Errorf("permission fresh TTL must be positive")
	}
	if c.Permissions.EvictTTL < c.Permissions.FreshTTL {
		return fmt.Errorf("permission evict TTL (%s) must not be shorter than fresh TTL (%s)",
			c.Permissions.EvictTTL, c.Permissions.FreshTTL)
	}
	if c.Permissions.DefaultRouteTTL <= 0 {
		return fmt.Errorf("default route TTL must be positive")
	}
	if c.Session.RedirectSettleTimeout <= 0 {
		return fmt.Errorf("redirect settle timeout must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
