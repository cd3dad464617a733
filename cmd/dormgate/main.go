package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/dormgate/pkg/config"
	"github.com/platinummonkey/dormgate/pkg/gate"
	"github.com/platinummonkey/dormgate/pkg/identity"
	"github.com/platinummonkey/dormgate/pkg/observability"
	"github.com/platinummonkey/dormgate/pkg/profiles"
	"github.com/platinummonkey/dormgate/pkg/rbac"
	"github.com/platinummonkey/dormgate/pkg/routing"
	"github.com/platinummonkey/dormgate/pkg/server"
	"github.com/platinummonkey/dormgate/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Error("dormgate exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	defer observability.RecoverPanic(logger, "main")

	tp, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	storageCfg := storage.Config{
		DatabaseURL:  cfg.Database.URL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		RedisURL:     cfg.Database.RedisURL,
	}
	db, err := storage.OpenDatabase(ctx, storageCfg)
	if err != nil {
		return err
	}
	if err := storage.RunMigrations(ctx, db, logger); err != nil {
		db.Close()
		return err
	}
	redisClient, err := storage.OpenRedis(ctx, storageCfg)
	if err != nil {
		// The shared cache is an optimization; every replica works without it
		logger.WithError(err).Warn("shared decision cache unavailable, using local cache only")
		redisClient = nil
	}

	table := routing.DefaultTable()
	if cfg.Routing.RoutesFile != "" {
		if table, err = routing.Load(cfg.Routing.RoutesFile); err != nil {
			return err
		}
	}
	tables := routing.NewLive(table)

	permStore := rbac.NewStore(db)
	checkerOpts := rbac.Options{
		FreshTTL: cfg.Permissions.FreshTTL,
		EvictTTL: cfg.Permissions.EvictTTL,
		Size:     cfg.Permissions.CacheSize,
		Logger:   logger.WithField("component", "permissions"),
		Metrics:  metrics,
	}
	if redisClient != nil {
		checkerOpts.Shared = rbac.NewRedisCache(redisClient, "dormgate:perm:")
	}
	checker := rbac.NewChecker(permStore, checkerOpts)

	defaults := routing.NewDefaultRoutes(tables, routing.DefaultRouteOptions{
		TTL:     cfg.Permissions.DefaultRouteTTL,
		Source:  permStore,
		Logger:  logger.WithField("component", "default_routes"),
		Metrics: metrics,
	})

	// Allowed roles and landing paths come from the table
	tables.OnReload(func(*routing.Table) {
		checker.InvalidateAll(context.Background())
		defaults.Purge()
	})
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if cfg.Routing.RoutesFile != "" && cfg.Routing.Watch {
		if err := tables.Watch(watchCtx, cfg.Routing.RoutesFile, logger); err != nil {
			logger.WithError(err).Warn("route table hot reload disabled")
		}
	}

	newProvider, err := providerFactory(ctx, cfg.Identity, logger)
	if err != nil {
		return err
	}

	engine := gate.NewEngine(gate.Options{
		Permissions: checker,
		Defaults:    defaults,
		Tables:      tables,
		Logger:      logger.WithField("component", "gate"),
		Metrics:     metrics,
	})
	srv := server.New(server.Options{
		Engine:      engine,
		Tables:      tables,
		Profiles:    profiles.NewStore(db, logger),
		NewProvider: newProvider,
		Permissions: checker,
		Rulings:     permStore,
		Defaults:    defaults,
		Session:     cfg.Session,
		Logger:      logger,
		Metrics:     metrics,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, cfg.Observability.OTelServiceVersion))
	healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, httpServer, healthServer)
	shutdown.RegisterShutdownFunc(srv.Close)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		stopWatch()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, tp, logger)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				return err
			}
		}
		return db.Close()
	})

	errCh := make(chan error, 2)
	for _, s := range []*http.Server{httpServer, healthServer} {
		go func(s *http.Server) {
			if err := observability.ListenAndServe(s, logger); err != nil {
				errCh <- fmt.Errorf("server %s: %w", s.Addr, err)
			}
		}(s)
	}

	logger.WithFields(map[string]interface{}{
		"addr":          httpServer.Addr,
		"health_addr":   healthServer.Addr,
		"identity_mode": cfg.Identity.Mode,
		"routes":        len(table.Routes),
	}).Info("dormgate started")

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-errCh; err != nil {
			logger.WithError(err).Error("server failed")
			cancel()
		}
	}()
	return shutdown.WaitForShutdown(waitCtx)
}

// providerFactory builds the per-browser identity provider constructor for
// the configured mode
func providerFactory(ctx context.Context, cfg config.IdentityConfig, logger *observability.Logger) (server.ProviderFactory, error) {
	switch cfg.Mode {
	case config.IdentityModeOAuth2:
		oauthCfg := identity.OAuth2Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			SignUpURL:    cfg.SignUpURL,
			LogoutURL:    cfg.LogoutURL,
			IssuerURL:    cfg.IssuerURL,
			UserURL:      cfg.UserURL,
			Scopes:       []string{oidc.ScopeOpenID, "email"},
		}
		if err := oauthCfg.ValidateConfig(); err != nil {
			return nil, fmt.Errorf("invalid identity configuration: %w", err)
		}

		// Discover once; every browser session shares the verifier
		var opts []identity.OAuth2Option
		if cfg.IssuerURL != "" {
			provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
			if err != nil {
				return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
			}
			opts = append(opts, identity.WithIDTokenVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})))
		}
		return func(ctx context.Context) (identity.Provider, error) {
			return identity.NewOAuth2Provider(ctx, oauthCfg, opts...)
		}, nil

	default:
		logger.Warn("using the in-memory identity directory; accounts are lost on restart")
		dir := identity.NewMemoryDirectory(identity.MemoryOptions{})
		return func(context.Context) (identity.Provider, error) {
			return dir.Client(), nil
		}, nil
	}
}
