package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/config"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/httpapi"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/ratelimit"
	"insightdash.io/internal/rbac"
	"insightdash.io/internal/store/memory"
	"insightdash.io/internal/store/pg"
	"insightdash.io/internal/stream"
)

// backend is what both store implementations provide.
type backend interface {
	rbac.ProfileStore
	entitlement.SubscriptionStore
	entitlement.PlanFeatureStore
	entitlement.UsageStore
	auth.CredentialStore
	auth.RefreshTokenStore
	Ping(ctx context.Context) error
}

func main() {
	obs.Init()
	logger := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config_invalid", "error", err.Error())
		os.Exit(1)
	}
	obs.SetBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := stream.New(64)
	catalog := entitlement.DefaultCatalog()

	store, closeStore, err := openBackend(ctx, cfg, catalog, hub)
	if err != nil {
		logger.Error("store_open_failed", "error", err.Error())
		os.Exit(1)
	}
	defer closeStore()

	provider, err := auth.NewTokenProvider(store, store, cfg.Auth.TokenSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithSecureCookies(cfg.Auth.SecureCookie),
	)
	if err != nil {
		logger.Error("auth_init_failed", "error", err.Error())
		os.Exit(1)
	}
	roles, err := rbac.NewResolver(store)
	if err != nil {
		logger.Error("rbac_init_failed", "error", err.Error())
		os.Exit(1)
	}
	registry, err := entitlement.NewRegistry(entitlement.Stores{
		Subscriptions: store,
		Features:      store,
		Usage:         store,
	}, hub)
	if err != nil {
		logger.Error("entitlement_init_failed", "error", err.Error())
		os.Exit(1)
	}
	defer registry.Close()
	go registry.RunEviction(ctx, time.Minute, cfg.Auth.AccessTTL)

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimit.SignInPerMinute, cfg.RateLimit.SignInBurst)
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		limiter = ratelimit.NewRedis(client, cfg.RateLimit.SignInPerMinute, time.Minute, limiter)
	}

	ready := httpapi.ReadyProbe{Store: store}
	api, err := httpapi.New(httpapi.Deps{
		Sessions:       provider,
		Roles:          roles,
		Entitlements:   registry,
		Subscriptions:  store,
		Catalog:        catalog,
		Hub:            hub,
		SignInLimiter:  limiter,
		Ready:          ready,
		Version:        cfg.Version,
		WebhookSecret:  cfg.Billing.WebhookSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	if err != nil {
		logger.Error("http_init_failed", "error", err.Error())
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	grpcHealth := httpapi.NewGRPCServer(ready, cfg.Version)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogger))
	grpcHealth.Register(grpcSrv)
	go grpcHealth.Run(ctx, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("grpc_listen_failed", "addr", cfg.GRPCAddr, "error", err.Error())
		os.Exit(1)
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc_serve_failed", "error", err.Error())
			stop()
		}
	}()

	go func() {
		logger.Info("server_starting", "service", "insightdash-api", "version", cfg.Version, "http_addr", srv.Addr, "grpc_addr", cfg.GRPCAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_serve_failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("server_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err.Error())
	}
	grpcSrv.GracefulStop()
	logger.Info("server_stopped")
}

// openBackend picks Postgres when a DSN is configured and the in-memory
// store otherwise. Postgres changes reach the hub through LISTEN; the memory
// store publishes directly.
func openBackend(ctx context.Context, cfg config.Config, catalog *entitlement.Catalog, hub *stream.Hub) (backend, func(), error) {
	logger := obs.Logger()
	if cfg.DatabaseURL != "" {
		st, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		listener := pg.NewListener(cfg.DatabaseURL, hub.Publish)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error("change_listener_stopped", "error", err.Error())
			}
		}()
		logger.Info("store_selected", "backend", "postgres")
		return st, func() { _ = st.Close() }, nil
	}

	st := memory.New(catalog, memory.WithNotifier(hub.Publish))
	if cfg.Bootstrap.Email != "" && cfg.Bootstrap.Password != "" {
		hash, err := auth.HashPassword(cfg.Bootstrap.Password)
		if err != nil {
			return nil, nil, err
		}
		if _, err := st.CreateUser(ctx, cfg.Bootstrap.Email, hash, rbac.RoleOwner); err != nil {
			return nil, nil, err
		}
		logger.Info("bootstrap_user_created", "email", cfg.Bootstrap.Email)
	}
	logger.Warn("store_selected", "backend", "memory")
	return st, func() {}, nil
}
