package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"staff-portal/internal/audit"
	"staff-portal/internal/auth"
	"staff-portal/internal/cache"
	"staff-portal/internal/config"
	"staff-portal/internal/httpapi"
	"staff-portal/internal/observability"
	"staff-portal/internal/rbac"
	"staff-portal/internal/staff"
	"staff-portal/pkg/logger"
	"staff-portal/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	catalog, err := rbac.LoadCatalogFile(cfg.RBAC.CatalogPath)
	if err != nil {
		log.Error("permission catalog invalid", "err", err)
		os.Exit(1)
	}
	if missing := catalog.Missing(); len(missing) > 0 {
		// Users holding these roles are denied everything until the catalog is fixed.
		names := make([]string, 0, len(missing))
		for _, r := range missing {
			names = append(names, r.String())
		}
		log.Error("permission catalog is missing roles", "roles", names, "cause", "configuration")
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.DB.ConnMaxIdleTime,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	registry.MustRegister(collectors.NewDBStatsCollector(db, "staff_portal"))

	store, closeCache, err := cache.Open(rootCtx, cache.Config{
		Backend: cfg.Cache.Backend,
		Redis: utils.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		OpTimeout:       cfg.Cache.OpTimeout,
		BreakerFailures: cfg.Cache.BreakerFailures,
		BreakerCooldown: cfg.Cache.BreakerCooldown,
		MemoryEntries:   cfg.Cache.MemoryEntries,
	}, log, metrics)
	if err != nil {
		log.Error("cache init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = closeCache() }()

	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	staffSvc := staff.NewService(staff.NewPostgresRepo(db), nil, auditSvc, log)

	resolver := rbac.NewResolver(catalog, staffSvc, store, rbac.Options{
		PermissionTTL:     cfg.RBAC.PermissionTTL,
		RoleLookupTimeout: cfg.RBAC.RoleLookupTimeout,
		UniformCaching:    cfg.RBAC.UniformCaching,
		Logger:            log,
		Metrics:           metrics,
	})
	invalidator := rbac.NewInvalidator(store, resolver, log, metrics)
	staffSvc.SetInvalidator(invalidator)

	log.Info("authorization ready",
		"catalog_version", catalog.Version(),
		"cache_backend", cfg.Cache.Backend,
		"cache_mode", store.Mode().String(),
		"permission_ttl", cfg.RBAC.PermissionTTL.String(),
		"uniform_caching", cfg.RBAC.UniformCaching,
	)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(metrics.Middleware())

	registerRoutes(r, httpapi.Handlers{
		Auth:        authManager,
		Resolver:    resolver,
		Staff:       staffSvc,
		Invalidator: invalidator,
		Audit:       auditSvc,
		DevLogin:    !cfg.IsProduction(),
		DBPing: func(ctx context.Context) error {
			return utils.HealthCheck(ctx, db, time.Second)
		},
	}, auth.RequireAccessToken(authManager), metrics)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
