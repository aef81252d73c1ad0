// Command server runs the taskmesh MCP server: an HTTP endpoint exposing
// the task, branch, and context tools over JSON-RPC.
package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/taskmesh/taskmesh/internal/api"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/internal/tools"
	"github.com/taskmesh/taskmesh/pkg/cache"
	"github.com/taskmesh/taskmesh/pkg/contexts"
	"github.com/taskmesh/taskmesh/pkg/database"
	"github.com/taskmesh/taskmesh/pkg/database/migration"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
	"github.com/taskmesh/taskmesh/pkg/repository/cached"
	"github.com/taskmesh/taskmesh/pkg/repository/postgres"
	"github.com/taskmesh/taskmesh/pkg/services"
)

const serverVersion = "1.0.0"

func main() {
	if err := run(); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewStandardLogger("taskmesh").
		WithLevel(observability.ParseLogLevel(cfg.LogLevel))
	metrics := observability.NewPrometheusMetricsClient("taskmesh", "server", nil)
	tracer := observability.StartSpan

	stopTracing, err := observability.InitTracing(observability.TracingConfig{
		Enabled:     cfg.TracingEnabled,
		ServiceName: "taskmesh",
		Endpoint:    cfg.TracingEndpoint,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer stopTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.DatabaseConfig(), logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, db, cfg, logger); err != nil {
			return err
		}
	}

	var entityCache cache.Cache = cache.NewNoopCache()
	if redisCfg, ok := cfg.RedisConfig(); ok {
		redisCache, err := cache.NewRedisCache(redisCfg)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer redisCache.Close()
		entityCache = redisCache
		logger.Info("entity cache enabled", map[string]interface{}{"addr": cfg.RedisAddr})
	}

	sqlDB := db.DB()
	projectRepo := postgres.NewProjectRepository(sqlDB, logger, metrics, tracer)
	branchRepo := postgres.NewBranchRepository(sqlDB, logger, metrics, tracer)
	taskRepo := postgres.NewTaskRepository(sqlDB, logger, metrics, tracer)
	subtaskRepo := postgres.NewSubtaskRepository(sqlDB, logger, metrics, tracer)
	agentRepo := postgres.NewAgentRepository(sqlDB, logger, metrics, tracer)
	delegationRepo := postgres.NewDelegationRepository(sqlDB, logger, metrics, tracer)

	var contextRepo repository.ContextRepository = postgres.NewContextRepository(sqlDB, logger, metrics, tracer)
	if _, ok := cfg.RedisConfig(); ok {
		contextRepo = cached.NewContextRepository(contextRepo, entityCache, cfg.CacheTTL(), logger)
	}
	txm := postgres.NewTxManager(sqlDB, logger)

	resolveCache, err := contexts.NewResolveCache(cfg.ContextCacheSize, cfg.CacheTTL(), logger, metrics)
	if err != nil {
		return fmt.Errorf("building resolve cache: %w", err)
	}
	resolver := contexts.NewResolver(contextRepo, resolveCache, logger, metrics, tracer)
	engine := contexts.NewDelegationEngine(resolver, delegationRepo, logger, metrics)
	syncer := contexts.NewSyncer(resolver, engine, logger)

	svcCfg := services.ServiceConfig{
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		DefaultUserID: cfg.DefaultUserID,
	}
	dependencySvc := services.NewDependencyService(svcCfg, taskRepo, branchRepo, txm)
	projectSvc := services.NewProjectService(svcCfg, projectRepo, branchRepo, taskRepo, resolver, txm)
	branchSvc := services.NewBranchService(svcCfg, branchRepo, projectRepo, taskRepo, agentRepo, resolver, txm)
	taskSvc := services.NewTaskService(svcCfg, taskRepo, subtaskRepo, branchRepo, dependencySvc, resolver, syncer, txm)
	subtaskSvc := services.NewSubtaskService(svcCfg, subtaskRepo, taskRepo, syncer, txm)
	contextSvc := services.NewContextService(svcCfg, resolver, engine, taskRepo, branchRepo, txm)
	agentSvc := services.NewAgentService(svcCfg, agentRepo, projectRepo, txm)

	registry := mcp.NewRegistry()
	tools.RegisterAll(registry, tools.Deps{
		Projects:     projectSvc,
		Branches:     branchSvc,
		Tasks:        taskSvc,
		Subtasks:     subtaskSvc,
		Contexts:     contextSvc,
		Agents:       agentSvc,
		Dependencies: dependencySvc,
		Logger:       logger,
	})

	handler := mcp.NewHandler(registry,
		mcp.ServerInfo{Name: "taskmesh", Version: serverVersion},
		cfg.RequestTimeout(), logger, metrics)

	health := func(ctx context.Context) map[string]string {
		components := map[string]string{"database": "ok"}
		if err := db.Ping(ctx); err != nil {
			components["database"] = err.Error()
		}
		if _, ok := cfg.RedisConfig(); ok {
			components["cache"] = "ok"
			if _, err := entityCache.Exists(ctx, "health_probe"); err != nil {
				components["cache"] = err.Error()
			}
		}
		return components
	}

	server := api.NewServer(cfg, handler, health, logger, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	logger.Info("server stopped", nil)
	return nil
}

// runMigrations applies pending schema migrations before the server accepts
// traffic. The manager is not closed here: golang-migrate would take the
// shared connection pool down with it.
func runMigrations(ctx context.Context, db *database.Database, cfg *config.Config,
	logger observability.Logger) error {
	mgr, err := migration.NewManager(db.DB(), migration.Config{
		MigrationsPath: cfg.MigrationsPath,
		AutoMigrate:    true,
	}, "postgres")
	if err != nil {
		return fmt.Errorf("creating migration manager: %w", err)
	}
	if err := mgr.RunMigrations(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	version, dirty, err := mgr.GetVersion()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	logger.Info("migrations applied", map[string]interface{}{
		"version": version,
		"dirty":   dirty,
	})
	return nil
}
