package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/subscriptions/internal/config"
	"github.com/ehr/subscriptions/internal/domain/subscription"
	"github.com/ehr/subscriptions/internal/platform/auth"
	"github.com/ehr/subscriptions/internal/platform/db"
	"github.com/ehr/subscriptions/internal/platform/fhir"
	"github.com/ehr/subscriptions/internal/platform/logging"
	"github.com/ehr/subscriptions/internal/platform/middleware"
	"github.com/ehr/subscriptions/internal/platform/resource"
)

const version = "0.1.0"

// app is the assembled server. close releases everything newApp opened.
type app struct {
	echo    *echo.Echo
	sweeper *subscription.Sweeper
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.close()

	if cfg.IndexSweepInterval > 0 {
		sched, err := a.sweeper.Start(cfg.IndexSweepInterval)
		if err != nil {
			return fmt.Errorf("start index sweeper: %w", err)
		}
		defer shutdownScheduler(sched, logger)
		logger.Info().Dur("interval", cfg.IndexSweepInterval).Msg("index sweeper started")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("storage", cfg.Storage).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func shutdownScheduler(s gocron.Scheduler, logger zerolog.Logger) {
	if err := s.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("index sweeper shutdown")
	}
}

// newApp wires storage, the subscription lifecycle and the HTTP surface.
func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var (
		store     resource.Store
		tx        resource.TxRunner
		indexRepo subscription.IndexRepository
		pool      *pgxpool.Pool
	)
	switch cfg.Storage {
	case config.StorageMemory:
		store = resource.NewMemoryStore()
		tx = resource.NewMemoryTxRunner()
		indexRepo = subscription.NewIndexRepoMemory()
		logger.Warn().Msg("using in-memory storage; data is lost on exit")
	default:
		var err error
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
		if err != nil {
			return fail(err)
		}
		a.closers = append(a.closers, pool.Close)
		store = resource.NewPGStore(pool)
		tx = db.NewTxRunner(pool)
		indexRepo = subscription.NewIndexRepoPG(pool)
	}

	cache := subscription.IndexCache(subscription.NopIndexCache{})
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable; index lookups will read through to storage")
		}
		cache = subscription.NewRedisIndexCache(client, cfg.IndexCacheTTL)
	}

	registry := fhir.DefaultTypeRegistry()
	engine := resource.NewEngine(store, tx, logger)
	capBuilder := fhir.NewCapabilityBuilder(fmt.Sprintf("http://localhost:%s/fhir", cfg.Port), version)
	types := cfg.ResourceTypes()
	if len(types) == 0 {
		types = registry.Names()
	}
	for _, name := range types {
		rt, ok := registry.Resolve(name)
		if !ok {
			return fail(fmt.Errorf("SUPPORTED_RESOURCE_TYPES: unknown resource type %q", name))
		}
		engine.Register(rt.Name, resource.NopHooks{})
	}
	capBuilder.AddResource(subscription.ResourceType, fhir.DefaultInteractions(),
		fhir.OperationCapability{Name: "validate", Definition: "http://hl7.org/fhir/OperationDefinition/Resource-validate"})

	index := subscription.NewIndexManager(indexRepo, store, logger)
	validator := subscription.NewValidator(registry, engine, fhir.Encodings{})
	engine.Register(subscription.ResourceType, subscription.NewLifecycleHook(validator, index, logger))
	svc := subscription.NewService(engine, validator, index, cache, logger)
	a.sweeper = subscription.NewSweeper(indexRepo, store, index, tx, cache, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	e.GET("/health", db.HealthHandler(engine, pool))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}
	fhirGroup := e.Group("/fhir", fhir.ContentNegotiationMiddleware())
	fhir.NewCapabilityHandler(capBuilder).RegisterRoutes(fhirGroup)
	subscription.NewHandler(svc, logger).RegisterRoutes(fhirGroup.Group("", authMW))

	a.echo = e
	return a, nil
}
