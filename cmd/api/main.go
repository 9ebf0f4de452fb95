package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/outboundhq/sequence-engine/internal/config"
	"github.com/outboundhq/sequence-engine/internal/handler"
	"github.com/outboundhq/sequence-engine/internal/infra/postgresql"
	"github.com/outboundhq/sequence-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/outboundhq/sequence-engine/internal/infra/redis"
	"github.com/outboundhq/sequence-engine/internal/observability"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"github.com/outboundhq/sequence-engine/internal/sequence"
	"github.com/outboundhq/sequence-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	quotaCache, err := infraredis.NewQuotaCache(rdb, cfg.QuotaCacheTTL())
	if err != nil {
		logger.Fatal("quota cache initialization failed", zap.Error(err))
	}

	app, err := buildApp(db, rdb, quotaCache, logger)
	if err != nil {
		logger.Fatal("application wiring failed", zap.Error(err))
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("sequence-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(addr); err != nil {
			logger.Fatal("http server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down api")
	if err := app.Shutdown(); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
}

func buildApp(db *gorm.DB, rdb *goredis.Client, quotaCache ratelimit.QuotaCache, logger *zap.Logger) (*fiber.App, error) {
	accountRepo := repository.NewGormAccountRepo(db)
	usageRepo := repository.NewGormUsageRepo(db)
	campaignRepo := repository.NewGormCampaignRepo(db)
	progressRepo := repository.NewGormProgressRepo(db)
	jobRepo := repository.NewGormJobRepo(db)
	eventRepo := repository.NewGormEventRepo(db)

	limiter, err := ratelimit.NewLimiter(accountRepo, usageRepo, eventRepo, quotaCache, logger)
	if err != nil {
		return nil, err
	}

	sequencer, err := sequence.NewSequencer(campaignRepo, progressRepo, jobRepo, eventRepo, limiter, logger)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterCampaignRoutes(app, sequencer, eventRepo); err != nil {
		return nil, err
	}
	if err := handler.RegisterRateLimitRoutes(app, limiter); err != nil {
		return nil, err
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	return app, nil
}
