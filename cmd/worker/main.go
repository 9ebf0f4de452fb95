package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/outboundhq/sequence-engine/internal/config"
	"github.com/outboundhq/sequence-engine/internal/infra/postgresql"
	"github.com/outboundhq/sequence-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/outboundhq/sequence-engine/internal/infra/redis"
	"github.com/outboundhq/sequence-engine/internal/mailer"
	"github.com/outboundhq/sequence-engine/internal/observability"
	"github.com/outboundhq/sequence-engine/internal/queue"
	"github.com/outboundhq/sequence-engine/internal/ratelimit"
	"github.com/outboundhq/sequence-engine/internal/repository"
	"github.com/outboundhq/sequence-engine/internal/sequence"
	"github.com/outboundhq/sequence-engine/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
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

	mq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	accountRepo := repository.NewGormAccountRepo(db)
	usageRepo := repository.NewGormUsageRepo(db)
	campaignRepo := repository.NewGormCampaignRepo(db)
	progressRepo := repository.NewGormProgressRepo(db)
	jobRepo := repository.NewGormJobRepo(db)
	eventRepo := repository.NewGormEventRepo(db)

	limiter, err := ratelimit.NewLimiter(accountRepo, usageRepo, eventRepo, quotaCache, logger)
	if err != nil {
		logger.Fatal("limiter wiring failed", zap.Error(err))
	}

	sequencer, err := sequence.NewSequencer(campaignRepo, progressRepo, jobRepo, eventRepo, limiter, logger)
	if err != nil {
		logger.Fatal("sequencer wiring failed", zap.Error(err))
	}

	transport := mailer.NewSMTPTransport()
	transport.SetTimeout(cfg.SendTimeout())

	publisher := queue.NewRabbitMQPublisher(mq)
	consumer := queue.NewRabbitMQConsumer(mq, cfg.QueuePrefetch, logger)
	metrics := observability.NewMetrics()

	poller, err := worker.NewPoller(jobRepo, publisher, cfg.PollInterval(), cfg.PollBatchLimit, logger)
	if err != nil {
		logger.Fatal("poller wiring failed", zap.Error(err))
	}
	poller.SetMetrics(metrics)

	processor, err := worker.NewProcessor(
		jobRepo, campaignRepo, progressRepo, accountRepo, eventRepo,
		consumer, transport, limiter, sequencer,
		cfg.WorkerConcurrency, logger,
	)
	if err != nil {
		logger.Fatal("processor wiring failed", zap.Error(err))
	}
	processor.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("sequence-engine worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("pollInterval", cfg.PollInterval()),
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Start(groupCtx) })
	g.Go(func() error { return processor.Start(groupCtx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
	logger.Info("worker stopped")
}
