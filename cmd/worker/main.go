package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gan-shmuel/gan-shmuel/internal/app"
	"github.com/gan-shmuel/gan-shmuel/internal/billing"
	"github.com/gan-shmuel/gan-shmuel/internal/containers"
	jobmetrics "github.com/gan-shmuel/gan-shmuel/internal/jobs"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/cache"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/db"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
	"github.com/gan-shmuel/gan-shmuel/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	auditLogger := shared.NewAuditLogger(pool)
	billCache := billing.NewCache(redisClient, cfg.BillCacheTTL)
	containerService := containers.NewService(containers.NewRepository(pool), logger)
	ledger := weighing.NewService(weighing.NewRepository(pool), containerService, weighing.ServiceConfig{
		Notifier: billCache,
		Audit:    auditLogger,
		Logger:   logger,
	})
	billingService := billing.NewService(billing.NewRepository(pool), billing.NewWeighingSource(ledger), billing.ServiceConfig{
		Cache:    billCache,
		Logger:   logger,
		Location: loc,
	})

	warmupJob := jobs.NewBillWarmupJob(billingService, loc, logger, metrics)
	importJob := &jobs.RatesImportJob{
		Importer: jobs.DirImporter{Service: billingService, Dir: cfg.RatesDir},
		Keys:     shared.NewIdempotencyStore(pool),
		Audit:    auditLogger,
		Logger:   logger,
		Metrics:  metrics,
	}

	warmupTask, err := jobs.NewBillWarmupTask(jobs.PeriodPrevious)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewCleanupTask(0)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cache.QueueOpts(cfg.RedisAddr),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBillWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskRatesImport, Handler: importJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: importJob.HandleCleanup},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.BillingCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
