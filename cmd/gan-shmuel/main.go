package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gan-shmuel/gan-shmuel/cmd/gan-shmuel/cli"
	"github.com/gan-shmuel/gan-shmuel/internal/app"
	"github.com/gan-shmuel/gan-shmuel/internal/billing"
	"github.com/gan-shmuel/gan-shmuel/internal/containers"
	"github.com/gan-shmuel/gan-shmuel/internal/observability"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/cache"
	"github.com/gan-shmuel/gan-shmuel/internal/platform/db"
	"github.com/gan-shmuel/gan-shmuel/internal/shared"
	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
	"github.com/gan-shmuel/gan-shmuel/jobs"
)

const usage = `usage: gan-shmuel [command]

commands:
  serve                               run the HTTP API (default)
  import-containers [-json] FILE...   load container tares from .csv or .json files
  jobs trigger NAME [ARG]             enqueue billing:warmup [previous|current], rates:import FILE or idempotency:cleanup
  jobs stats                          print default queue statistics`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "import-containers":
		os.Exit(importContainers(ctx, cfg, logger, args))
	case "jobs":
		err = jobsCommand(ctx, cfg, args)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(cmd, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, bills are computed uncached", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)
	billCache := billing.NewCache(redisClient, cfg.BillCacheTTL).WithObserver(metrics)

	containerService := containers.NewService(containers.NewRepository(pool), logger)
	ledger := weighing.NewService(weighing.NewRepository(pool), containerService, weighing.ServiceConfig{
		Notifier: billCache,
		Audit:    auditLogger,
		Observer: metrics,
		Logger:   logger,
	})
	billingService := billing.NewService(billing.NewRepository(pool), billing.NewWeighingSource(ledger), billing.ServiceConfig{
		Cache:    billCache,
		Logger:   logger,
		Location: loc,
	})

	queueOpts := cache.QueueOpts(cfg.RedisAddr)
	jobClient := jobs.NewClient(queueOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		WeighingHandler:   weighing.NewHandler(logger, ledger, loc),
		ContainersHandler: containers.NewHandler(logger, containerService),
		BillingHandler: billing.NewHandler(logger, billingService, billing.HandlerConfig{
			RatesDir: cfg.RatesDir,
			Queue:    jobClient,
			Location: loc,
		}),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Checks: map[string]app.Pinger{
			"postgres": pool,
			"redis":    redisPing(redisClient),
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func redisPing(client *redis.Client) app.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func importContainers(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	opts := cli.ImportOptions{}
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			opts.JSONOutput = true
			continue
		}
		opts.Paths = append(opts.Paths, arg)
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		return 1
	}
	defer pool.Close()
	svc := containers.NewService(containers.NewRepository(pool), logger)
	return cli.ImportContainersCommand(ctx, svc, opts)
}

func openPool(ctx context.Context, cfg *app.Config) (*pgxpool.Pool, error) {
	return db.New(ctx, cfg.PGDSN, db.Options{MaxConns: 2})
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	jc := cli.NewJobsCLI(cfg.RedisAddr)
	defer jc.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			return errors.New("jobs trigger: job name required")
		}
		arg := ""
		if len(args) > 2 {
			arg = args[2]
		}
		info, err := jc.Trigger(ctx, args[1], arg)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return nil
	case "stats":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return nil
	default:
		return fmt.Errorf("jobs: unknown subcommand %q", args[0])
	}
}
