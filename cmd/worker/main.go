package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/app"
	"github.com/atlas-wms/atlas-wms/internal/document"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	jobmetrics "github.com/atlas-wms/atlas-wms/internal/jobs"
	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/platform/cache"
	"github.com/atlas-wms/atlas-wms/internal/serial"
	"github.com/atlas-wms/atlas-wms/internal/shared"
	"github.com/atlas-wms/atlas-wms/jobs"
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

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	stockLedger := ledger.New(ledger.NewRepository(pool))
	serialValidator := serial.NewValidator(serial.NewRepository(pool))
	engine := allocation.NewEngine(stockLedger, serialValidator)

	var erpClient erpsync.Client = erpsync.NoopClient{}
	if cfg.ERPBaseURL != "" {
		erpClient = erpsync.NewHTTPClient(cfg.ERPBaseURL, cfg.ERPAPIKey, cfg.ERPTimeout)
	}
	gateway := erpsync.NewGateway(erpClient, erpsync.NewRepository(pool), logger)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	documentRepo := document.NewRepository(pool)
	documentService := document.NewService(documentRepo, engine, stockLedger, serialValidator, gateway, jobClient, auditLogger, logger)

	locker := redislock.New(redisClient)
	metrics := jobmetrics.NewMetrics(nil)
	reconciler := jobs.NewReconciler(documentService, jobClient, locker, cfg.ReconcileStaleAge, metrics, logger)

	sweepTask, err := jobs.NewSweepTask(time.Now())
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:  asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:     logger,
		Reconciler: reconciler,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("sweep_cron", cfg.ReconcileSweepCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
