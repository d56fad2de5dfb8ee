package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-wms/atlas-wms/internal/allocation"
	"github.com/atlas-wms/atlas-wms/internal/app"
	"github.com/atlas-wms/atlas-wms/internal/document"
	"github.com/atlas-wms/atlas-wms/internal/erpsync"
	"github.com/atlas-wms/atlas-wms/internal/ledger"
	"github.com/atlas-wms/atlas-wms/internal/observability"
	"github.com/atlas-wms/atlas-wms/internal/serial"
	"github.com/atlas-wms/atlas-wms/internal/shared"
	"github.com/atlas-wms/atlas-wms/jobs"
)

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

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	auditLogger := shared.NewAuditLogger(dbpool)

	stockLedger := ledger.New(ledger.NewRepository(dbpool))
	serialValidator := serial.NewValidator(serial.NewRepository(dbpool))
	engine := allocation.NewEngine(stockLedger, serialValidator)

	var erpClient erpsync.Client = erpsync.NoopClient{}
	if cfg.ERPBaseURL != "" {
		erpClient = erpsync.NewHTTPClient(cfg.ERPBaseURL, cfg.ERPAPIKey, cfg.ERPTimeout)
	}
	gateway := erpsync.NewGateway(erpClient, erpsync.NewRepository(dbpool), logger)

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

	documentRepo := document.NewRepository(dbpool)
	documentService := document.NewService(documentRepo, engine, stockLedger, serialValidator, gateway, jobClient, auditLogger, logger)
	documentHandler := document.NewHandler(logger, documentService)
	stockHandler := ledger.NewHandler(logger, stockLedger)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		DocumentHandler: documentHandler,
		StockHandler:    stockHandler,
		JobHandler:      jobHandler,
		Pool:            dbpool,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
