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
	"github.com/redis/go-redis/v9"

	"github.com/fontetax/fontetax/internal/app"
	"github.com/fontetax/fontetax/internal/invoicing"
	"github.com/fontetax/fontetax/internal/ledger"
	"github.com/fontetax/fontetax/internal/observability"
	"github.com/fontetax/fontetax/internal/partners"
	"github.com/fontetax/fontetax/internal/platform/db"
	"github.com/fontetax/fontetax/internal/shared"
	"github.com/fontetax/fontetax/internal/withholding"
	"github.com/fontetax/fontetax/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditLogger := shared.NewAuditLogger(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	partnersRepo := partners.NewRepository(pool)
	partnersService := partners.NewService(partnersRepo)
	partnersHandler := partners.NewHandler(logger, partnersService)

	withholdingRepo := withholding.NewRepository(pool)
	withholdingService := withholding.NewService(withholdingRepo)
	withholdingCache := withholding.NewCache(redisClient, cfg.ReportCacheTTL)
	withholdingReporter := withholding.NewReporter(withholdingRepo, withholdingCache)
	withholdingHandler := withholding.NewHandler(logger, withholdingService, withholdingReporter)

	invoicingRepo := invoicing.NewRepository(pool)
	invoicingService := invoicing.NewService(invoicingRepo, withholdingService, partnersService, auditLogger)
	invoicingService.SetHooks(withholding.NewEngine(withholdingRepo, withholdingReporter, logger))
	invoicingHandler := invoicing.NewHandler(logger, invoicingService)

	if err := withholdingCache.ListenForInvalidation(ctx, ""); err != nil {
		logger.Warn("cache invalidation listener", slog.Any("error", err))
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Metrics:            metrics,
		LedgerHandler:      ledgerHandler,
		PartnersHandler:    partnersHandler,
		InvoicingHandler:   invoicingHandler,
		WithholdingHandler: withholdingHandler,
		JobHandler:         jobHandler,
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
