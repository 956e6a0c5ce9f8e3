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

	"github.com/meridian-wms/meridian-wms/internal/allocation"
	"github.com/meridian-wms/meridian-wms/internal/app"
	"github.com/meridian-wms/meridian-wms/internal/catalog"
	"github.com/meridian-wms/meridian-wms/internal/count"
	"github.com/meridian-wms/meridian-wms/internal/ledger"
	"github.com/meridian-wms/meridian-wms/internal/observability"
	"github.com/meridian-wms/meridian-wms/internal/platform/cache"
	"github.com/meridian-wms/meridian-wms/internal/platform/db"
	"github.com/meridian-wms/meridian-wms/internal/receiving"
	"github.com/meridian-wms/meridian-wms/internal/registry"
	"github.com/meridian-wms/meridian-wms/internal/shared"
	"github.com/meridian-wms/meridian-wms/internal/shipping"
	"github.com/meridian-wms/meridian-wms/internal/wave"
	"github.com/meridian-wms/meridian-wms/jobs"
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

	metrics := observability.NewMetrics()
	engineMetrics := observability.NewEngineMetrics(metrics.Registerer())

	auditLogger := shared.NewAuditLogger(pool)
	numbers := shared.NewNumberGenerator(pool)
	planningLock := shared.NewPlanningLock(redisClient, cfg.PlanningLockTTL)

	catalogRepo := catalog.NewRepository(pool)

	registryRepo := registry.NewRepository(pool)
	registryService := registry.NewService(registryRepo, logger)
	registryHandler := registry.NewHandler(registryService, logger)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerCache := ledger.NewCache(redisClient, cfg.ProjectionCacheTTL)
	ledgerService := ledger.NewService(ledgerRepo, ledgerCache, auditLogger, engineMetrics, logger)
	ledgerHandler := ledger.NewHandler(ledgerService, logger)

	allocationRepo := allocation.NewRepository(pool)
	allocationService := allocation.NewService(allocationRepo, auditLogger, engineMetrics, logger)
	allocationHandler := allocation.NewHandler(allocationService, logger)

	waveRepo := wave.NewRepository(pool)
	waveService := wave.NewService(waveRepo, planningLock, cfg.ReservationTTL, auditLogger, engineMetrics, logger)
	waveHandler := wave.NewHandler(waveService, logger)

	receivingRepo := receiving.NewRepository(pool)
	receivingService := receiving.NewService(receivingRepo, allocationService, numbers, auditLogger, logger)
	receivingHandler := receiving.NewHandler(receivingService, logger)

	shippingRepo := shipping.NewRepository(pool)
	shippingService := shipping.NewService(shippingRepo, numbers, auditLogger, engineMetrics, logger)
	shippingHandler := shipping.NewHandler(shippingService, logger)

	countRepo := count.NewRepository(pool)
	countService := count.NewService(countRepo, catalogRepo, numbers, auditLogger, logger)
	countHandler := count.NewHandler(countService, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		RegistryHandler:   registryHandler,
		AllocationHandler: allocationHandler,
		WaveHandler:       waveHandler,
		LedgerHandler:     ledgerHandler,
		ReceivingHandler:  receivingHandler,
		ShippingHandler:   shippingHandler,
		CountHandler:      countHandler,
		JobHandler:        jobHandler,
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
