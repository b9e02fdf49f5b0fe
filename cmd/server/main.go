// Command server starts the play-fulfillment HTTP API.
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

	httpserver "github.com/fairyhunter13/play-fulfillment/internal/adapter/httpserver"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/proxy"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/play-fulfillment/internal/app"
	"github.com/fairyhunter13/play-fulfillment/internal/config"
	"github.com/fairyhunter13/play-fulfillment/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	orderRepo := postgres.NewOrderRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	proxyRepo := postgres.NewProxyRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	registry := proxy.NewRegistry(proxyRepo)
	planner := usecase.NewCapacityPlanner(proxyRepo, orderRepo, cfg.PlaysPerNodeHour, cfg.WindowCeiling, cfg.CapacityCacheTTL)
	generator := usecase.NewTaskGenerator(taskRepo, orderRepo, cfg.DeliveryWindow, cfg.TaskBatchTarget, cfg.MaxTasksPerOrder, cfg.MaxAttempts)
	intake := usecase.NewIntakeService(orderRepo, ledgerRepo, planner, generator)

	srv := &httpserver.Server{
		Cfg:      cfg,
		Intake:   intake,
		Planner:  planner,
		Registry: registry,
		Orders:   orderRepo,
		Tasks:    taskRepo,
		Ledger:   ledgerRepo,
		DBCheck: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := app.NewPendingOrderSweeper(generator, cfg.OrderSweepAge, cfg.OrderSweepInterval)
	go sweeper.Run(sweepCtx)

	handler := app.BuildRouter(cfg, srv)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	<-stop
	slog.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	slog.Info("server stopped")
}
