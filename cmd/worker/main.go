// Command worker runs the delivery engine and the settlement consumer.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/dispatch"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/proxy"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/play-fulfillment/internal/config"
	"github.com/fairyhunter13/play-fulfillment/internal/service/ratelimiter"
	"github.com/fairyhunter13/play-fulfillment/internal/usecase"
	"github.com/fairyhunter13/play-fulfillment/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Dedicated /metrics endpoint for Prometheus scrapes of this replica.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	slog.Info("starting worker", slog.String("worker_id", workerID), slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	registry := proxy.NewRegistry(proxyRepo)

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer producer.Close()

	settlement := usecase.NewSettlementService(orderRepo, taskRepo, ledgerRepo)
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "play-fulfillment-settlement", settlement)
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()

	// Optional Redis-backed per-node dispatch throttle; nil runs unthrottled.
	var limiter ratelimiter.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		limiter = ratelimiter.NewNodeLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.NodeRateLimitPerMin))
	}

	dispatcher := dispatch.NewHTTP(cfg.DispatchURL, cfg.DispatchDeadline)

	engine := worker.New(worker.Config{
		WorkerID:        workerID,
		PollInterval:    cfg.PollSettings(),
		BatchSize:       cfg.BatchSize,
		Concurrency:     int64(cfg.DispatchConcurrency),
		ClaimRetryLimit: cfg.ClaimRetryLimit,
		OrphanThreshold: cfg.OrphanThreshold,
		SweepInterval:   cfg.SweepInterval,
		BackoffBase:     cfg.RetryBackoffBase,
		BackoffCap:      cfg.RetryBackoffCap,
	}, taskRepo, orderRepo, registry, dispatcher, producer, limiter)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Run(ctx); err != nil {
			slog.Error("settlement consumer error", slog.Any("error", err))
		}
	}()

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine error", slog.Any("error", err))
	}
	<-done
	slog.Info("worker stopped", slog.String("worker_id", workerID))
}
