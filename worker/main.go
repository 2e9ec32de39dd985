package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"batch-pipeline/pkg/cache"
	"batch-pipeline/pkg/config"
	"batch-pipeline/pkg/mq"
	"batch-pipeline/pkg/observability"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped gracefully")
}

// run consumes batch completion events and keeps their summaries in the
// Redis summary cache, so they stay readable after the api purges a batch.
func run(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	if cfg.RabbitMQ.URL == "" {
		return errors.New("RABBITMQ_URL is required")
	}
	if cfg.Redis.Addr == "" {
		return errors.New("REDIS_ADDR is required")
	}

	mqClient, err := mq.New(cfg.RabbitMQ.URL)
	if err != nil {
		return err
	}
	defer mqClient.Close()
	if err := mqClient.SetupTopology(); err != nil {
		return fmt.Errorf("setup rabbitmq topology: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	summaries := cache.NewSummaryCache(rdb, cfg.Redis.SummaryTTL)

	deliveries, err := mqClient.ConsumeCompleted(cfg.Worker.Prefetch)
	if err != nil {
		return fmt.Errorf("consume completed events: %w", err)
	}

	logger.Info("worker started", "queue", mq.CompletedQueue, "concurrency", cfg.Worker.Concurrency)
	mq.Serve(ctx, deliveries, cfg.Worker.Concurrency, func(ctx context.Context, ev mq.BatchEvent) error {
		if ev.Summary == nil {
			return fmt.Errorf("event for batch %s has no summary: %w", ev.BatchID, mq.ErrPoison)
		}
		if err := summaries.Put(ctx, ev.Summary); err != nil {
			return err
		}
		logger.InfoContext(ctx, "cached batch summary",
			"batch_id", ev.BatchID,
			"status", ev.Status,
			"succeeded", ev.Summary.Succeeded,
			"failed", ev.Summary.Failed,
		)
		return nil
	}, logger)
	return nil
}
