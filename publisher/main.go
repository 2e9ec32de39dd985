package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"batch-pipeline/pkg/config"
	"batch-pipeline/pkg/database"
	"batch-pipeline/pkg/mq"
	"batch-pipeline/pkg/observability"
	"batch-pipeline/pkg/outbox"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
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
		logger.Error("publisher failed", "error", err)
		os.Exit(1)
	}
	logger.Info("publisher stopped")
}

func run(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	if cfg.Postgres.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := database.New(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	var sinks []outbox.Sink
	if cfg.RabbitMQ.URL != "" {
		mqClient, err := mq.New(cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		defer mqClient.Close()

		// Ensure topology exists; safe if already declared
		if err := mqClient.SetupTopology(); err != nil {
			return fmt.Errorf("setup rabbitmq topology: %w", err)
		}
		sinks = append(sinks, outbox.Sink{Name: "rabbitmq", Publisher: mqClient})
	}
	if cfg.SQS.QueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		sinks = append(sinks, outbox.Sink{Name: "sqs", Publisher: mq.NewSQSPublisherFromConfig(awsCfg, cfg.SQS.QueueURL)})
	}
	if len(sinks) == 0 {
		return errors.New("no event sink configured: set RABBITMQ_URL and/or SQS_QUEUE_URL")
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metricsSrv := observability.StartMetricsServer(cfg.HTTP.MetricsAddr, reg, logger)

	relay, err := outbox.NewRelay(db, sinks, metrics, cfg.Outbox.BatchSize, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("outbox relay started", "sinks", len(sinks), "poll_interval", cfg.Outbox.PollInterval)
		return relay.Run(gctx, cfg.Outbox.PollInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
