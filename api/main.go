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

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/cache"
	"batch-pipeline/pkg/config"
	"batch-pipeline/pkg/database"
	"batch-pipeline/pkg/executor/payment"
	"batch-pipeline/pkg/executor/upload"
	"batch-pipeline/pkg/httpapi"
	"batch-pipeline/pkg/observability"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
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
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	checks := map[string]httpapi.HealthCheck{}
	var (
		store   batch.Store
		archive httpapi.Archive
	)
	if cfg.Postgres.URL != "" {
		db, err := database.New(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()

		// In a real deployment migrations would run separately. For this
		// service we ensure the schema exists.
		if cfg.Postgres.InitSchema {
			if err := db.InitSchema(ctx); err != nil {
				return fmt.Errorf("initialize schema: %w", err)
			}
		}
		// Nothing survives a restart in memory, so batches left open by a
		// previous process are closed out as failed.
		n, err := db.FailInterrupted(ctx)
		if err != nil {
			return fmt.Errorf("close out interrupted batches: %w", err)
		}
		if n > 0 {
			logger.Warn("marked interrupted batches as failed", "count", n)
		}

		store, archive = db, db
		checks["postgres"] = db.Ping
	} else {
		logger.Warn("DATABASE_URL not set, batches are kept in memory only")
	}

	var (
		summaries httpapi.SummaryCache
		indexer   upload.Processor
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		summaries = cache.NewSummaryCache(rdb, cfg.Redis.SummaryTTL)
		indexer = upload.NewRedisIndexer(rdb)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	uploads, closeUploads, err := newUploadExecutor(ctx, cfg.Upload, indexer, logger)
	if err != nil {
		return err
	}
	defer closeUploads()

	payouts, err := newPaymentExecutor(cfg.Payment, logger)
	if err != nil {
		return err
	}

	coordinator, err := batch.NewCoordinator(batch.Options{
		Registry:     batch.NewRegistry(uploads, payouts),
		Store:        store,
		Observer:     metrics,
		Logger:       logger,
		StoreTimeout: cfg.Postgres.StoreTimeout,
	})
	if err != nil {
		return err
	}

	api, err := httpapi.NewServer(httpapi.Options{
		Engine:       coordinator,
		Archive:      archive,
		Cache:        summaries,
		HealthChecks: checks,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := observability.StartMetricsServer(cfg.HTTP.MetricsAddr, reg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("API server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Stop taking requests first so no batch is accepted after the
		// coordinator starts cancelling.
		httpErr := srv.Shutdown(shutdownCtx)
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			logger.Error("running items did not finish before the deadline", "error", err)
		}
		_ = metricsSrv.Shutdown(shutdownCtx)
		return httpErr
	})
	return g.Wait()
}

func newUploadExecutor(ctx context.Context, cfg config.UploadConfig, indexer upload.Processor, logger *slog.Logger) (*upload.Executor, func(), error) {
	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create staging dir: %w", err)
	}
	source, err := upload.NewDirSource(cfg.StagingDir)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{source.Close}

	var blobs upload.BlobStore
	if cfg.S3Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			source.Close()
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		blobs = upload.NewS3Store(awsCfg, cfg.S3Bucket, cfg.S3Prefix)
		logger.Info("uploading to s3", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	} else {
		dir, err := upload.NewDirStore(cfg.BlobDir)
		if err != nil {
			source.Close()
			return nil, nil, err
		}
		blobs = dir
		closers = append(closers, dir.Close)
	}

	exec, err := upload.New(upload.Options{
		Source:       source,
		Store:        blobs,
		Processor:    indexer,
		MaxBytes:     cfg.MaxBytes,
		ContentTypes: cfg.ContentTypes,
		Logger:       logger,
	})
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return exec, closeAll, nil
}

func newPaymentExecutor(cfg config.PaymentConfig, logger *slog.Logger) (*payment.Executor, error) {
	var settler payment.Settler
	switch cfg.Provider {
	case config.ProviderStripe:
		settler = payment.NewStripeSettler(cfg.StripeSecretKey)
	default:
		logger.Warn("settling payouts against the in-process ledger", "balance", cfg.LedgerBalance)
		settler = payment.NewLedger(cfg.LedgerBalance)
	}
	return payment.New(payment.MethodsFromConfig(cfg.MethodFees, cfg.DisabledMethods), settler, logger)
}
