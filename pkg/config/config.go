// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig composes the configuration of the api, publisher and worker
// binaries.
// Every infrastructure section is optional: an empty URL or address
// disables that backend.
type AppConfig struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	HTTP     HTTPConfig
	Postgres DBConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	SQS      SQSConfig
	Upload   UploadConfig
	Payment  PaymentConfig
	Outbox   OutboxConfig
	Worker   WorkerConfig
}

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR"             envDefault:":8080"`
	MetricsAddr     string        `env:"METRICS_ADDR"          envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// MaxBodyBytes caps the size of a submission request body.
	MaxBodyBytes int64 `env:"HTTP_MAX_BODY_BYTES" envDefault:"4194304"`
}

// DBConfig contains PostgreSQL configuration.
type DBConfig struct {
	URL          string        `env:"DATABASE_URL"`
	MaxConns     int32         `env:"DB_MAX_CONNS"     envDefault:"10"`
	StoreTimeout time.Duration `env:"DB_STORE_TIMEOUT" envDefault:"10s"`
	InitSchema   bool          `env:"DB_INIT_SCHEMA"   envDefault:"true"`
}

// RedisConfig contains Redis configuration for the summary cache and the
// upload catalog.
type RedisConfig struct {
	Addr       string        `env:"REDIS_ADDR"`
	Password   string        `env:"REDIS_PASSWORD"`
	DB         int           `env:"REDIS_DB"          envDefault:"0"`
	SummaryTTL time.Duration `env:"SUMMARY_CACHE_TTL" envDefault:"24h"`
}

type RabbitMQConfig struct {
	URL string `env:"RABBITMQ_URL"`
}

// SQSConfig selects an SQS queue as an additional event sink. Credentials
// come from the default AWS chain.
type SQSConfig struct {
	QueueURL string `env:"SQS_QUEUE_URL"`
}

type UploadConfig struct {
	StagingDir   string   `env:"UPLOAD_STAGING_DIR"   envDefault:"./staging"`
	BlobDir      string   `env:"UPLOAD_BLOB_DIR"      envDefault:"./blobs"`
	S3Bucket     string   `env:"UPLOAD_S3_BUCKET"`
	S3Prefix     string   `env:"UPLOAD_S3_PREFIX"`
	MaxBytes     int64    `env:"UPLOAD_MAX_BYTES"     envDefault:"209715200"`
	ContentTypes []string `env:"UPLOAD_CONTENT_TYPES" envSeparator:","`
}

const (
	ProviderLedger = "ledger"
	ProviderStripe = "stripe"
)

type PaymentConfig struct {
	// MethodFees maps a method to its fee spec, e.g. "card:0.029,bank_transfer:5".
	MethodFees      map[string]float64 `env:"PAYMENT_METHOD_FEES"      envKeyValSeparator:":"`
	DisabledMethods []string           `env:"PAYMENT_DISABLED_METHODS" envSeparator:","`
	Provider        string             `env:"PAYMENT_PROVIDER"         envDefault:"ledger"`
	StripeSecretKey string             `env:"STRIPE_SECRET_KEY"`
	LedgerBalance   float64            `env:"PAYMENT_LEDGER_BALANCE"   envDefault:"100000"`
}

type OutboxConfig struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE"    envDefault:"50"`
}

// WorkerConfig tunes the consumer of the completed-events queue.
type WorkerConfig struct {
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`
	Prefetch    int `env:"WORKER_PREFETCH"    envDefault:"16"`
}

// Load reads an optional .env file, parses the environment and applies
// guard rails.
func Load() (AppConfig, error) {
	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return AppConfig{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize applies guardrails to configuration values loaded from env.
func (c *AppConfig) Sanitize() {
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 30 * time.Second
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 4 << 20
	}
	if c.Postgres.MaxConns < 1 {
		c.Postgres.MaxConns = 1
	}
	if c.Postgres.StoreTimeout <= 0 {
		c.Postgres.StoreTimeout = 10 * time.Second
	}
	if c.Redis.SummaryTTL <= 0 {
		c.Redis.SummaryTTL = 24 * time.Hour
	}
	if c.Upload.MaxBytes < 0 {
		c.Upload.MaxBytes = 0
	}

	c.Payment.Provider = strings.ToLower(strings.TrimSpace(c.Payment.Provider))
	if c.Payment.Provider == "" {
		c.Payment.Provider = ProviderLedger
	}
	for name, fee := range c.Payment.MethodFees {
		if fee < 0 {
			delete(c.Payment.MethodFees, name)
		}
	}

	c.Outbox.PollInterval = max(c.Outbox.PollInterval, 100*time.Millisecond)
	c.Outbox.BatchSize = max(1, min(c.Outbox.BatchSize, 1000))
	c.Worker.Concurrency = max(c.Worker.Concurrency, 1)
	c.Worker.Prefetch = max(c.Worker.Prefetch, c.Worker.Concurrency)
}

// Validate reports settings that cannot work together.
func (c *AppConfig) Validate() error {
	switch c.Payment.Provider {
	case ProviderLedger:
	case ProviderStripe:
		if c.Payment.StripeSecretKey == "" {
			return errors.New("PAYMENT_PROVIDER=stripe requires STRIPE_SECRET_KEY")
		}
	default:
		return fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.Payment.Provider)
	}
	return nil
}
