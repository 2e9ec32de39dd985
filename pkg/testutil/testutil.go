// Package testutil connects integration tests to Postgres and Redis. Tests
// are skipped when the backing service is not configured.
package testutil

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"batch-pipeline/pkg/database"

	"github.com/redis/go-redis/v9"
)

// requireServices turns skips into failures, for CI jobs that provision
// Postgres and Redis.
func requireServices() bool {
	return os.Getenv("TEST_REQUIRE_SERVICES") == "true"
}

func skipOrFail(t testing.TB, format string, args ...any) {
	t.Helper()
	if requireServices() {
		t.Fatalf(format, args...)
	}
	t.Skipf(format, args...)
}

// SetupTestDB connects to TEST_DATABASE_URL, initializes the schema and
// empties every batch table.
func SetupTestDB(t testing.TB) *database.Client {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		skipOrFail(t, "TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, url, 4)
	if err != nil {
		skipOrFail(t, "Postgres not available for testing: %v", err)
	}
	t.Cleanup(db.Close)

	if err := db.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if err := db.Truncate(ctx); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

// SetupTestRedis connects to TEST_REDIS_ADDR and flushes the selected DB
// (TEST_REDIS_DB, default 1).
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		skipOrFail(t, "TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: testRedisDB()})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		skipOrFail(t, "Redis not available for testing at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Logf("warning: failed to close redis client: %v", err)
		}
	})

	// Clean up any existing test data
	client.FlushDB(ctx)
	return client
}

func testRedisDB() int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 1
}
