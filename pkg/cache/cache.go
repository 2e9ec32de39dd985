// Package cache keeps summaries of purged batches retrievable for a while.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"batch-pipeline/pkg/batch"

	"github.com/redis/go-redis/v9"
)

// SummaryCache stores batch summaries in Redis as JSON with a TTL.
type SummaryCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewSummaryCache(client redis.UniversalClient, ttl time.Duration) *SummaryCache {
	return &SummaryCache{client: client, ttl: ttl}
}

func summaryKey(batchID string) string {
	return "batch:summary:" + batchID
}

func (c *SummaryCache) Put(ctx context.Context, s *batch.Summary) error {
	if s == nil || s.BatchID == "" {
		return errors.New("summary without batch id")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return c.client.Set(ctx, summaryKey(s.BatchID), data, c.ttl).Err()
}

// Get returns the cached summary or a not-found error.
func (c *SummaryCache) Get(ctx context.Context, batchID string) (*batch.Summary, error) {
	data, err := c.client.Get(ctx, summaryKey(batchID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, batch.NotFoundError(batchID)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var s batch.Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &s, nil
}
