package upload

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisIndexer records uploaded tracks in a Redis catalog: one hash per
// track and one set of track keys per batch.
type RedisIndexer struct {
	client redis.UniversalClient
}

func NewRedisIndexer(client redis.UniversalClient) *RedisIndexer {
	return &RedisIndexer{client: client}
}

func TrackKey(key string) string { return "catalog:track:" + key }
func BatchKey(batchID string) string { return "catalog:batch:" + batchID }

func (r *RedisIndexer) Process(ctx context.Context, t Track) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, TrackKey(t.Key), map[string]any{
			"batch_id":     t.BatchID,
			"item_id":      t.ItemID,
			"title":        t.Title,
			"artist":       t.Artist,
			"album":        t.Album,
			"genre":        t.Genre,
			"content_type": t.ContentType,
			"bytes":        t.Bytes,
		})
		pipe.SAdd(ctx, BatchKey(t.BatchID), t.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis index %s: %w", t.Key, err)
	}
	return nil
}
