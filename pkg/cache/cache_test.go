package cache_test

import (
	"context"
	"testing"
	"time"

	"batch-pipeline/pkg/batch"
	"batch-pipeline/pkg/cache"
	"batch-pipeline/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryCache(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	c := cache.NewSummaryCache(client, time.Minute)

	_, err := c.Get(ctx, "b1")
	assert.Equal(t, batch.CodeNotFound, batch.CodeOf(err))

	want := &batch.Summary{
		BatchID:        "b1",
		Kind:           batch.KindPaymentRun,
		Status:         batch.BatchCompleted,
		TotalItems:     3,
		Succeeded:      2,
		Failed:         1,
		AggregateValue: 150.5,
		Failures:       []batch.ItemFailure{{ItemID: "p3", Code: batch.CodeSettlement, Error: "declined"}},
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		GeneratedAt:    time.Date(2026, 1, 2, 3, 9, 5, 0, time.UTC),
	}
	require.NoError(t, c.Put(ctx, want))

	got, err := c.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ttl, err := client.TTL(ctx, "batch:summary:b1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	assert.Error(t, c.Put(ctx, &batch.Summary{}))
}
