package batch

import (
	"context"
	"time"
)

// Store persists batch state. A failed write is an infrastructure fault:
// the coordinator halts dispatch for that batch and marks it FAILED.
type Store interface {
	CreateBatch(ctx context.Context, job *Job) error
	StartBatch(ctx context.Context, batchID string) error
	UpdateItem(ctx context.Context, batchID string, item Item) error
	// CompleteBatch records the final batch state and its summary.
	CompleteBatch(ctx context.Context, job *Job) error
	DeleteBatch(ctx context.Context, batchID string) error
}

// Observer receives lifecycle notifications, typically for metrics.
type Observer interface {
	BatchSubmitted(kind Kind, items int)
	ItemStarted(kind Kind)
	ItemFinished(kind Kind, status ItemStatus, elapsed time.Duration)
	BatchFinished(kind Kind, status BatchStatus)
}

type nopStore struct{}

func (nopStore) CreateBatch(context.Context, *Job) error { return nil }
func (nopStore) StartBatch(context.Context, string) error { return nil }
func (nopStore) UpdateItem(context.Context, string, Item) error { return nil }
func (nopStore) CompleteBatch(context.Context, *Job) error { return nil }
func (nopStore) DeleteBatch(context.Context, string) error { return nil }

type nopObserver struct{}

func (nopObserver) BatchSubmitted(Kind, int) {}
func (nopObserver) ItemStarted(Kind) {}
func (nopObserver) ItemFinished(Kind, ItemStatus, time.Duration) {}
func (nopObserver) BatchFinished(Kind, BatchStatus) {}
