package batch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batch-pipeline/pkg/batch"

	"github.com/stretchr/testify/require"
)

const testKind batch.Kind = "test"

// funcExecutor adapts plain functions to batch.Executor.
type funcExecutor struct {
	kind     batch.Kind
	validate func(json.RawMessage) []batch.FieldError
	run      func(ctx context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error)
}

func (f *funcExecutor) Kind() batch.Kind { return f.kind }

func (f *funcExecutor) Validate(cfg json.RawMessage) []batch.FieldError {
	if f.validate == nil {
		return nil
	}
	return f.validate(cfg)
}

func (f *funcExecutor) Execute(ctx context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error) {
	return f.run(ctx, task, rep)
}

func succeed(value float64) func(context.Context, batch.Task, batch.Reporter) (batch.Result, error) {
	return func(_ context.Context, _ batch.Task, rep batch.Reporter) (batch.Result, error) {
		rep.Progress(50)
		return batch.Result{Data: json.RawMessage(`{"ok":true}`), Value: value}, nil
	}
}

// gatedExecutor blocks every item until released and records the highest
// number of simultaneous executions.
type gatedExecutor struct {
	release chan struct{}
	started chan string

	current atomic.Int32
	peak    atomic.Int32
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{
		release: make(chan struct{}),
		started: make(chan string, 64),
	}
}

func (g *gatedExecutor) Kind() batch.Kind { return testKind }
func (g *gatedExecutor) Validate(json.RawMessage) []batch.FieldError { return nil }

func (g *gatedExecutor) Execute(ctx context.Context, task batch.Task, rep batch.Reporter) (batch.Result, error) {
	n := g.current.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	g.started <- task.ItemID
	defer g.current.Add(-1)

	select {
	case <-g.release:
	case <-ctx.Done():
		return batch.Result{}, ctx.Err()
	}
	rep.Progress(100)
	return batch.Result{Value: 1}, nil
}

// releaseAll unblocks all current and future executions.
func (g *gatedExecutor) releaseAll() {
	close(g.release)
}

func (g *gatedExecutor) waitStarted(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		select {
		case id := <-g.started:
			ids = append(ids, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d started items, got %v", n, ids)
		}
	}
	return ids
}

// memoryStore records every write; it is safe for concurrent use.
type memoryStore struct {
	mu       sync.Mutex
	created  []*batch.Job
	updates  map[string][]batch.Item
	complete []*batch.Job
	deleted  []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{updates: make(map[string][]batch.Item)}
}

func (m *memoryStore) CreateBatch(_ context.Context, job *batch.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, job)
	return nil
}

func (m *memoryStore) StartBatch(context.Context, string) error { return nil }

func (m *memoryStore) UpdateItem(_ context.Context, _ string, item batch.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[item.ID] = append(m.updates[item.ID], item)
	return nil
}

func (m *memoryStore) CompleteBatch(_ context.Context, job *batch.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete = append(m.complete, job)
	return nil
}

func (m *memoryStore) DeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *memoryStore) statuses(itemID string) []batch.ItemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []batch.ItemStatus
	for _, it := range m.updates[itemID] {
		out = append(out, it.Status)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(t *testing.T, store batch.Store, executors ...batch.Executor) *batch.Coordinator {
	t.Helper()
	c, err := batch.NewCoordinator(batch.Options{
		Registry: batch.NewRegistry(executors...),
		Store:    store,
		Logger:   discardLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func items(n int) []batch.ItemSpec {
	specs := make([]batch.ItemSpec, n)
	for i := range specs {
		specs[i] = batch.ItemSpec{ID: fmt.Sprintf("item-%d", i+1), Config: json.RawMessage(`{}`)}
	}
	return specs
}

func waitDone(t *testing.T, c *batch.Coordinator, id string) *batch.Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}
