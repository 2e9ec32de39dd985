package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultStoreTimeout = 10 * time.Second

	// A failed item never shows 100%, which is reserved for
	// post-processing and completed items.
	maxFailedPercent = 99
)

// ErrClosed is returned by Submit, Prepare and Start once Shutdown has begun.
var ErrClosed = errors.New("batch coordinator is shut down")

// Options groups dependencies for Coordinator.
type Options struct {
	Registry     *Registry     // Required: validates submissions and resolves executors
	Store        Store         // Optional: persistence; nil keeps state in memory only
	Observer     Observer      // Optional: lifecycle notifications for metrics
	Logger       *slog.Logger  // Optional: structured logger
	StoreTimeout time.Duration // Optional: deadline for each store write
}

// Coordinator drives batches through their executors. It owns the status
// table of every batch it has accepted until the caller purges it.
//
// Dispatch is event driven: a batch promotes queued items when it starts and
// whenever a running item finishes, so no goroutine ever waits on capacity.
type Coordinator struct {
	registry     *Registry
	store        Store
	observer     Observer
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time

	execCtx  context.Context
	stopExec context.CancelFunc
	inflight sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool
}

// run is the status table of a single batch. mu guards every mutable field
// and the job's items; the running counter and item statuses change together
// under it.
type run struct {
	exec Executor

	mu        sync.RWMutex
	job       *Job
	next      int // index of the next item to dispatch
	running   int
	started   bool
	cancelled bool
	fault     error
	finalized bool // settle has claimed the batch
	settled   bool // final state persisted and visible to readers
	done      chan struct{}
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}

	store := opts.Store
	if store == nil {
		store = nopStore{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:     opts.Registry,
		store:        store,
		observer:     observer,
		logger:       logger.With("component", "batch_coordinator"),
		storeTimeout: timeout,
		now:          time.Now,
		execCtx:      ctx,
		stopExec:     cancel,
		runs:         make(map[string]*run),
	}, nil
}

// Submit registers req and starts executing it immediately. If the batch was
// registered but could not be started, its id is returned with the error so
// the failed batch can still be inspected.
func (c *Coordinator) Submit(ctx context.Context, req SubmissionRequest) (string, error) {
	id, err := c.Prepare(ctx, req)
	if err != nil {
		return "", err
	}
	return id, c.Start(ctx, id)
}

// Prepare registers req without starting it. The batch stays HELD until
// Start or Cancel is called.
func (c *Coordinator) Prepare(ctx context.Context, req SubmissionRequest) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	job, err := c.registry.Register(req)
	if err != nil {
		return "", err
	}
	exec, _ := c.registry.Executor(job.Kind)

	if err := c.store.CreateBatch(ctx, job.Clone()); err != nil {
		return "", InfrastructureError("persist batch", err)
	}

	c.mu.Lock()
	c.runs[job.ID] = &run{exec: exec, job: job, done: make(chan struct{})}
	c.mu.Unlock()

	c.observer.BatchSubmitted(job.Kind, len(job.Items))
	c.logger.InfoContext(ctx, "batch registered",
		"batch_id", job.ID,
		"kind", job.Kind,
		"items", len(job.Items),
		"concurrency_limit", job.ConcurrencyLimit,
	)
	return job.ID, nil
}

// Start begins dispatching a held batch. Starting a batch that is already
// running, cancelled or finished is a no-op.
func (c *Coordinator) Start(ctx context.Context, batchID string) error {
	r, err := c.lookup(batchID)
	if err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	r.mu.Lock()
	if r.started || r.cancelled || r.finalized {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.job.Status = BatchRunning
	r.mu.Unlock()

	if err := c.store.StartBatch(ctx, batchID); err != nil {
		c.halt(r, fmt.Errorf("persist batch start: %w", err))
		c.settle(r)
		return InfrastructureError("persist batch start", err)
	}

	c.logger.InfoContext(ctx, "batch started", "batch_id", batchID)
	c.dispatch(r)
	return nil
}

// Cancel marks every queued item cancelled and stops further dispatch.
// Running items finish normally. Cancelling a finished batch is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, batchID string) error {
	r, err := c.lookup(batchID)
	if err != nil {
		return err
	}
	if c.cancelRun(r) {
		c.logger.InfoContext(ctx, "batch cancelled", "batch_id", batchID)
	}
	return nil
}

func (c *Coordinator) cancelRun(r *run) bool {
	r.mu.Lock()
	if r.cancelled || r.finalized {
		r.mu.Unlock()
		return false
	}
	r.cancelled = true
	cancelled := r.cancelQueued(c.now().UTC())
	r.mu.Unlock()

	for _, it := range cancelled {
		c.observer.ItemFinished(r.job.Kind, StatusCancelled, 0)
		if err := c.persistItem(r.job.ID, it); err != nil {
			c.halt(r, fmt.Errorf("persist item %s: %w", it.ID, err))
		}
	}
	c.settle(r)
	return true
}

// Purge forgets a finished batch and deletes its persisted state.
func (c *Coordinator) Purge(ctx context.Context, batchID string) error {
	r, err := c.lookup(batchID)
	if err != nil {
		return err
	}

	r.mu.RLock()
	settled := r.settled
	r.mu.RUnlock()
	if !settled {
		return NotTerminalError(batchID)
	}

	if err := c.store.DeleteBatch(ctx, batchID); err != nil {
		return InfrastructureError("delete batch", err)
	}

	c.mu.Lock()
	delete(c.runs, batchID)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "batch purged", "batch_id", batchID)
	return nil
}

// Shutdown cancels every batch and waits for running items to finish. If ctx
// expires first, the executors' context is cancelled and ctx.Err returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()

	for _, r := range runs {
		c.cancelRun(r)
	}

	idle := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(idle)
	}()

	defer c.stopExec()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Coordinator) lookup(batchID string) (*run, error) {
	c.mu.RLock()
	r, ok := c.runs[batchID]
	c.mu.RUnlock()
	if !ok {
		return nil, NotFoundError(batchID)
	}
	return r, nil
}

// dispatch promotes queued items, in submission order, while the batch has
// capacity.
func (c *Coordinator) dispatch(r *run) {
	r.mu.Lock()
	var (
		indexes []int
		items   []Item
	)
	for r.canDispatch() {
		i := r.next
		r.next++
		it := &r.job.Items[i]
		if it.Status != StatusQueued {
			continue
		}
		now := c.now().UTC()
		it.Status = StatusRunning
		it.StartedAt = &now
		r.running++
		indexes = append(indexes, i)
		items = append(items, it.clone())
	}
	if len(indexes) > 0 {
		c.inflight.Add(len(indexes))
	}
	r.mu.Unlock()

	for n, idx := range indexes {
		go c.runItem(r, idx, items[n])
	}
}

func (r *run) canDispatch() bool {
	return r.started && !r.cancelled && r.fault == nil &&
		r.running < r.job.ConcurrencyLimit && r.next < len(r.job.Items)
}

// cancelQueued must be called with r.mu held.
func (r *run) cancelQueued(now time.Time) []Item {
	var cancelled []Item
	for i := r.next; i < len(r.job.Items); i++ {
		it := &r.job.Items[i]
		if it.Status != StatusQueued {
			continue
		}
		it.Status = StatusCancelled
		it.FinishedAt = &now
		cancelled = append(cancelled, it.clone())
	}
	r.next = len(r.job.Items)
	return cancelled
}

func (c *Coordinator) runItem(r *run, idx int, item Item) {
	defer c.inflight.Done()

	kind := r.job.Kind
	start := time.Now()
	c.observer.ItemStarted(kind)

	if err := c.persistItem(r.job.ID, item); err != nil {
		c.halt(r, fmt.Errorf("persist item %s: %w", item.ID, err))
		c.finishItem(r, idx, Result{}, InfrastructureError("record item start", err), start)
		return
	}

	task := Task{BatchID: r.job.ID, ItemID: item.ID, Config: item.Config}
	res, err := c.execute(r.exec, task, &itemReporter{c: c, r: r, idx: idx})
	c.finishItem(r, idx, res, err, start)
}

func (c *Coordinator) execute(exec Executor, task Task, rep Reporter) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &Error{Code: CodeInternal, Message: fmt.Sprintf("executor panic: %v", p)}
		}
	}()
	return exec.Execute(c.execCtx, task, rep)
}

func (c *Coordinator) finishItem(r *run, idx int, res Result, execErr error, start time.Time) {
	r.mu.Lock()
	it := &r.job.Items[idx]
	now := c.now().UTC()
	if execErr == nil {
		it.Status = StatusCompleted
		it.ProgressPercent = 100
		it.Result = res.Data
		it.Value = res.Value
	} else {
		it.Status = StatusFailed
		it.Error = execErr.Error()
		it.ErrorCode = CodeOf(execErr)
		it.ProgressPercent = min(it.ProgressPercent, maxFailedPercent)
	}
	it.FinishedAt = &now
	final := it.clone()
	r.mu.Unlock()

	c.observer.ItemFinished(r.job.Kind, final.Status, time.Since(start))
	if execErr != nil {
		c.logger.Warn("batch item failed",
			"batch_id", r.job.ID,
			"item_id", final.ID,
			"error_code", final.ErrorCode,
			"error", execErr,
		)
	} else {
		c.logger.Debug("batch item completed", "batch_id", r.job.ID, "item_id", final.ID)
	}

	if err := c.persistItem(r.job.ID, final); err != nil {
		c.halt(r, fmt.Errorf("persist item %s: %w", final.ID, err))
	}

	r.mu.Lock()
	r.running--
	r.mu.Unlock()

	c.dispatch(r)
	c.settle(r)
}

// halt stops dispatch after an infrastructure fault. Queued items are
// cancelled; running items finish and the batch ends FAILED.
func (c *Coordinator) halt(r *run, cause error) {
	r.mu.Lock()
	if r.fault != nil {
		r.mu.Unlock()
		return
	}
	r.fault = cause
	r.job.Fault = cause.Error()
	cancelled := r.cancelQueued(c.now().UTC())
	r.mu.Unlock()

	c.logger.Error("batch halted", "batch_id", r.job.ID, "error", cause)
	for _, it := range cancelled {
		c.observer.ItemFinished(r.job.Kind, StatusCancelled, 0)
		if err := c.persistItem(r.job.ID, it); err != nil {
			c.logger.Warn("persist cancelled item", "batch_id", r.job.ID, "item_id", it.ID, "error", err)
		}
	}
}

// settle closes out the batch once nothing is queued or running. The final
// state is persisted first and only then published to readers, so a batch
// reports exactly one terminal status and summary.
func (c *Coordinator) settle(r *run) {
	r.mu.Lock()
	if r.finalized || r.running > 0 || r.next < len(r.job.Items) {
		r.mu.Unlock()
		return
	}
	r.finalized = true

	final := r.job.Clone()
	now := c.now().UTC()
	final.CompletedAt = &now
	switch {
	case r.fault != nil:
		final.Status = BatchFailed
	case r.cancelled:
		final.Status = BatchCancelled
	default:
		final.Status = BatchCompleted
	}
	r.mu.Unlock()

	summarize := func() {
		final.Summary = nil
		if summary, err := Summarize(final); err == nil {
			final.Summary = &summary
		}
	}
	summarize()

	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	err := c.store.CompleteBatch(ctx, final)
	cancel()
	if err != nil {
		final.Status = BatchFailed
		final.Fault = fmt.Sprintf("persist batch completion: %v", err)
		summarize()
		c.logger.Error("batch completion not persisted", "batch_id", final.ID, "error", err)
	}

	r.mu.Lock()
	if err != nil {
		r.fault = errors.New(final.Fault)
	}
	r.job.Status = final.Status
	r.job.Fault = final.Fault
	r.job.CompletedAt = final.CompletedAt
	r.job.Summary = final.Summary
	r.settled = true
	final = r.job.Clone()
	r.mu.Unlock()

	c.observer.BatchFinished(final.Kind, final.Status)
	attrs := []any{"batch_id", final.ID, "kind", final.Kind, "status", final.Status}
	if s := final.Summary; s != nil {
		attrs = append(attrs,
			"succeeded", s.Succeeded,
			"failed", s.Failed,
			"cancelled", s.Cancelled,
			"aggregate_value", s.AggregateValue,
		)
	}
	c.logger.Info("batch finished", attrs...)
	close(r.done)
}

func (c *Coordinator) persistItem(batchID string, item Item) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	return c.store.UpdateItem(ctx, batchID, item)
}

type itemReporter struct {
	c   *Coordinator
	r   *run
	idx int
}

func (p *itemReporter) Progress(percent int) {
	percent = max(0, min(percent, 100))

	p.r.mu.Lock()
	it := &p.r.job.Items[p.idx]
	if it.Status != StatusRunning || percent <= it.ProgressPercent {
		p.r.mu.Unlock()
		return
	}
	it.ProgressPercent = percent
	if percent < 100 {
		p.r.mu.Unlock()
		return
	}
	it.Status = StatusPostProcessing
	snap := it.clone()
	p.r.mu.Unlock()

	p.record(snap)
}

func (p *itemReporter) PostProcessing() {
	p.r.mu.Lock()
	it := &p.r.job.Items[p.idx]
	if it.Status != StatusRunning {
		p.r.mu.Unlock()
		return
	}
	it.Status = StatusPostProcessing
	it.ProgressPercent = 100
	snap := it.clone()
	p.r.mu.Unlock()

	p.record(snap)
}

func (p *itemReporter) record(item Item) {
	if err := p.c.persistItem(p.r.job.ID, item); err != nil {
		p.c.halt(p.r, fmt.Errorf("persist item %s: %w", item.ID, err))
	}
}
