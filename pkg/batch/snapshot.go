package batch

import (
	"context"
	"time"
)

// Snapshot is a read-only copy of a batch for progress rendering. Items are
// in submission order and keyed by ID; completion order is not reflected.
type Snapshot struct {
	BatchID          string      `json:"batch_id"`
	Kind             Kind        `json:"kind"`
	Status           BatchStatus `json:"status"`
	ConcurrencyLimit int         `json:"concurrency_limit"`
	Items            []Item      `json:"items"`
	OverallPercent   float64     `json:"overall_percent"`
	Fault            string      `json:"fault,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Summary          *Summary    `json:"summary,omitempty"`
}

// Item returns the item with the given id.
func (s *Snapshot) Item(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// Snapshot returns the live state of a batch. The summary is only present
// once the batch is terminal.
func (c *Coordinator) Snapshot(batchID string) (*Snapshot, error) {
	r, err := c.lookup(batchID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(), nil
}

// Summary returns the results summary of a finished batch.
func (c *Coordinator) Summary(batchID string) (*Summary, error) {
	r, err := c.lookup(batchID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.settled || r.job.Summary == nil {
		return nil, NotTerminalError(batchID)
	}
	s := r.job.Summary.clone()
	return &s, nil
}

// Wait blocks until the batch is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, batchID string) (*Snapshot, error) {
	r, err := c.lookup(batchID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(), nil
}

// snapshot must be called with r.mu held.
func (r *run) snapshot() *Snapshot {
	s := SnapshotOf(r.job)
	if !r.settled {
		s.Summary = nil
	}
	return s
}

// SnapshotOf renders a job, for example one loaded back from storage, as a
// Snapshot. The job is copied.
func SnapshotOf(job *Job) *Snapshot {
	job = job.Clone()
	return &Snapshot{
		BatchID:          job.ID,
		Kind:             job.Kind,
		Status:           job.Status,
		ConcurrencyLimit: job.ConcurrencyLimit,
		Items:            job.Items,
		OverallPercent:   OverallPercent(job.Items),
		Fault:            job.Fault,
		CreatedAt:        job.CreatedAt,
		CompletedAt:      job.CompletedAt,
		Summary:          job.Summary,
	}
}

// OverallPercent is the arithmetic mean of the items' progress. Failed items
// count at their last recorded percent.
func OverallPercent(items []Item) float64 {
	if len(items) == 0 {
		return 0
	}
	total := 0
	for i := range items {
		total += items[i].ProgressPercent
	}
	return float64(total) / float64(len(items))
}
