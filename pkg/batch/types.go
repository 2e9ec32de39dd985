package batch

import (
	"encoding/json"
	"time"
)

type Kind string
type ItemStatus string
type BatchStatus string

const (
	KindUpload     Kind = "upload"
	KindPaymentRun Kind = "payment_run"
)

const (
	StatusQueued         ItemStatus = "QUEUED"
	StatusRunning        ItemStatus = "RUNNING"
	StatusPostProcessing ItemStatus = "POST_PROCESSING"
	StatusCompleted      ItemStatus = "COMPLETED"
	StatusFailed         ItemStatus = "FAILED"
	StatusCancelled      ItemStatus = "CANCELLED"
)

const (
	BatchHeld      BatchStatus = "HELD" // registered, waiting for Start
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchCancelled BatchStatus = "CANCELLED"
	BatchFailed    BatchStatus = "FAILED" // infrastructure fault, not item failures
)

// Terminal reports whether no further transition is possible for the item.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Item struct {
	ID              string          `json:"id"`
	Config          json.RawMessage `json:"config"`
	Status          ItemStatus      `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	Error           string          `json:"error,omitempty"`
	ErrorCode       ErrorCode       `json:"error_code,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Value           float64         `json:"value,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}

type Job struct {
	ID               string      `json:"id"`
	Kind             Kind        `json:"kind"`
	Status           BatchStatus `json:"status"`
	ConcurrencyLimit int         `json:"concurrency_limit"`
	Items            []Item      `json:"items"`
	Fault            string      `json:"fault,omitempty"`
	Summary          *Summary    `json:"summary,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has been closed out: every item is in a
// terminal status and CompletedAt is set.
func (j *Job) Terminal() bool {
	if j.CompletedAt == nil {
		return false
	}
	for i := range j.Items {
		if !j.Items[i].Status.Terminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	c := *j
	c.Items = make([]Item, len(j.Items))
	for i := range j.Items {
		c.Items[i] = j.Items[i].clone()
	}
	if j.Summary != nil {
		s := j.Summary.clone()
		c.Summary = &s
	}
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func (it Item) clone() Item {
	c := it
	c.StartedAt = cloneTime(it.StartedAt)
	c.FinishedAt = cloneTime(it.FinishedAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type ItemSpec struct {
	ID     string          `json:"id"`
	Config json.RawMessage `json:"config"`
}

type SubmissionRequest struct {
	Kind             Kind       `json:"kind"`
	Items            []ItemSpec `json:"items"`
	ConcurrencyLimit int        `json:"concurrency_limit"`
}

type ItemFailure struct {
	ItemID string    `json:"item_id"`
	Code   ErrorCode `json:"code"`
	Error  string    `json:"error"`
}

type Summary struct {
	BatchID        string        `json:"batch_id"`
	Kind           Kind          `json:"kind"`
	Status         BatchStatus   `json:"status"`
	TotalItems     int           `json:"total_items"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Cancelled      int           `json:"cancelled"`
	AggregateValue float64       `json:"aggregate_value"`
	Failures       []ItemFailure `json:"failures,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

func (s Summary) clone() Summary {
	c := s
	if s.Failures != nil {
		c.Failures = append([]ItemFailure(nil), s.Failures...)
	}
	return c
}
