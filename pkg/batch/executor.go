package batch

import (
	"context"
	"encoding/json"
)

// Task is the unit of work handed to an Executor.
type Task struct {
	BatchID string
	ItemID  string
	Config  json.RawMessage
}

// Result is what a successful execution produces. Value feeds the
// summary's AggregateValue (bytes uploaded, amount paid, ...).
type Result struct {
	Data  json.RawMessage
	Value float64
}

// Reporter receives live progress from an executor. Calls are applied to the
// status table immediately.
type Reporter interface {
	// Progress records a completion percentage. Values are clamped to
	// [0,100]; values not above the last recorded one are ignored. Reaching
	// 100 moves the item to post-processing.
	Progress(percent int)
	// PostProcessing marks the transfer/settle phase done and the item as
	// post-processing at 100%.
	PostProcessing()
}

// Executor performs the per-item work for one batch kind. Execute must be
// safe to call concurrently for distinct items. A non-nil error marks the
// item Failed; executors should return *Error values with an item-level code.
type Executor interface {
	Kind() Kind
	// Validate checks an item's configuration at submission time. Field
	// names are relative to the config object.
	Validate(config json.RawMessage) []FieldError
	Execute(ctx context.Context, task Task, progress Reporter) (Result, error)
}
