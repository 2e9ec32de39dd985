package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry validates submissions and turns them into queued jobs. It never
// starts execution.
type Registry struct {
	executors map[Kind]Executor
	now       func() time.Time
	newID     func() string
}

// NewRegistry builds a registry for the given executors. A later executor
// for the same kind replaces an earlier one.
func NewRegistry(executors ...Executor) *Registry {
	r := &Registry{
		executors: make(map[Kind]Executor, len(executors)),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, e := range executors {
		r.executors[e.Kind()] = e
	}
	return r
}

// Executor returns the executor registered for kind.
func (r *Registry) Executor(kind Kind) (Executor, bool) {
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds lists the registered batch kinds.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

// Register validates req and returns a held job with every item queued at 0%.
func (r *Registry) Register(req SubmissionRequest) (*Job, error) {
	var fields []FieldError

	exec, ok := r.executors[req.Kind]
	if !ok {
		fields = append(fields, FieldError{Field: "kind", Message: fmt.Sprintf("unsupported batch kind %q", req.Kind)})
	}
	if req.ConcurrencyLimit < 1 {
		fields = append(fields, FieldError{Field: "concurrency_limit", Message: "must be at least 1"})
	}
	if len(req.Items) == 0 {
		fields = append(fields, FieldError{Field: "items", Message: "batch must contain at least one item"})
	}

	seen := make(map[string]int, len(req.Items))
	for i, spec := range req.Items {
		prefix := fmt.Sprintf("items[%d]", i)
		switch prev, dup := seen[spec.ID]; {
		case spec.ID == "":
			fields = append(fields, FieldError{Field: prefix + ".id", Message: "is required"})
		case dup:
			fields = append(fields, FieldError{
				Field:   prefix + ".id",
				Message: fmt.Sprintf("duplicates items[%d].id %q", prev, spec.ID),
			})
		default:
			seen[spec.ID] = i
		}
		if exec == nil {
			continue
		}
		for _, fe := range exec.Validate(spec.Config) {
			if fe.Field == "" {
				fe.Field = prefix + ".config"
			} else {
				fe.Field = prefix + ".config." + fe.Field
			}
			fields = append(fields, fe)
		}
	}

	if len(fields) > 0 {
		return nil, ValidationError(fields...)
	}

	job := &Job{
		ID:               r.newID(),
		Kind:             req.Kind,
		Status:           BatchHeld,
		ConcurrencyLimit: req.ConcurrencyLimit,
		Items:            make([]Item, len(req.Items)),
		CreatedAt:        r.now().UTC(),
	}
	for i, spec := range req.Items {
		job.Items[i] = Item{
			ID:     spec.ID,
			Config: append([]byte(nil), spec.Config...),
			Status: StatusQueued,
		}
	}
	return job, nil
}
