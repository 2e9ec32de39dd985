package batch

// Summarize builds the results summary of a terminal job. It only reads the
// job, so calling it repeatedly yields identical output; GeneratedAt is the
// job's completion time for that reason.
func Summarize(job *Job) (Summary, error) {
	if job == nil {
		return Summary{}, NotFoundError("")
	}
	if !job.Terminal() {
		return Summary{}, NotTerminalError(job.ID)
	}

	s := Summary{
		BatchID:     job.ID,
		Kind:        job.Kind,
		Status:      job.Status,
		TotalItems:  len(job.Items),
		CreatedAt:   job.CreatedAt,
		GeneratedAt: *job.CompletedAt,
	}
	for i := range job.Items {
		it := &job.Items[i]
		switch it.Status {
		case StatusCompleted:
			s.Succeeded++
			s.AggregateValue += it.Value
		case StatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, ItemFailure{ItemID: it.ID, Code: it.ErrorCode, Error: it.Error})
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
