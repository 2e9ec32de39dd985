// Package mq carries batch lifecycle events to message brokers.
package mq

import (
	"context"
	"strings"
	"time"

	"batch-pipeline/pkg/batch"
)

// Publisher delivers one event body to a broker.
type Publisher interface {
	PublishEvent(ctx context.Context, exchange, routingKey, messageID string, body []byte) error
}

// BatchEvent is emitted once per batch when it reaches a terminal status.
type BatchEvent struct {
	Event       string            `json:"event"`
	BatchID     string            `json:"batch_id"`
	Kind        batch.Kind        `json:"kind"`
	Status      batch.BatchStatus `json:"status"`
	Fault       string            `json:"fault,omitempty"`
	Summary     *batch.Summary    `json:"summary,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

func NewBatchEvent(job *batch.Job) BatchEvent {
	return BatchEvent{
		Event:       RoutingKey(job.Status),
		BatchID:     job.ID,
		Kind:        job.Kind,
		Status:      job.Status,
		Fault:       job.Fault,
		Summary:     job.Summary,
		CompletedAt: job.CompletedAt,
	}
}

// RoutingKey is the topic a batch status is published under, e.g.
// "batch.completed".
func RoutingKey(status batch.BatchStatus) string {
	return "batch." + strings.ToLower(string(status))
}
