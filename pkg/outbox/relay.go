// Package outbox relays batch completion events written by the api into the
// message brokers.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"batch-pipeline/pkg/database"
	"batch-pipeline/pkg/mq"
)

// Source is the durable outbox table.
type Source interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

// Sink is a named broker destination.
type Sink struct {
	Name      string
	Publisher mq.Publisher
}

// Observer receives the outcome of every publish attempt.
type Observer interface {
	Relayed(sink string, err error)
}

type Relay struct {
	source    Source
	sinks     []Sink
	observer  Observer
	batchSize int
	logger    *slog.Logger
}

func NewRelay(source Source, sinks []Sink, observer Observer, batchSize int, logger *slog.Logger) (*Relay, error) {
	if source == nil {
		return nil, errors.New("outbox source is required")
	}
	if len(sinks) == 0 {
		return nil, errors.New("at least one sink is required")
	}
	if batchSize < 1 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:    source,
		sinks:     sinks,
		observer:  observer,
		batchSize: batchSize,
		logger:    logger.With("component", "outbox_relay"),
	}, nil
}

// Run relays pending messages every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "failed to fetch outbox messages", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOnce relays one page of messages and returns how many were
// delivered. A message is deleted only after every sink accepted it, so a
// sink that fails causes redelivery to all of them on the next pass.
// Consumers dedupe on the message id.
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	messages, err := r.source.FetchOutboxMessages(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, m := range messages {
		l := r.logger.With("outbox_id", m.ID, "batch_id", m.BatchID, "routing_key", m.RoutingKey)
		if !r.publish(ctx, l, m) {
			continue
		}
		if err := r.source.DeleteOutboxMessage(ctx, m.ID); err != nil {
			l.ErrorContext(ctx, "failed to delete outbox message after publish", "error", err)
			continue
		}
		delivered++
		l.InfoContext(ctx, "published batch event from outbox")
	}
	return delivered, nil
}

func (r *Relay) publish(ctx context.Context, l *slog.Logger, m database.OutboxMessage) bool {
	ok := true
	for _, s := range r.sinks {
		err := s.Publisher.PublishEvent(ctx, m.Exchange, m.RoutingKey, m.ID, m.Payload)
		if r.observer != nil {
			r.observer.Relayed(s.Name, err)
		}
		if err != nil {
			l.ErrorContext(ctx, "failed to publish batch event", "sink", s.Name, "error", err)
			ok = false
		}
	}
	return ok
}
