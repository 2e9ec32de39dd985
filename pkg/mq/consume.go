package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one batch event. Returning an error requeues the
// delivery unless the error wraps ErrPoison.
type Handler func(ctx context.Context, ev BatchEvent) error

// ErrPoison marks an event that can never be processed. Such deliveries are
// rejected without requeue and end up on the dead-letter queue.
var ErrPoison = errors.New("unprocessable event")

// DecodeBatchEvent parses a delivery body. Malformed bodies wrap ErrPoison.
func DecodeBatchEvent(body []byte) (BatchEvent, error) {
	var ev BatchEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrPoison, err)
	}
	if ev.BatchID == "" {
		return ev, fmt.Errorf("%w: missing batch_id", ErrPoison)
	}
	return ev, nil
}

// Serve runs concurrency handlers over deliveries until ctx is cancelled or
// the channel is closed. In-flight handlers finish before Serve returns.
func Serve(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, h Handler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency = max(concurrency, 1)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					handleDelivery(ctx, d, h, logger)
				}
			}
		}()
	}
	wg.Wait()
}

func handleDelivery(ctx context.Context, d amqp.Delivery, h Handler, logger *slog.Logger) {
	l := logger.With("message_id", d.MessageId, "routing_key", d.RoutingKey)

	ev, err := DecodeBatchEvent(d.Body)
	if err == nil {
		l = l.With("batch_id", ev.BatchID)
		err = h(ctx, ev)
	}

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			l.ErrorContext(ctx, "failed to ack event", "error", ackErr)
		}
	case errors.Is(err, ErrPoison):
		l.WarnContext(ctx, "dead-lettering event", "error", err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			l.ErrorContext(ctx, "failed to reject event", "error", nackErr)
		}
	default:
		l.ErrorContext(ctx, "event handling failed, requeueing", "error", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			l.ErrorContext(ctx, "failed to requeue event", "error", nackErr)
		}
	}
}
