package mq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	EventsExchange  = "batches.events"
	DLXExchange     = "batches.dlx"
	CompletedQueue  = "batches.completed"
	DeadLetterQueue = "batches.dead_letter.queue"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	// Publisher confirms let the outbox relay delete a row only once the
	// broker has taken the message.
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Topic exchange for batch lifecycle events
	if err := c.ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	// Dead-letter queue
	_, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	// Every terminal batch event lands in the completed queue.
	_, err = c.ch.QueueDeclare(CompletedQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange, // Rejected events go to DLX
	})
	if err != nil {
		return err
	}
	return c.ch.QueueBind(CompletedQueue, "batch.*", EventsExchange, false, nil)
}

// PublishEvent publishes a JSON event and waits for the broker to confirm it.
func (c *Client) PublishEvent(ctx context.Context, exchange, routingKey, messageID string, body []byte) error {
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Body:         body,
		})
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errors.New("broker rejected the message")
	}
	return nil
}

// ConsumeCompleted delivers events from the completed queue with at most
// prefetch unacknowledged deliveries outstanding. Deliveries must be
// acknowledged by the caller.
func (c *Client) ConsumeCompleted(prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return c.ch.Consume(
		CompletedQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

// Subscribe binds a private, auto-deleted queue to the events exchange and
// delivers every event matching pattern. It does not compete with consumers
// of the completed queue.
func (c *Client) Subscribe(pattern string) (<-chan amqp.Delivery, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return nil, fmt.Errorf("declare subscription queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, pattern, EventsExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind subscription queue: %w", err)
	}
	return c.ch.Consume(q.Name, "", false, true, false, false, nil)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
