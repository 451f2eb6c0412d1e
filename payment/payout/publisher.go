package payout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher hands a payout intent to whatever executes transfers.
type Publisher interface {
	Publish(ctx context.Context, id string, topic string, payload []byte) error
}

// LogPublisher only logs intents; reconciliation happens from the
// payout_intents table.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	slog.InfoContext(ctx, "payout intent", "id", id, "topic", topic, "payload", string(payload))
	return nil
}

const (
	dialAttempts = 10
	dialBackoff  = 2 * time.Second
)

// amqpChannel is the part of *amqp.Channel payouts are sent through.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher sends each payout intent as one persistent message on a
// durable queue. The message id is the intent id so the consumer can dedupe
// redeliveries.
type RabbitMQPublisher struct {
	conn  io.Closer
	ch    amqpChannel
	queue string
	now   func() time.Time
}

// NewRabbitMQPublisher dials url, retrying while the broker comes up, and
// declares queue.
func NewRabbitMQPublisher(ctx context.Context, url string, queue string) (*RabbitMQPublisher, error) {
	conn, err := dial(ctx, url, dialAttempts, dialBackoff)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open payout channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare payout queue %s: %w", queue, err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, queue: queue, now: time.Now}, nil
}

func dial(ctx context.Context, url string, attempts int, backoff time.Duration) (*amqp.Connection, error) {
	var err error
	for i := 1; i <= attempts; i++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			return conn, nil
		}
		slog.WarnContext(ctx, "rabbitmq not reachable", "attempt", i, "of", attempts, "error", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to rabbitmq: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq: %w", err)
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, id string, topic string, payload []byte) error {
	err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		MessageId:    id,
		Type:         topic,
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
	})
	if err != nil {
		return fmt.Errorf("publish payout intent %s: %w", id, err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	cerr := p.ch.Close()
	if err := p.conn.Close(); err != nil {
		return err
	}
	return cerr
}
