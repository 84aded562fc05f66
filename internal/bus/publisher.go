package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes persistent messages to the events fanout
// exchange. One Publisher per dispatcher goroutine, each owning its
// own channel — avoids cross-goroutine channel sharing, which the
// amqp091-go client does not support safely for publishing.
type Publisher struct {
	ch *amqp.Channel
}

// NewPublisher opens a dedicated channel for publishing.
func NewPublisher(b *Bus) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error { return p.ch.Close() }

// Publish sends body to ExchangeEvents with the given routing key and
// the persistent delivery flag (spec.md §4.2 step 3).
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	err := p.ch.PublishWithContext(ctx, ExchangeEvents, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus: publish %s: %w", routingKey, err)
	}
	return nil
}
