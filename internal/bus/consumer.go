package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer wraps a single-channel subscription to q.worker.task with
// prefetch=1, matching spec.md §4.3's "one in-flight message per
// consumer" requirement.
type Consumer struct {
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
}

// NewConsumer opens a dedicated channel, sets QoS prefetch, and begins
// consuming from QueueWorkerTask.
func NewConsumer(b *Bus, consumerTag string, prefetch int) (*Consumer, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bus: set qos: %w", err)
	}
	msgs, err := ch.Consume(QueueWorkerTask, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("bus: consume %s: %w", QueueWorkerTask, err)
	}
	return &Consumer{ch: ch, msgs: msgs}, nil
}

// Deliveries exposes the inbound delivery channel for the processor's
// consume loop.
func (c *Consumer) Deliveries() <-chan amqp.Delivery { return c.msgs }

// Close closes the consumer's channel, letting in-flight deliveries
// either complete or be requeued by the broker.
func (c *Consumer) Close() error { return c.ch.Close() }
