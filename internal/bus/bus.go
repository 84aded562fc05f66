// Package bus wraps the AMQP-style message bus (C4): fanout/topic
// exchanges, durable queues, a dead-letter topology, and per-message
// TTL-based delayed retry (spec.md §4.4).
package bus

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names declared durably at startup (spec.md §4.4).
const (
	ExchangeEvents = "x.events"
	ExchangeWorker = "x.worker"
	ExchangeDLQ    = "x.dlq"

	QueueWorkerTask = "q.worker.task"
	QueueDLQWorker  = "q.dlq.worker-task"

	RoutingTaskEvent  = "task.event"
	RoutingDLQPublish = "dlq-publish"
	RoutingDLQDelay   = "dlq-delay"
)

// Bus owns a single AMQP connection and the channels opened against
// it. Each publisher/consumer gets its own channel, matching the
// teacher's one-goroutine-one-resource convention.
type Bus struct {
	conn *amqp.Connection
}

// Connect dials the broker.
func Connect(url string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}
	return &Bus{conn: conn}, nil
}

// Channel opens a fresh AMQP channel.
func (b *Bus) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}
	return ch, nil
}

// Close closes the underlying connection. Called by the lifecycle
// supervisor before the store, after in-flight consumer sessions
// drain.
func (b *Bus) Close() error {
	return b.conn.Close()
}

// IsClosed reports whether the connection has been closed, used by
// the readiness endpoint.
func (b *Bus) IsClosed() bool {
	return b.conn.IsClosed()
}
