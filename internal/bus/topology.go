package bus

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareTopology declares the exchanges, queues and bindings exactly
// as spec.md §4.4 describes, run once at supervisor startup:
//
//   - x.events (fanout, durable), x.worker (topic, durable),
//     x.dlq (topic, durable)
//   - x.events -> x.worker on "#.event"; x.dlq -> x.worker on "dlq-publish"
//   - q.worker.task bound to x.worker on "task.event" and "dlq-publish",
//     DLX x.dlq / dlq-delay
//   - q.dlq.worker-task bound to x.dlq on "dlq-delay", TTL dlqTTL,
//     DLX x.dlq / dlq-publish
func DeclareTopology(ch *amqp.Channel, dlqTTL time.Duration) error {
	if err := ch.ExchangeDeclare(ExchangeEvents, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", ExchangeEvents, err)
	}
	if err := ch.ExchangeDeclare(ExchangeWorker, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", ExchangeWorker, err)
	}
	if err := ch.ExchangeDeclare(ExchangeDLQ, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", ExchangeDLQ, err)
	}

	if err := ch.ExchangeBind(ExchangeWorker, "#.event", ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s -> %s: %w", ExchangeEvents, ExchangeWorker, err)
	}
	if err := ch.ExchangeBind(ExchangeWorker, RoutingDLQPublish, ExchangeDLQ, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s -> %s: %w", ExchangeDLQ, ExchangeWorker, err)
	}

	_, err := ch.QueueDeclare(QueueWorkerTask, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    ExchangeDLQ,
		"x-dead-letter-routing-key": RoutingDLQDelay,
	})
	if err != nil {
		return fmt.Errorf("bus: declare %s: %w", QueueWorkerTask, err)
	}
	if err := ch.QueueBind(QueueWorkerTask, RoutingTaskEvent, ExchangeWorker, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s on %s: %w", QueueWorkerTask, RoutingTaskEvent, err)
	}
	if err := ch.QueueBind(QueueWorkerTask, RoutingDLQPublish, ExchangeWorker, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s on %s: %w", QueueWorkerTask, RoutingDLQPublish, err)
	}

	_, err = ch.QueueDeclare(QueueDLQWorker, true, false, false, false, amqp.Table{
		"x-message-ttl":             int64(dlqTTL / time.Millisecond),
		"x-dead-letter-exchange":    ExchangeDLQ,
		"x-dead-letter-routing-key": RoutingDLQPublish,
	})
	if err != nil {
		return fmt.Errorf("bus: declare %s: %w", QueueDLQWorker, err)
	}
	if err := ch.QueueBind(QueueDLQWorker, RoutingDLQDelay, ExchangeDLQ, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s on %s: %w", QueueDLQWorker, RoutingDLQDelay, err)
	}

	return nil
}
