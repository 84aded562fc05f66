// Package metrics exposes the Prometheus counters named in spec.md
// §4.2 ("Count emitted to observability") and §4.3 outcome tallies,
// grounded on the teacher's go.mod dependency on
// github.com/prometheus/client_golang.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsPublished counts successful dispatcher publishes.
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation_ingest",
		Subsystem: "outbox",
		Name:      "events_published_total",
		Help:      "Total number of outbox events published to the bus.",
	})

	// EventsRecovered counts stale-claim recoveries.
	EventsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation_ingest",
		Subsystem: "outbox",
		Name:      "events_recovered_total",
		Help:      "Total number of events reverted from PROCESSING to NEW by stale-claim recovery.",
	})

	// TasksCompleted counts tasks finalized as COMPLETED.
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation_ingest",
		Subsystem: "processor",
		Name:      "tasks_completed_total",
		Help:      "Total number of tasks finalized as COMPLETED.",
	})

	// TasksFailed counts tasks finalized as FAILED.
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation_ingest",
		Subsystem: "processor",
		Name:      "tasks_failed_total",
		Help:      "Total number of tasks finalized as FAILED.",
	})

	// MessagesDeadLettered counts nacked messages routed to the DLQ
	// delay path on a write-conflict.
	MessagesDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reservation_ingest",
		Subsystem: "processor",
		Name:      "messages_dead_lettered_total",
		Help:      "Total number of messages nacked to the DLX delay path on a store write conflict.",
	})
)

// Registry is the process-wide collector registry, exposed on
// /metrics by both binaries.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(EventsPublished, EventsRecovered, TasksCompleted, TasksFailed, MessagesDeadLettered)
}
