// Package outbox implements the Outbox Dispatcher (D): an
// at-least-once publisher draining NEW events into the message bus,
// with stale-claim recovery (spec.md §4.2). Shaped on the teacher's
// paired-periodic-goroutine convention in accounting.go (a ticker per
// concern, each independently cancellable).
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/metrics"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

// Store is the subset of store.Store the dispatcher needs.
type Store interface {
	ClaimNewBatch(ctx context.Context, workerID string, batchSize int64, now time.Time) (int64, error)
	ClaimedByWorker(ctx context.Context, workerID string, now time.Time) ([]store.Event, error)
	WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error)
	MarkPublished(ctx context.Context, sessCtx mongo.SessionContext, id primitive.ObjectID, workerID string, now time.Time) (int64, error)
	RecoverStale(ctx context.Context, staleBefore time.Time) (int64, error)
}

// Publisher is the subset of bus.Publisher the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Dispatcher is the Outbox Dispatcher component D.
type Dispatcher struct {
	store     Store
	publisher Publisher
	cfg       config.Worker
	workerID  string

	Now func() time.Time
}

// New builds a Dispatcher with the stable worker identity
// "<host>-<pid>" named in spec.md §4.2.
func New(s Store, p Publisher, cfg config.Worker) *Dispatcher {
	host, _ := os.Hostname()
	return &Dispatcher{
		store:     s,
		publisher: p,
		cfg:       cfg,
		workerID:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the two periodic tasks (publishNewEvents every
// cfg.PublishTickInterval, recoverStaleEvents every
// cfg.RecoveryTickInterval) and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.loop(ctx, d.cfg.PublishTickInterval, d.PublishNewEvents)
	}()
	go func() {
		defer wg.Done()
		d.loop(ctx, d.cfg.RecoveryTickInterval, d.RecoverStaleEvents)
	}()

	wg.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// PublishNewEvents implements spec.md §4.2's publishNewEvents tick.
func (d *Dispatcher) PublishNewEvents(ctx context.Context) {
	now := d.Now()
	claimed, err := d.store.ClaimNewBatch(ctx, d.workerID, int64(d.cfg.BatchSize), now)
	if err != nil {
		logging.Errorf(ctx, logging.Subject(d.workerID), "outbox: claim batch: %v", err)
		return
	}
	if claimed == 0 {
		return
	}

	events, err := d.store.ClaimedByWorker(ctx, d.workerID, now)
	if err != nil {
		logging.Errorf(ctx, logging.Subject(d.workerID), "outbox: read claimed events: %v", err)
		return
	}

	for _, ev := range events {
		if err := d.publishOne(ctx, ev); err != nil {
			logging.Errorf(ctx, ev, "outbox: publish: %v", err)
			continue
		}
		metrics.EventsPublished.Inc()
	}
}

func (d *Dispatcher) publishOne(ctx context.Context, ev store.Event) error {
	_, err := d.store.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		// EventID is not persisted with the envelope; restore it from _id.
		env := ev.Event
		env.EventID = ev.ID.Hex()
		body, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload: %w", err)
		}
		if err := d.publisher.Publish(ctx, string(ev.EventName), body); err != nil {
			return nil, fmt.Errorf("publish to bus: %w", err)
		}

		modified, err := d.store.MarkPublished(ctx, sessCtx, ev.ID, d.workerID, d.Now())
		if err != nil {
			return nil, fmt.Errorf("mark published: %w", err)
		}
		if modified == 0 {
			// Concurrent recovery interleaved (spec.md §4.2 step 3);
			// abort so the message isn't double-counted as ours.
			return nil, fmt.Errorf("outbox: lost claim on event %s", ev.ID.Hex())
		}
		return nil, nil
	})
	return err
}

// RecoverStaleEvents implements spec.md §4.2's recoverStaleEvents
// tick.
func (d *Dispatcher) RecoverStaleEvents(ctx context.Context) {
	staleBefore := d.Now().Add(-time.Duration(d.cfg.StaleEventThresholdSecs) * time.Second)
	n, err := d.store.RecoverStale(ctx, staleBefore)
	if err != nil {
		logging.Errorf(ctx, logging.Subject(d.workerID), "outbox: recover stale: %v", err)
		return
	}
	if n > 0 {
		metrics.EventsRecovered.Add(float64(n))
		logging.Infof(ctx, logging.Subject(d.workerID), "outbox: recovered %d stale events", n)
	}
}
