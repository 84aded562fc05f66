package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/metrics"
	"github.com/mac-lisowski/reservation-ingest/internal/reservation"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

// InboundMessage is the wire shape of a q.worker.task delivery: the
// outbox's marshaled Envelope (spec.md §4.3 step 1).
type InboundMessage struct {
	EventID   string                   `json:"eventId"`
	EventName store.EventName          `json:"eventName"`
	Payload   store.TaskCreatedPayload `json:"payload"`
}

// Store is the subset of store.Store the processor needs.
type Store interface {
	ClaimPending(ctx context.Context, taskID, workerID string, now time.Time) (store.Task, error)
	Finalize(ctx context.Context, taskID string, status store.TaskStatus, errs []store.RowError, now time.Time) (int64, error)
	FinalizeTx(ctx context.Context, sessCtx mongo.SessionContext, taskID string, status store.TaskStatus, errs []store.RowError, now time.Time) (int64, error)
	WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error)
	MarkProcessedTx(ctx context.Context, sessCtx mongo.SessionContext, eventID primitive.ObjectID, appErr *store.EventError, now time.Time) (int64, error)
	MarkProcessed(ctx context.Context, eventID primitive.ObjectID, appErr *store.EventError, now time.Time) (int64, error)
}

// ReservationStore is the subset of reservation.Store the processor needs.
type ReservationStore interface {
	Upsert(ctx context.Context, sessCtx mongo.SessionContext, r reservation.Reservation, now time.Time) error
}

// ObjectStore is the subset of objectstore.Client the processor needs.
type ObjectStore interface {
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
}

// Processor is the Task Processor component P.
type Processor struct {
	store        Store
	reservations ReservationStore
	objects      ObjectStore
	cfg          config.Worker
	workerID     string

	Now func() time.Time
}

// New builds a Processor with the stable worker identity
// "<host>-<pid>", matching the outbox dispatcher's convention.
func New(s Store, r ReservationStore, objects ObjectStore, cfg config.Worker) *Processor {
	host, _ := os.Hostname()
	return &Processor{
		store:        s,
		reservations: r,
		objects:      objects,
		cfg:          cfg,
		workerID:     fmt.Sprintf("%s-%d", host, os.Getpid()),
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run consumes deliveries until the channel closes or ctx is
// cancelled, acking or nacking each one per Handle's verdict.
func (p *Processor) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			p.Handle(ctx, d)
		}
	}
}

// Handle decodes one delivery and acks or nacks it per the outcome of
// Process. A malformed message (missing eventId/payload) is a poison
// message: acked and dropped, never redelivered (spec.md §4.3 step 1).
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) {
	var msg InboundMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.EventID == "" || msg.Payload.TaskID == "" {
		logging.Errorf(ctx, logging.Subject(p.workerID), "task: poison message, dropping: %v", err)
		d.Ack(false)
		return
	}

	if err := p.Process(ctx, msg); err != nil {
		logging.Errorf(ctx, store.TaskRef(msg.Payload.TaskID), "task: nacking to DLX: %v", err)
		metrics.MessagesDeadLettered.Inc()
		d.Nack(false, false)
		return
	}
	d.Ack(false)
}

// Process runs spec.md §4.3's per-message algorithm. It returns a
// non-nil error only for a Mongo write-conflict — the caller routes
// that to the DLX delay path for retry. Every other failure is
// absorbed here: the Task is marked FAILED (best effort) and the
// message is still acknowledged, since redelivering it would not
// change the outcome. A message whose eventId is not a valid ObjectID
// is dropped without any store write.
func (p *Processor) Process(ctx context.Context, msg InboundMessage) error {
	eventOID, err := primitive.ObjectIDFromHex(msg.EventID)
	if err != nil {
		logging.Errorf(ctx, store.TaskRef(msg.Payload.TaskID), "task: malformed eventId %q, dropping", msg.EventID)
		return nil
	}

	now := p.Now()
	subject := store.TaskRef(msg.Payload.TaskID)

	task, err := p.store.ClaimPending(ctx, msg.Payload.TaskID, p.workerID, now)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Already claimed by another delivery of the same event, or
			// already finalized — the idempotent-claim line of defense
			// (spec.md §4.3 step 3). Ack without doing anything further.
			logging.Infof(ctx, subject, "task: already claimed or finalized, skipping")
			return nil
		}
		if store.IsWriteConflict(err) {
			return err
		}
		logging.Errorf(ctx, subject, "task: claim failed: %v", err)
		p.finalizeBestEffort(ctx, msg.Payload.TaskID, eventOID, store.TaskFailed, []store.RowError{{Error: err.Error()}}, now)
		metrics.TasksFailed.Inc()
		return nil
	}

	rows, rowErrs, readErr := p.readAndValidate(ctx, task)
	if readErr != nil {
		p.finalizeBestEffort(ctx, task.TaskID, eventOID, store.TaskFailed, []store.RowError{{Error: readErr.Error()}}, now)
		metrics.TasksFailed.Inc()
		return nil
	}

	if err := p.upsertAll(ctx, rows); err != nil {
		if store.IsWriteConflict(err) {
			return err
		}
		p.finalizeBestEffort(ctx, task.TaskID, eventOID, store.TaskFailed, rowErrs, now)
		metrics.TasksFailed.Inc()
		return nil
	}

	status := store.TaskCompleted
	if len(rowErrs) > 0 {
		status = store.TaskFailed
	}

	if err := p.finalize(ctx, task.TaskID, eventOID, status, rowErrs, now); err != nil {
		if store.IsWriteConflict(err) {
			return err
		}
		logging.Errorf(ctx, subject, "task: finalize: %v", err)
		p.finalizeBestEffort(ctx, task.TaskID, eventOID, store.TaskFailed, append(rowErrs, store.RowError{Error: err.Error()}), now)
		metrics.TasksFailed.Inc()
		return nil
	}

	if status == store.TaskCompleted {
		metrics.TasksCompleted.Inc()
	} else {
		metrics.TasksFailed.Inc()
	}
	return nil
}

// readAndValidate downloads the assembled artifact and validates every
// row in memory, outside any transaction (spec.md §5: file bytes are
// never held open across a transaction boundary).
func (p *Processor) readAndValidate(ctx context.Context, task store.Task) ([]reservation.Reservation, []store.RowError, error) {
	body, err := p.objects.GetStream(ctx, task.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("download artifact: %w", err)
	}
	defer body.Close()

	rawRows, err := ReadRows(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decode workbook: %w", err)
	}

	valid, errs := validateRows(rawRows)
	rowErrs := make([]store.RowError, len(errs))
	for i, e := range errs {
		row := e.row
		rowErrs[i] = store.RowError{Row: &row, Error: e.message}
	}
	return valid, rowErrs, nil
}

// upsertAll writes every validated reservation, either as one
// transaction (TransactionModeSingle) or as a sequence of short,
// bounded transactions (TransactionModeBatched, the default — spec.md
// §9 Open Question resolved in SPEC_FULL.md §4.3).
func (p *Processor) upsertAll(ctx context.Context, rows []reservation.Reservation) error {
	if len(rows) == 0 {
		return nil
	}
	if p.cfg.TransactionMode == config.TransactionModeSingle {
		_, err := p.store.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
			return nil, p.upsertBatch(ctx, sessCtx, rows)
		})
		return err
	}

	batchSize := p.cfg.ReservationUpsertBatch
	if batchSize <= 0 {
		batchSize = len(rows)
	}
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		_, err := p.store.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
			return nil, p.upsertBatch(ctx, sessCtx, batch)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) upsertBatch(ctx context.Context, sessCtx mongo.SessionContext, rows []reservation.Reservation) error {
	now := p.Now()
	for _, r := range rows {
		if err := p.reservations.Upsert(ctx, sessCtx, r, now); err != nil {
			return fmt.Errorf("upsert reservation %s: %w", r.ReservationID, err)
		}
	}
	return nil
}

// finalize commits the Task's terminal status and the Event's
// PROCESSED status atomically, in the same transaction (spec.md §4.3
// step 7 — "a Task never advances to a terminal state without its
// corresponding Event being marked PROCESSED in the same
// transaction").
func (p *Processor) finalize(ctx context.Context, taskID string, eventID primitive.ObjectID, status store.TaskStatus, rowErrs []store.RowError, now time.Time) error {
	_, err := p.store.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		modified, err := p.store.FinalizeTx(ctx, sessCtx, taskID, status, rowErrs, now)
		if err != nil {
			return nil, fmt.Errorf("finalize task: %w", err)
		}
		if modified == 0 {
			return nil, apperr.LostLease(fmt.Errorf("task: lost claim on %s during finalize", taskID))
		}

		var appErr *store.EventError
		if status == store.TaskFailed {
			appErr = &store.EventError{
				Message: fmt.Sprintf("Processing completed with %d errors", len(rowErrs)),
				Details: rowErrs,
			}
		}
		if _, err := p.store.MarkProcessedTx(ctx, sessCtx, eventID, appErr, now); err != nil {
			return nil, fmt.Errorf("mark event processed: %w", err)
		}
		return nil, nil
	})
	return err
}

// finalizeBestEffort is the fallback path for failures outside a
// normal finalize (claim, download/decode, upsert batch or finalize
// transaction errors). It marks the Task FAILED and the Event
// PROCESSED outside a transaction, on a best-effort basis — if even
// this fails, the error is logged and the Task and Event are left as
// they are (spec.md §4.3 "fallback" path).
func (p *Processor) finalizeBestEffort(ctx context.Context, taskID string, eventID primitive.ObjectID, status store.TaskStatus, rowErrs []store.RowError, now time.Time) {
	subject := store.TaskRef(taskID)
	if _, err := p.store.Finalize(ctx, taskID, status, rowErrs, now); err != nil {
		logging.Errorf(ctx, subject, "task: fallback finalize: %v", err)
	}
	appErr := &store.EventError{Message: "task finalized as FAILED via fallback path"}
	if _, err := p.store.MarkProcessed(ctx, eventID, appErr, now); err != nil {
		logging.Errorf(ctx, subject, "task: fallback mark event processed: %v", err)
	}
}
