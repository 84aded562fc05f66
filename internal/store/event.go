package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventStatus is one of NEW, PROCESSING, PUBLISHED, PROCESSED, FAILED
// (spec.md §3, invariant I1/I2).
type EventStatus string

const (
	EventNew        EventStatus = "NEW"
	EventProcessing EventStatus = "PROCESSING"
	EventPublished  EventStatus = "PUBLISHED"
	EventProcessed  EventStatus = "PROCESSED"
	EventFailed     EventStatus = "FAILED"
)

// EventName is the routing-key discriminator carried by every Event.
type EventName string

// TaskCreatedEvent is the only event name the core currently emits
// (spec.md §6).
const TaskCreatedEvent EventName = "task.created.event"

// TaskCreatedPayload is the payload embedded in a task.created.event.
type TaskCreatedPayload struct {
	TaskID           string `bson:"taskId" json:"taskId"`
	FilePath         string `bson:"filePath" json:"filePath"`
	OriginalFileName string `bson:"originalFileName" json:"originalFileName"`
}

// Envelope is the embedded payload envelope carried by an Event
// (spec.md §3: "event: embedded payload envelope"). EventID travels
// on the wire so a consumer can report back which Event its message
// corresponds to without a second lookup.
type Envelope struct {
	EventID   string             `bson:"-" json:"eventId"`
	EventName EventName          `bson:"eventName" json:"eventName"`
	Payload   TaskCreatedPayload `bson:"payload" json:"payload"`
}

// EventError is the optional terminal error recorded on an Event.
type EventError struct {
	Message string      `bson:"message" json:"message"`
	Details interface{} `bson:"details,omitempty" json:"details,omitempty"`
}

// Event is a durable outbox entry (spec.md §3).
type Event struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	EventName    EventName          `bson:"eventName" json:"eventName"`
	Event        Envelope           `bson:"event" json:"event"`
	Status       EventStatus        `bson:"status" json:"status"`
	WorkerID     *string            `bson:"workerId" json:"-"`
	ProcessingAt *time.Time         `bson:"processingAt" json:"-"`
	PublishedAt  *time.Time         `bson:"publishedAt" json:"publishedAt"`
	ProcessedAt  *time.Time         `bson:"processedAt" json:"processedAt"`
	Error        *EventError        `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt" json:"createdAt"`
}

func (e Event) String() string { return "event:" + e.ID.Hex() }

// NewTaskCreatedEvent builds the Task+Event pair committed atomically
// by the upload assembler (spec.md §4.1 step 4).
func NewTaskCreatedEvent(payload TaskCreatedPayload, now time.Time) Event {
	id := primitive.NewObjectID()
	return Event{
		ID:        id,
		EventName: TaskCreatedEvent,
		Event: Envelope{
			EventID:   id.Hex(),
			EventName: TaskCreatedEvent,
			Payload:   payload,
		},
		Status:    EventNew,
		CreatedAt: now,
	}
}

// InsertEvent is used only inside the upload assembler's terminal
// transaction.
func (s *Store) InsertEvent(ctx context.Context, sessCtx mongo.SessionContext, e Event) error {
	_, err := s.Events.InsertOne(sessCtx, e)
	return err
}

// ClaimNewBatch is the dispatcher's publishNewEvents claim protocol
// step 1 (spec.md §4.2): an atomic updateMany over {status: NEW}
// ordered by createdAt ascending, bounded at batchSize. Mongo's
// updateMany does not support an order+limit in one call, so the
// dispatcher first selects the candidate _ids ordered by createdAt
// (bounded at batchSize), then claims exactly that set — the atomic
// per-document update (not a row lock) remains the sole mutual
// exclusion mechanism, matching spec.md's explicit note that "no
// row-level lock is taken".
func (s *Store) ClaimNewBatch(ctx context.Context, workerID string, batchSize int64, now time.Time) (int64, error) {
	cursor, err := s.Events.Find(ctx,
		bson.M{"status": EventNew},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(batchSize).SetProjection(bson.M{"_id": 1}),
	)
	if err != nil {
		return 0, err
	}
	var ids []primitive.ObjectID
	for cursor.Next(ctx) {
		var doc struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			cursor.Close(ctx)
			return 0, err
		}
		ids = append(ids, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return 0, err
	}
	cursor.Close(ctx)
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.Events.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": EventNew},
		bson.M{"$set": bson.M{"status": EventProcessing, "workerId": workerID, "processingAt": now}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// ClaimedByWorker reads back events claimed by this worker (spec.md
// §4.2 step 2).
func (s *Store) ClaimedByWorker(ctx context.Context, workerID string, now time.Time) ([]Event, error) {
	cursor, err := s.Events.Find(ctx, bson.M{
		"status":       EventProcessing,
		"workerId":     workerID,
		"processingAt": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// MarkPublished finalizes one event's publish within a transaction
// (spec.md §4.2 step 3). Zero modified count means a concurrent
// recovery interleaved and the caller should abort the transaction.
func (s *Store) MarkPublished(ctx context.Context, sessCtx mongo.SessionContext, id primitive.ObjectID, workerID string, now time.Time) (int64, error) {
	res, err := s.Events.UpdateOne(sessCtx,
		bson.M{"_id": id, "status": EventProcessing, "workerId": workerID},
		bson.M{"$set": bson.M{"status": EventPublished, "processedAt": now, "workerId": nil, "processingAt": nil}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// RecoverStale implements recoverStaleEvents (spec.md §4.2): any
// event stuck PROCESSING past the stale threshold reverts to NEW with
// its lease cleared. Returns the count for observability.
func (s *Store) RecoverStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	res, err := s.Events.UpdateMany(ctx,
		bson.M{"status": EventProcessing, "processingAt": bson.M{"$lt": staleBefore}},
		bson.M{"$set": bson.M{"status": EventNew, "workerId": nil, "processingAt": nil}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// MarkProcessed finalizes an Event as PROCESSED, optionally carrying
// a terminal error (spec.md §4.3 step 7 and the fallback path). This
// is the "conflates done with failed-done" contract flagged in
// spec.md §9 and preserved here deliberately.
func (s *Store) MarkProcessed(ctx context.Context, eventID primitive.ObjectID, appErr *EventError, now time.Time) (int64, error) {
	res, err := s.Events.UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"status": EventProcessed, "processedAt": now, "error": appErr}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// MarkProcessedTx is MarkProcessed run inside an existing session,
// used from the processor's main transaction (step 7).
func (s *Store) MarkProcessedTx(ctx context.Context, sessCtx mongo.SessionContext, eventID primitive.ObjectID, appErr *EventError, now time.Time) (int64, error) {
	res, err := s.Events.UpdateOne(sessCtx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"status": EventProcessed, "processedAt": now, "error": appErr}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
