package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TaskStatus is one of PENDING, IN_PROGRESS, COMPLETED, FAILED
// (spec.md §3, invariant I3: terminal states never revert).
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// RowError is one entry of a Task's ordered error sequence.
type RowError struct {
	Row   *int   `bson:"row" json:"row"`
	Error string `bson:"error" json:"error"`
}

// Task is a unit of user-visible work (spec.md §3).
type Task struct {
	TaskID           string     `bson:"taskId" json:"taskId"`
	FilePath         string     `bson:"filePath" json:"-"`
	OriginalFileName string     `bson:"originalFileName" json:"originalFileName"`
	Status           TaskStatus `bson:"status" json:"status"`
	Errors           []RowError `bson:"errors" json:"errors"`
	WorkerID         *string    `bson:"workerId" json:"-"`
	ProcessingAt     *time.Time `bson:"processingAt" json:"-"`
	StartedAt        *time.Time `bson:"startedAt" json:"startedAt"`
	CompletedAt      *time.Time `bson:"completedAt" json:"completedAt"`
	CreatedAt        time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updatedAt" json:"updatedAt"`
}

func (t Task) String() string { return "task:" + t.TaskID }

// TaskRef is a lightweight subject for logging when only the ID is at
// hand (e.g. from an inbound bus message, before the Task is loaded).
type TaskRef string

func (r TaskRef) String() string { return "task:" + string(r) }

// GetByID returns the Task with the given taskId, or mongo.ErrNoDocuments.
func (s *Store) GetByID(ctx context.Context, taskID string) (Task, error) {
	var t Task
	err := s.Tasks.FindOne(ctx, bson.M{"taskId": taskID}).Decode(&t)
	return t, err
}

// ClaimPending atomically transitions a Task from PENDING to
// IN_PROGRESS under the given worker, returning mongo.ErrNoDocuments
// if another worker (or a prior delivery) already claimed it — the
// processor's second line of defense against duplicate event
// deliveries (spec.md §4.3 step 3).
func (s *Store) ClaimPending(ctx context.Context, taskID, workerID string, now time.Time) (Task, error) {
	var t Task
	err := s.Tasks.FindOneAndUpdate(
		ctx,
		bson.M{"taskId": taskID, "status": TaskPending},
		bson.M{"$set": bson.M{
			"status":       TaskInProgress,
			"startedAt":    now,
			"workerId":     workerID,
			"processingAt": now,
			"updatedAt":    now,
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&t)
	return t, err
}

// Finalize transitions a Task to a terminal status, clearing its
// claim lease (spec.md §4.3 step 6). Returns the modified count so
// the caller can fail the transaction if nothing matched.
func (s *Store) Finalize(ctx context.Context, taskID string, status TaskStatus, errs []RowError, now time.Time) (int64, error) {
	res, err := s.Tasks.UpdateOne(ctx,
		bson.M{"taskId": taskID},
		bson.M{"$set": bson.M{
			"status":       status,
			"completedAt":  now,
			"errors":       errs,
			"workerId":     nil,
			"processingAt": nil,
			"updatedAt":    now,
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// FinalizeTx is Finalize run inside an existing session, used from the
// processor's main transaction so the Task's terminal write and the
// Event's PROCESSED write commit or abort together (spec.md §4.3 step 7).
func (s *Store) FinalizeTx(ctx context.Context, sessCtx mongo.SessionContext, taskID string, status TaskStatus, errs []RowError, now time.Time) (int64, error) {
	res, err := s.Tasks.UpdateOne(sessCtx,
		bson.M{"taskId": taskID},
		bson.M{"$set": bson.M{
			"status":       status,
			"completedAt":  now,
			"errors":       errs,
			"workerId":     nil,
			"processingAt": nil,
			"updatedAt":    now,
		}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// InsertTask is used only inside the upload assembler's terminal
// transaction (spec.md §4.1 step 4).
func (s *Store) InsertTask(ctx context.Context, sessCtx mongo.SessionContext, t Task) error {
	_, err := s.Tasks.InsertOne(sessCtx, t)
	return err
}
