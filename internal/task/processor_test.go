package task

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/reservation"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

func buildWorkbook(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	header := []string{"reservation_id", "guest_name", "check_in_date", "check_out_date", "status"}
	for i, h := range header {
		cellRef, _ := excelize.CoordinatesToCellName(i+1, 1)
		require.NoError(t, f.SetCellValue(sheet, cellRef, h))
	}
	for r, row := range rows {
		for i, v := range row {
			cellRef, _ := excelize.CoordinatesToCellName(i+1, r+2)
			require.NoError(t, f.SetCellValue(sheet, cellRef, v))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

type fakeObjectStore struct {
	body []byte
	err  error
}

func (f *fakeObjectStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

type fakeReservationStore struct {
	upserted []reservation.Reservation
	err      error
}

func (f *fakeReservationStore) Upsert(ctx context.Context, sessCtx mongo.SessionContext, r reservation.Reservation, now time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.upserted = append(f.upserted, r)
	return nil
}

type fakeStore struct {
	task store.Task

	claimErr         error
	withTxErr        error
	finalizeErr      error
	finalizeModified int64
	markProcessedErr error

	txCalls int

	finalizedStatus store.TaskStatus
	finalizedErrs   []store.RowError
	processedErr    *store.EventError
}

func newFakeStore(task store.Task) *fakeStore {
	return &fakeStore{task: task, finalizeModified: 1}
}

func (f *fakeStore) ClaimPending(ctx context.Context, taskID, workerID string, now time.Time) (store.Task, error) {
	if f.claimErr != nil {
		return store.Task{}, f.claimErr
	}
	return f.task, nil
}

func (f *fakeStore) Finalize(ctx context.Context, taskID string, status store.TaskStatus, errs []store.RowError, now time.Time) (int64, error) {
	if f.finalizeErr != nil {
		return 0, f.finalizeErr
	}
	f.finalizedStatus = status
	f.finalizedErrs = errs
	return f.finalizeModified, nil
}

func (f *fakeStore) FinalizeTx(ctx context.Context, sessCtx mongo.SessionContext, taskID string, status store.TaskStatus, errs []store.RowError, now time.Time) (int64, error) {
	if f.finalizeErr != nil {
		return 0, f.finalizeErr
	}
	f.finalizedStatus = status
	f.finalizedErrs = errs
	return f.finalizeModified, nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	f.txCalls++
	if f.withTxErr != nil {
		return nil, f.withTxErr
	}
	return fn(nil)
}

func (f *fakeStore) MarkProcessedTx(ctx context.Context, sessCtx mongo.SessionContext, eventID primitive.ObjectID, appErr *store.EventError, now time.Time) (int64, error) {
	if f.markProcessedErr != nil {
		return 0, f.markProcessedErr
	}
	f.processedErr = appErr
	return 1, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, eventID primitive.ObjectID, appErr *store.EventError, now time.Time) (int64, error) {
	f.processedErr = appErr
	return 1, nil
}

func baseMsg(taskID string) InboundMessage {
	return InboundMessage{
		EventID:   primitive.NewObjectID().Hex(),
		EventName: store.TaskCreatedEvent,
		Payload:   store.TaskCreatedPayload{TaskID: taskID, FilePath: "uploads/" + taskID + "/reservations.xlsx", OriginalFileName: "reservations.xlsx"},
	}
}

func TestProcess_ValidRowsCompletesTask(t *testing.T) {
	taskID := "task-1"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-1/reservations.xlsx"})
	objects := &fakeObjectStore{body: buildWorkbook(t, [][]string{
		{"r1", "Alice", "2026-08-01", "2026-08-05", "PENDING"},
		{"r2", "Bob", "2026-08-02", "2026-08-03", "COMPLETED"},
	})}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, s.finalizedStatus)
	assert.Empty(t, s.finalizedErrs)
	assert.Len(t, reservations.upserted, 2)
	assert.Nil(t, s.processedErr)
}

func TestProcess_InvalidRowsFailsTaskWithRowErrors(t *testing.T) {
	taskID := "task-2"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-2/reservations.xlsx"})
	objects := &fakeObjectStore{body: buildWorkbook(t, [][]string{
		{"r1", "Alice", "2026-08-01", "2026-08-05", "PENDING"},
		{"", "Bob", "2026-08-02", "2026-08-03", "COMPLETED"},
		{"r3", "Carl", "2026-08-05", "2026-08-01", "COMPLETED"},
		{"r4", "Dana", "2026-08-01", "2026-08-03", "UNKNOWN"},
	})}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, s.finalizedStatus)
	require.Len(t, s.finalizedErrs, 3)
	assert.Len(t, reservations.upserted, 1)
	require.NotNil(t, s.processedErr)
}

func TestProcess_DuplicateReservationIDWithinFileRejectsSecondOccurrence(t *testing.T) {
	taskID := "task-3"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-3/reservations.xlsx"})
	objects := &fakeObjectStore{body: buildWorkbook(t, [][]string{
		{"r1", "Alice", "2026-08-01", "2026-08-05", "PENDING"},
		{"r1", "Alice Again", "2026-08-01", "2026-08-05", "PENDING"},
	})}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, s.finalizedStatus)
	require.Len(t, s.finalizedErrs, 1)
	assert.Len(t, reservations.upserted, 1)
}

func TestProcess_AlreadyClaimedSkipsWithoutError(t *testing.T) {
	taskID := "task-4"
	s := newFakeStore(store.Task{TaskID: taskID})
	s.claimErr = mongo.ErrNoDocuments
	objects := &fakeObjectStore{}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Empty(t, s.finalizedStatus)
}

func TestProcess_DownloadFailureFallsBackToFailedTask(t *testing.T) {
	taskID := "task-5"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-5/reservations.xlsx"})
	objects := &fakeObjectStore{err: errors.New("object not found")}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, s.finalizedStatus)
	require.NotNil(t, s.processedErr)
}

func TestProcess_WriteConflictDuringUpsertIsReturnedForDLQRouting(t *testing.T) {
	taskID := "task-6"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-6/reservations.xlsx"})
	s.withTxErr = mongo.WriteException{
		WriteErrors: []mongo.WriteError{{Code: 112, Message: "WriteConflict"}},
	}
	objects := &fakeObjectStore{body: buildWorkbook(t, [][]string{
		{"r1", "Alice", "2026-08-01", "2026-08-05", "PENDING"},
	})}
	reservations := &fakeReservationStore{}
	cfg := config.DefaultWorker()
	cfg.TransactionMode = config.TransactionModeSingle
	p := New(s, reservations, objects, cfg)

	err := p.Process(context.Background(), baseMsg(taskID))
	require.Error(t, err)
	assert.True(t, store.IsWriteConflict(err))
}

func TestProcess_BatchedModeUsesMultipleShortTransactions(t *testing.T) {
	taskID := "task-7"
	s := newFakeStore(store.Task{TaskID: taskID, FilePath: "uploads/task-7/reservations.xlsx"})
	rows := make([][]string, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, []string{
			"r" + string(rune('a'+i)), "Guest", "2026-08-01", "2026-08-05", "PENDING",
		})
	}
	objects := &fakeObjectStore{body: buildWorkbook(t, rows)}
	reservations := &fakeReservationStore{}
	cfg := config.DefaultWorker()
	cfg.TransactionMode = config.TransactionModeBatched
	cfg.ReservationUpsertBatch = 2
	p := New(s, reservations, objects, cfg)

	err := p.Process(context.Background(), baseMsg(taskID))
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, s.finalizedStatus)
	// 3 upsert-batch transactions (2+2+1) + 1 finalize transaction.
	assert.Equal(t, 4, s.txCalls)
}

func TestProcess_MalformedEventIDIsDroppedAsPoison(t *testing.T) {
	taskID := "task-8"
	s := newFakeStore(store.Task{TaskID: taskID})
	objects := &fakeObjectStore{}
	reservations := &fakeReservationStore{}
	p := New(s, reservations, objects, config.DefaultWorker())

	msg := baseMsg(taskID)
	msg.EventID = "not-a-valid-object-id"
	err := p.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, s.finalizedStatus)
}
