package httpapi

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
	"github.com/mac-lisowski/reservation-ingest/internal/upload"
)

type fakeAssembler struct {
	result    upload.Result
	ingestErr error
	abortErr  error
}

func (f *fakeAssembler) IngestChunk(ctx context.Context, req upload.ChunkRequest) (upload.Result, error) {
	return f.result, f.ingestErr
}

func (f *fakeAssembler) AbortUpload(ctx context.Context, uploadID string) error {
	return f.abortErr
}

type fakeTaskStore struct {
	task    store.Task
	getErr  error
}

func (f *fakeTaskStore) GetByID(ctx context.Context, taskID string) (store.Task, error) {
	return f.task, f.getErr
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

type fakeBus struct{ closed bool }

func (f *fakeBus) IsClosed() bool { return f.closed }

func testConfig() config.Config {
	return config.Config{Auth: config.Auth{RootAPIKey: "secret-key"}}
}

func newTestRouter(assembler Assembler, tasks TaskStore) http.Handler {
	h := NewHandlers(assembler, tasks)
	health := &HealthChecker{Store: &fakePinger{}, Cache: &fakePinger{}, Bus: &fakeBus{}}
	return NewRouter(testConfig(), h, health)
}

func multipartUploadBody(t *testing.T, fields map[string]string, fileContent []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	part, err := w.CreateFormFile("file", "reservations.xlsx")
	require.NoError(t, err)
	_, err = part.Write(fileContent)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf, w.FormDataContentType()
}

func TestUploadChunk_RejectsMissingAPIKey(t *testing.T) {
	router := newTestRouter(&fakeAssembler{}, &fakeTaskStore{})
	body, contentType := multipartUploadBody(t, map[string]string{
		"uploadId": "u1", "chunkNumber": "0", "totalChunks": "1", "originalFileName": "reservations.xlsx",
	}, []byte("data"))

	req := httptest.NewRequest(http.MethodPost, "/v1/task/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadChunk_ReturnsTaskIDOnCompletion(t *testing.T) {
	assembler := &fakeAssembler{result: upload.Result{Done: true, TaskID: "task-123"}}
	router := newTestRouter(assembler, &fakeTaskStore{})
	body, contentType := multipartUploadBody(t, map[string]string{
		"uploadId": "u1", "chunkNumber": "0", "totalChunks": "1", "originalFileName": "reservations.xlsx",
	}, []byte("data"))

	req := httptest.NewRequest(http.MethodPost, "/v1/task/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), "task-123")
}

func TestUploadChunk_ReturnsChunkReceivedForIntermediateChunk(t *testing.T) {
	assembler := &fakeAssembler{result: upload.Result{Done: false}}
	router := newTestRouter(assembler, &fakeTaskStore{})
	body, contentType := multipartUploadBody(t, map[string]string{
		"uploadId": "u1", "chunkNumber": "0", "totalChunks": "2", "originalFileName": "reservations.xlsx",
	}, []byte("data"))

	req := httptest.NewRequest(http.MethodPost, "/v1/task/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunk_received")
}

func TestUploadChunk_ValidationErrorReturns400(t *testing.T) {
	assembler := &fakeAssembler{ingestErr: apperr.Validation(errors.New("bad chunk"))}
	router := newTestRouter(assembler, &fakeTaskStore{})
	body, contentType := multipartUploadBody(t, map[string]string{
		"uploadId": "u1", "chunkNumber": "0", "totalChunks": "1", "originalFileName": "reservations.xlsx",
	}, []byte("data"))

	req := httptest.NewRequest(http.MethodPost, "/v1/task/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskStatus_NotFoundReturns404(t *testing.T) {
	router := newTestRouter(&fakeAssembler{}, &fakeTaskStore{getErr: mongo.ErrNoDocuments})
	req := httptest.NewRequest(http.MethodGet, "/v1/task/status/missing", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskStatus_ReturnsTaskProjection(t *testing.T) {
	tasks := &fakeTaskStore{task: store.Task{TaskID: "t1", Status: store.TaskCompleted, OriginalFileName: "reservations.xlsx"}}
	router := newTestRouter(&fakeAssembler{}, tasks)
	req := httptest.NewRequest(http.MethodGet, "/v1/task/status/t1", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "COMPLETED")
}

func TestTaskReport_NotFailedReturns404(t *testing.T) {
	tasks := &fakeTaskStore{task: store.Task{TaskID: "t1", Status: store.TaskCompleted}}
	router := newTestRouter(&fakeAssembler{}, tasks)
	req := httptest.NewRequest(http.MethodGet, "/v1/task/report/t1", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTaskReport_FailedReturnsCSV(t *testing.T) {
	row := 3
	tasks := &fakeTaskStore{task: store.Task{
		TaskID: "t1",
		Status: store.TaskFailed,
		Errors: []store.RowError{{Row: &row, Error: "missing required field"}},
	}}
	router := newTestRouter(&fakeAssembler{}, tasks)
	req := httptest.NewRequest(http.MethodGet, "/v1/task/report/t1", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "missing required field")
}

func TestAbortUpload_PropagatesValidationAsBadRequest(t *testing.T) {
	assembler := &fakeAssembler{abortErr: apperr.Validation(errors.New("session not found"))}
	router := newTestRouter(assembler, &fakeTaskStore{})
	req := httptest.NewRequest(http.MethodDelete, "/v1/task/upload/u1", nil)
	req.Header.Set("X-Api-Key", "secret-key")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
