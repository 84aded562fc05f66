package upload

import (
	"bytes"
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/cache"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/objectstore"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

type fakeObjectStore struct {
	initiated []string
	parts     map[string][]objectstore.Part
	aborted   []string
	nextETag  int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{parts: map[string][]objectstore.Part{}}
}

func (f *fakeObjectStore) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	f.initiated = append(f.initiated, key)
	return "upload-" + key, nil
}

func (f *fakeObjectStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error) {
	f.nextETag++
	etag := "etag-" + string(rune('a'+f.nextETag))
	f.parts[key] = append(f.parts[key], objectstore.Part{PartNumber: partNumber, ETag: etag})
	return etag, nil
}

func (f *fakeObjectStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.Part) error {
	sorted := make([]objectstore.Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	f.parts[key] = sorted
	return nil
}

func (f *fakeObjectStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	f.aborted = append(f.aborted, uploadID)
	return nil
}

type fakeCache struct {
	sessions map[string]cache.UploadSession
}

func newFakeCache() *fakeCache { return &fakeCache{sessions: map[string]cache.UploadSession{}} }

func (f *fakeCache) SaveSession(ctx context.Context, uploadID string, sess cache.UploadSession) error {
	f.sessions[uploadID] = sess
	return nil
}

func (f *fakeCache) GetSession(ctx context.Context, uploadID string) (cache.UploadSession, error) {
	sess, ok := f.sessions[uploadID]
	if !ok {
		return cache.UploadSession{}, cache.ErrSessionNotFound
	}
	return sess, nil
}

func (f *fakeCache) DeleteSession(ctx context.Context, uploadID string) error {
	delete(f.sessions, uploadID)
	return nil
}

type fakeStore struct {
	tasks  []store.Task
	events []store.Event
	failTx bool
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	if f.failTx {
		return nil, assert.AnError
	}
	return fn(nil)
}

func (f *fakeStore) InsertTask(ctx context.Context, sessCtx mongo.SessionContext, t store.Task) error {
	f.tasks = append(f.tasks, t)
	return nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, sessCtx mongo.SessionContext, e store.Event) error {
	f.events = append(f.events, e)
	return nil
}

const validFileName = "reservations.xlsx"

func baseRequest(chunkNumber, totalChunks int, uploadID string) ChunkRequest {
	return ChunkRequest{
		UploadID:         uploadID,
		ChunkNumber:      chunkNumber,
		TotalChunks:      totalChunks,
		OriginalFileName: validFileName,
		ContentType:      config.XLSXMimeType,
		Body:             bytes.NewReader([]byte("chunk-data")),
	}
}

func TestIngestChunk_SingleChunkCreatesTask(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)
	a.Now = func() time.Time { return time.Unix(0, 0).UTC() }
	a.NewID = idSequence("id-1", "id-2")

	res, err := a.IngestChunk(context.Background(), baseRequest(0, 1, "upload-1"))
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "id-2", res.TaskID)
	require.Len(t, s.tasks, 1)
	assert.Equal(t, store.TaskPending, s.tasks[0].Status)
	require.Len(t, s.events, 1)
	assert.Equal(t, store.EventNew, s.events[0].Status)
	assert.Equal(t, store.TaskCreatedEvent, s.events[0].EventName)
}

func TestIngestChunk_IntermediateChunkReturnsReceipt(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)

	res, err := a.IngestChunk(context.Background(), baseRequest(0, 3, "upload-2"))
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Empty(t, res.TaskID)
	assert.Empty(t, s.tasks)
}

func TestIngestChunk_MissingSessionOnNonZeroChunk(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)

	_, err := a.IngestChunk(context.Background(), baseRequest(1, 3, "missing-upload"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestIngestChunk_ChunkNumberAtTotalIsRejected(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)

	_, err := a.IngestChunk(context.Background(), baseRequest(3, 3, "upload-3"))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestIngestChunk_OutOfOrderChunksSortByPartNumber(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)
	a.NewID = idSequence("sess-uuid", "task-1")

	uploadID := "upload-4"
	_, err := a.IngestChunk(context.Background(), baseRequest(0, 3, uploadID))
	require.NoError(t, err)
	_, err = a.IngestChunk(context.Background(), baseRequest(2, 3, uploadID))
	require.NoError(t, err)
	res, err := a.IngestChunk(context.Background(), baseRequest(1, 3, uploadID))
	require.NoError(t, err)
	assert.True(t, res.Done)

	key := "uploads/sess-uuid/" + validFileName
	parts := objects.parts[key]
	require.Len(t, parts, 3)
	assert.Equal(t, int64(1), parts[0].PartNumber)
	assert.Equal(t, int64(2), parts[1].PartNumber)
	assert.Equal(t, int64(3), parts[2].PartNumber)
}

func TestIngestChunk_RejectsWrongMimeType(t *testing.T) {
	objects := newFakeObjectStore()
	c := newFakeCache()
	s := &fakeStore{}
	a := New(objects, c, s)

	req := baseRequest(0, 1, "upload-5")
	req.ContentType = "text/plain"
	_, err := a.IngestChunk(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func idSequence(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}
