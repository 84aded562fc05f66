package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

type fakeStore struct {
	events        map[primitive.ObjectID]store.Event
	claimBatchErr error
	markPubMiss   bool
	recovered     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[primitive.ObjectID]store.Event{}}
}

func (f *fakeStore) ClaimNewBatch(ctx context.Context, workerID string, batchSize int64, now time.Time) (int64, error) {
	if f.claimBatchErr != nil {
		return 0, f.claimBatchErr
	}
	var n int64
	for id, ev := range f.events {
		if ev.Status == store.EventNew {
			ev.Status = store.EventProcessing
			wid := workerID
			ev.WorkerID = &wid
			ev.ProcessingAt = &now
			f.events[id] = ev
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClaimedByWorker(ctx context.Context, workerID string, now time.Time) ([]store.Event, error) {
	var out []store.Event
	for _, ev := range f.events {
		if ev.Status == store.EventProcessing && ev.WorkerID != nil && *ev.WorkerID == workerID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeStore) WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	return fn(nil)
}

func (f *fakeStore) MarkPublished(ctx context.Context, sessCtx mongo.SessionContext, id primitive.ObjectID, workerID string, now time.Time) (int64, error) {
	if f.markPubMiss {
		return 0, nil
	}
	ev := f.events[id]
	ev.Status = store.EventPublished
	ev.WorkerID = nil
	ev.ProcessingAt = nil
	f.events[id] = ev
	return 1, nil
}

func (f *fakeStore) RecoverStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	var n int64
	for id, ev := range f.events {
		if ev.Status == store.EventProcessing && ev.ProcessingAt != nil && ev.ProcessingAt.Before(staleBefore) {
			ev.Status = store.EventNew
			ev.WorkerID = nil
			ev.ProcessingAt = nil
			f.events[id] = ev
			n++
		}
	}
	f.recovered += n
	return n, nil
}

type fakePublisher struct {
	published []string
	fail      bool
}

func (f *fakePublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	if f.fail {
		return assert.AnError
	}
	f.published = append(f.published, routingKey)
	return nil
}

func newEvent(status store.EventStatus) store.Event {
	return store.Event{
		ID:        primitive.NewObjectID(),
		EventName: store.TaskCreatedEvent,
		Event:     store.Envelope{EventName: store.TaskCreatedEvent, Payload: store.TaskCreatedPayload{TaskID: "t1"}},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPublishNewEvents_PublishesAndMarksPublished(t *testing.T) {
	s := newFakeStore()
	ev := newEvent(store.EventNew)
	s.events[ev.ID] = ev

	pub := &fakePublisher{}
	d := New(s, pub, config.DefaultWorker())

	d.PublishNewEvents(context.Background())

	assert.Len(t, pub.published, 1)
	assert.Equal(t, store.EventPublished, s.events[ev.ID].Status)
	assert.Nil(t, s.events[ev.ID].WorkerID)
}

func TestPublishNewEvents_NoopWhenNothingNew(t *testing.T) {
	s := newFakeStore()
	pub := &fakePublisher{}
	d := New(s, pub, config.DefaultWorker())

	d.PublishNewEvents(context.Background())
	assert.Empty(t, pub.published)
}

func TestRecoverStaleEvents_RevertsStaleProcessing(t *testing.T) {
	s := newFakeStore()
	ev := newEvent(store.EventProcessing)
	stale := time.Now().UTC().Add(-2 * time.Minute)
	ev.ProcessingAt = &stale
	ghost := "ghost-1"
	ev.WorkerID = &ghost
	s.events[ev.ID] = ev

	pub := &fakePublisher{}
	d := New(s, pub, config.DefaultWorker())

	d.RecoverStaleEvents(context.Background())

	got := s.events[ev.ID]
	require.Equal(t, store.EventNew, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.ProcessingAt)
}

func TestPublishNewEvents_LostClaimDuringPublishDoesNotPanic(t *testing.T) {
	s := newFakeStore()
	ev := newEvent(store.EventNew)
	s.events[ev.ID] = ev
	s.markPubMiss = true

	pub := &fakePublisher{}
	d := New(s, pub, config.DefaultWorker())

	d.PublishNewEvents(context.Background())
	assert.Len(t, pub.published, 1)
	assert.Equal(t, store.EventProcessing, s.events[ev.ID].Status)
}
