// Package upload implements the Upload Assembler (U): stateful
// reassembly of multi-part uploads into an object-store artifact,
// culminating in the atomic creation of a Task and its outbox Event
// (spec.md §4.1). The chunk bookkeeping is grounded on the teacher's
// resumable-upload state machine
// (_examples/Auriora-OneMount/internal/fs/upload_session.go), adapted
// from a client-side single-writer session to a server-side,
// cache-resident session shared across requests by uploadId.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/cache"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/objectstore"
	"github.com/mac-lisowski/reservation-ingest/internal/store"

	"go.mongodb.org/mongo-driver/mongo"
)

// ChunkRequest is one multipart/form-data POST to /v1/task/upload.
type ChunkRequest struct {
	UploadID         string
	ChunkNumber      int
	TotalChunks      int
	OriginalFileName string
	ContentType      string
	Body             io.ReadSeeker
}

// Result is either an intermediate receipt or, on the terminal chunk,
// the newly minted Task ID.
type Result struct {
	Done   bool
	TaskID string
}

// ObjectStore is the subset of objectstore.Client the assembler needs,
// narrowed for testability.
type ObjectStore interface {
	InitiateMultipart(ctx context.Context, key, contentType string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int64, body io.ReadSeeker) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []objectstore.Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
}

// Cache is the subset of cache.Client the assembler needs.
type Cache interface {
	SaveSession(ctx context.Context, uploadID string, sess cache.UploadSession) error
	GetSession(ctx context.Context, uploadID string) (cache.UploadSession, error)
	DeleteSession(ctx context.Context, uploadID string) error
}

// Store is the subset of store.Store the assembler needs.
type Store interface {
	WithTransaction(ctx context.Context, fn func(sessCtx mongo.SessionContext) (interface{}, error)) (interface{}, error)
	InsertTask(ctx context.Context, sessCtx mongo.SessionContext, t store.Task) error
	InsertEvent(ctx context.Context, sessCtx mongo.SessionContext, e store.Event) error
}

// Assembler is the Upload Assembler component U.
type Assembler struct {
	objects ObjectStore
	cache   Cache
	store   Store

	// Now and NewID are overridden in tests; default to time.Now and
	// uuid.NewString.
	Now   func() time.Time
	NewID func() string
}

// New builds an Assembler from its collaborators.
func New(objects ObjectStore, c Cache, s Store) *Assembler {
	return &Assembler{
		objects: objects,
		cache:   c,
		store:   s,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// IngestChunk implements spec.md §4.1's ingestChunk operation.
func (a *Assembler) IngestChunk(ctx context.Context, req ChunkRequest) (Result, error) {
	if err := validateChunkRequest(req); err != nil {
		return Result{}, err
	}

	var sess cache.UploadSession
	if req.ChunkNumber == 0 {
		bucketFilePath := fmt.Sprintf("uploads/%s/%s", a.NewID(), req.OriginalFileName)
		s3UploadID, err := a.objects.InitiateMultipart(ctx, bucketFilePath, req.ContentType)
		if err != nil {
			return Result{}, fmt.Errorf("upload: initiate multipart: %w", err)
		}
		sess = cache.UploadSession{
			S3UploadID:       s3UploadID,
			BucketFilePath:   bucketFilePath,
			TotalChunks:      req.TotalChunks,
			OriginalFileName: req.OriginalFileName,
			MimeType:         req.ContentType,
		}
	} else {
		var err error
		sess, err = a.cache.GetSession(ctx, req.UploadID)
		if errors.Is(err, cache.ErrSessionNotFound) {
			return Result{}, apperr.Validation(fmt.Errorf("upload: session %s not found (expired or lost): %w", req.UploadID, err))
		}
		if err != nil {
			return Result{}, fmt.Errorf("upload: load session: %w", err)
		}
	}

	partNumber := int64(req.ChunkNumber + 1)
	etag, err := a.objects.UploadPart(ctx, sess.BucketFilePath, sess.S3UploadID, partNumber, req.Body)
	if err != nil {
		a.abortBestEffort(ctx, sess)
		return Result{}, fmt.Errorf("upload: upload part %d: %w", partNumber, err)
	}
	part := cache.UploadedPart{PartNumber: partNumber, ETag: etag}
	replaced := false
	for i := range sess.UploadedParts {
		if sess.UploadedParts[i].PartNumber == partNumber {
			sess.UploadedParts[i] = part
			replaced = true
		}
	}
	if !replaced {
		sess.UploadedParts = append(sess.UploadedParts, part)
	}

	if err := a.cache.SaveSession(ctx, req.UploadID, sess); err != nil {
		return Result{}, fmt.Errorf("upload: persist session: %w", err)
	}

	// Chunks may arrive out of order: complete only once every part is in.
	if len(sess.UploadedParts) < sess.TotalChunks {
		return Result{Done: false}, nil
	}

	return a.completeUpload(ctx, req.UploadID, sess)
}

func (a *Assembler) completeUpload(ctx context.Context, uploadID string, sess cache.UploadSession) (Result, error) {
	parts := make([]objectstore.Part, len(sess.UploadedParts))
	for i, p := range sess.UploadedParts {
		parts[i] = objectstore.Part{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	if err := a.objects.CompleteMultipart(ctx, sess.BucketFilePath, sess.S3UploadID, parts); err != nil {
		a.abortBestEffort(ctx, sess)
		return Result{}, fmt.Errorf("upload: complete multipart: %w", err)
	}

	taskID := a.NewID()
	now := a.Now()
	task := store.Task{
		TaskID:           taskID,
		FilePath:         sess.BucketFilePath,
		OriginalFileName: sess.OriginalFileName,
		Status:           store.TaskPending,
		Errors:           []store.RowError{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	event := store.NewTaskCreatedEvent(store.TaskCreatedPayload{
		TaskID:           taskID,
		FilePath:         sess.BucketFilePath,
		OriginalFileName: sess.OriginalFileName,
	}, now)

	_, err := a.store.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		if err := a.store.InsertTask(ctx, sessCtx, task); err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		if err := a.store.InsertEvent(ctx, sessCtx, event); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		// The multipart upload already completed in the object store;
		// the artifact is orphaned but harmless. Per spec.md §4.1
		// edge cases, the assembler is now in an inconsistent state;
		// we propagate the error rather than guess at compensation.
		return Result{}, fmt.Errorf("upload: commit task+event: %w", err)
	}

	// Best-effort cleanup (spec.md I5): TTL bounds any leak.
	if err := a.cache.DeleteSession(ctx, uploadID); err != nil {
		logging.Debugf(ctx, logging.Subject(uploadID), "upload: session cleanup failed (will expire via TTL): %v", err)
	}

	return Result{Done: true, TaskID: taskID}, nil
}

// AbortUpload cancels an in-progress multipart upload on explicit
// client request (SPEC_FULL.md's supplemented DELETE
// /v1/task/upload/:uploadId endpoint). Best-effort: the session is
// always dropped from the cache even if the S3-side abort fails,
// since the session's TTL would otherwise reclaim it anyway.
func (a *Assembler) AbortUpload(ctx context.Context, uploadID string) error {
	sess, err := a.cache.GetSession(ctx, uploadID)
	if errors.Is(err, cache.ErrSessionNotFound) {
		return apperr.Validation(fmt.Errorf("upload: session %s not found: %w", uploadID, err))
	}
	if err != nil {
		return fmt.Errorf("upload: load session: %w", err)
	}

	abortErr := a.objects.AbortMultipart(ctx, sess.BucketFilePath, sess.S3UploadID)
	if delErr := a.cache.DeleteSession(ctx, uploadID); delErr != nil {
		logging.Debugf(ctx, logging.Subject(uploadID), "upload: session cleanup failed on abort: %v", delErr)
	}
	if abortErr != nil {
		return fmt.Errorf("upload: abort multipart: %w", abortErr)
	}
	return nil
}

func (a *Assembler) abortBestEffort(ctx context.Context, sess cache.UploadSession) {
	if sess.S3UploadID == "" {
		return
	}
	if err := a.objects.AbortMultipart(ctx, sess.BucketFilePath, sess.S3UploadID); err != nil {
		logging.Debugf(ctx, logging.Subject(sess.BucketFilePath), "upload: abort multipart failed: %v", err)
	}
}

func validateChunkRequest(req ChunkRequest) error {
	if req.TotalChunks < 1 {
		return apperr.Validation(fmt.Errorf("upload: totalChunks must be >= 1, got %d", req.TotalChunks))
	}
	if req.ChunkNumber < 0 || req.ChunkNumber >= req.TotalChunks {
		return apperr.Validation(fmt.Errorf("upload: chunkNumber %d out of range [0, %d)", req.ChunkNumber, req.TotalChunks))
	}
	if !config.XLSXFileNamePattern.MatchString(req.OriginalFileName) {
		return apperr.Validation(fmt.Errorf("upload: originalFileName %q does not match required pattern", req.OriginalFileName))
	}
	if req.ContentType != config.XLSXMimeType {
		return apperr.Validation(fmt.Errorf("upload: content type %q is not an xlsx mime type", req.ContentType))
	}
	return nil
}
