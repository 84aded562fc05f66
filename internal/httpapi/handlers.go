package httpapi

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mac-lisowski/reservation-ingest/internal/apperr"
	"github.com/mac-lisowski/reservation-ingest/internal/config"
	"github.com/mac-lisowski/reservation-ingest/internal/logging"
	"github.com/mac-lisowski/reservation-ingest/internal/store"
	"github.com/mac-lisowski/reservation-ingest/internal/upload"
)

var errUnauthorized = errors.New("unauthorized")

// Assembler is the subset of upload.Assembler the HTTP layer needs.
type Assembler interface {
	IngestChunk(ctx context.Context, req upload.ChunkRequest) (upload.Result, error)
	AbortUpload(ctx context.Context, uploadID string) error
}

// TaskStore is the subset of store.Store the HTTP layer needs.
type TaskStore interface {
	GetByID(ctx context.Context, taskID string) (store.Task, error)
}

// Handlers holds the ingress HTTP surface's collaborators.
type Handlers struct {
	assembler Assembler
	tasks     TaskStore
}

// NewHandlers builds a Handlers.
func NewHandlers(assembler Assembler, tasks TaskStore) *Handlers {
	return &Handlers{assembler: assembler, tasks: tasks}
}

// UploadChunk serves POST /v1/task/upload (spec.md §4.1, §6).
func (h *Handlers) UploadChunk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}

	chunkNumber, err := strconv.Atoi(r.FormValue("chunkNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chunkNumber: %w", err))
		return
	}
	totalChunks, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid totalChunks: %w", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file part: %w", err))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if chunkNumber == 0 {
		if sniffed, sniffErr := mimetype.DetectReader(file); sniffErr == nil && !sniffed.Is(config.XLSXMimeType) {
			logging.Debugf(ctx, logging.Subject(header.Filename), "httpapi: sniffed mime %s does not match declared %s", sniffed.String(), contentType)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("rewind upload: %w", err))
			return
		}
	}

	res, err := h.assembler.IngestChunk(ctx, upload.ChunkRequest{
		UploadID:         r.FormValue("uploadId"),
		ChunkNumber:      chunkNumber,
		TotalChunks:      totalChunks,
		OriginalFileName: r.FormValue("originalFileName"),
		ContentType:      contentType,
		Body:             file,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if res.Done {
		writeJSON(w, http.StatusCreated, UploadChunkResponse{TaskID: res.TaskID})
		return
	}
	writeJSON(w, http.StatusOK, UploadChunkResponse{Status: "chunk_received"})
}

// AbortUpload serves DELETE /v1/task/upload/:uploadId.
func (h *Handlers) AbortUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "uploadId")
	if err := h.assembler.AbortUpload(r.Context(), uploadID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TaskStatus serves GET /v1/task/status/:taskId.
func (h *Handlers) TaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if errors.Is(err, mongo.ErrNoDocuments) {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s not found", taskID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, taskStatusResponse(task))
}

// TaskReport serves GET /v1/task/report/:taskId: a CSV of row errors
// for a FAILED task (SPEC_FULL.md's supplemented report endpoint).
func (h *Handlers) TaskReport(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && task.Status != store.TaskFailed) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no error report for task %s", taskID))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFileName(taskID)+"-errors.csv"))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	cw.Write([]string{"row", "error"})
	for _, e := range task.Errors {
		row := ""
		if e.Row != nil {
			row = strconv.Itoa(*e.Row)
		}
		cw.Write([]string{row, e.Error})
	}
	cw.Flush()
}

func sanitizeFileName(s string) string {
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			clean = append(clean, c)
		}
	}
	return string(clean)
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
