package httpapi

import (
	"time"

	"github.com/mac-lisowski/reservation-ingest/internal/store"
)

// UploadChunkResponse is the wire shape of a POST /v1/task/upload
// response: {status:"chunk_received"} with 200 for an intermediate
// chunk, {taskId} with 201 for the chunk that completes the upload
// (spec.md §6).
type UploadChunkResponse struct {
	Status string `json:"status,omitempty"`
	TaskID string `json:"taskId,omitempty"`
}

// TaskStatusResponse projects store.Task for GET /v1/task/status/:taskId.
type TaskStatusResponse struct {
	TaskID           string           `json:"taskId"`
	OriginalFileName string           `json:"originalFileName"`
	Status           store.TaskStatus `json:"status"`
	Errors           []store.RowError `json:"errors"`
	StartedAt        interface{}      `json:"startedAt,omitempty"`
	CompletedAt      interface{}      `json:"completedAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func taskStatusResponse(t store.Task) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:           t.TaskID,
		OriginalFileName: t.OriginalFileName,
		Status:           t.Status,
		Errors:           t.Errors,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if t.StartedAt != nil {
		resp.StartedAt = *t.StartedAt
	}
	if t.CompletedAt != nil {
		resp.CompletedAt = *t.CompletedAt
	}
	return resp
}

// errorResponse is the uniform JSON error body for every 4xx/5xx.
type errorResponse struct {
	Error string `json:"error"`
}

// readyResponse is the GET /readyz body.
type readyResponse struct {
	Ready bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}
