package api

import "github.com/samcharles93/nvfp4fix/pkg/repair"

// RepairRequest is the body of POST /v1/repairs.
type RepairRequest struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	DType  string `json:"dtype,omitempty"`
}

// Job statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RepairJob is the API view of one queued or finished repair.
type RepairJob struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Input       string         `json:"input"`
	Output      string         `json:"output"`
	DType       string         `json:"dtype"`
	CreatedAt   int64          `json:"created_at"`
	StartedAt   *int64         `json:"started_at,omitempty"`
	CompletedAt *int64         `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Report      *repair.Report `json:"report,omitempty"`
}

// ErrorBody is the error envelope returned by every non-2xx response.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
