package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusRunning    = "running"
	JobStatusPausing    = "pausing"
	JobStatusPaused     = "paused"
	JobStatusResuming   = "resuming"
	JobStatusCancelling = "cancelling"
	JobStatusCancelled  = "cancelled"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// AnalysisJob tracks a batch-structured AI analysis run over a single file.
// The API returns the job on POST /files/{fileID}/analysis; clients poll
// GET /files/{fileID}/analysis/{jobID} until the status is terminal.
type AnalysisJob struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	FileID       uuid.UUID  `db:"file_id"       json:"file_id"`
	UserID       uuid.UUID  `db:"user_id"       json:"user_id"`
	Status       string     `db:"status"        json:"status"`
	CurrentBatch int        `db:"current_batch" json:"current_batch"`
	TotalBatches int        `db:"total_batches" json:"total_batches"`
	BatchSize    int        `db:"batch_size"    json:"batch_size"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// IsTransitional reports whether status is a transient state the server is
// expected to resolve on its own (pausing, resuming, cancelling).
func IsTransitional(status string) bool {
	switch status {
	case JobStatusPausing, JobStatusResuming, JobStatusCancelling:
		return true
	}
	return false
}

// IsTerminal reports whether status is final. Terminal jobs never change.
func IsTerminal(status string) bool {
	switch status {
	case JobStatusCancelled, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}
