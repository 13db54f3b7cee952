package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// CreateJob starts a new analysis job for the file. A nil batchCount means
// "all batches" (the server determines the total from the file's row count).
// Fails with ErrValidation for an invalid batch size and ErrConflict when a
// job is already active for the file.
func (c *Client) CreateJob(ctx context.Context, fileID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
	req := struct {
		BatchSize  int  `json:"batch_size"`
		BatchCount *int `json:"batch_count,omitempty"`
	}{BatchSize: batchSize, BatchCount: batchCount}

	var job models.AnalysisJob
	path := fmt.Sprintf("/api/v1/files/%s/analysis", fileID)
	if err := c.do(ctx, http.MethodPost, path, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobStatus fetches the authoritative state of one job.
func (c *Client) GetJobStatus(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	path := fmt.Sprintf("/api/v1/files/%s/analysis/%s", fileID, jobID)
	if err := c.do(ctx, http.MethodGet, path, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// PauseJob requests a transition to pausing; the server converges to paused
// once the in-flight batch completes.
func (c *Client) PauseJob(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	return c.jobCommand(ctx, fileID, jobID, "pause")
}

// ResumeJob requests a transition out of paused toward running.
func (c *Client) ResumeJob(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	return c.jobCommand(ctx, fileID, jobID, "resume")
}

// CancelJob requests a transition toward cancelled. The server may take
// arbitrarily long to confirm since it waits for in-flight batch work.
func (c *Client) CancelJob(ctx context.Context, fileID, jobID uuid.UUID) error {
	path := fmt.Sprintf("/api/v1/files/%s/analysis/%s/cancel", fileID, jobID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) jobCommand(ctx context.Context, fileID, jobID uuid.UUID, action string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	path := fmt.Sprintf("/api/v1/files/%s/analysis/%s/%s", fileID, jobID, action)
	if err := c.do(ctx, http.MethodPost, path, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}
