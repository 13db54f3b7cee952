package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/internal/analysis"
	mw "github.com/rahulkhanna25/opensoc/internal/api/middleware"
	"github.com/rahulkhanna25/opensoc/internal/api/response"
	"github.com/rahulkhanna25/opensoc/internal/store"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// JobService defines the interface the job handlers depend on.
type JobService interface {
	Start(ctx context.Context, fileID, userID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error)
	Get(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	Pause(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	Resume(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	Cancel(ctx context.Context, fileID, jobID uuid.UUID) error
}

// NewCreateJobHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/analysis.
func NewCreateJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}
		fileID, ok := parseUUIDParam(w, r, "fileID")
		if !ok {
			return
		}

		var req struct {
			BatchSize  int  `json:"batch_size"`
			BatchCount *int `json:"batch_count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Start(r.Context(), fileID, userID, req.BatchSize, req.BatchCount)
		if err != nil {
			switch {
			case errors.Is(err, analysis.ErrInvalidBatchSize):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, analysis.ErrActiveJobExists):
				response.Error(w, http.StatusConflict, "JOB_ALREADY_ACTIVE",
					"An analysis job is already active for this file", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for
// GET /api/v1/files/{fileID}/analysis/{jobID}. This is the poll endpoint
// clients use to reconcile optimistic state.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, jobID, ok := parseJobParams(w, r)
		if !ok {
			return
		}

		job, err := svc.Get(r.Context(), fileID, jobID)
		if err != nil {
			jobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewPauseJobHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/analysis/{jobID}/pause.
func NewPauseJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, jobID, ok := parseJobParams(w, r)
		if !ok {
			return
		}

		job, err := svc.Pause(r.Context(), fileID, jobID)
		if err != nil {
			jobError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewResumeJobHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/analysis/{jobID}/resume.
func NewResumeJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, jobID, ok := parseJobParams(w, r)
		if !ok {
			return
		}

		job, err := svc.Resume(r.Context(), fileID, jobID)
		if err != nil {
			jobError(w, err)
			return
		}
		response.Accepted(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/files/{fileID}/analysis/{jobID}/cancel. Acceptance only
// means the cancel was requested; the job converges to cancelled after
// in-flight batch work finishes.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID, jobID, ok := parseJobParams(w, r)
		if !ok {
			return
		}

		if err := svc.Cancel(r.Context(), fileID, jobID); err != nil {
			jobError(w, err)
			return
		}
		response.Accepted(w, map[string]string{"status": models.JobStatusCancelling})
	}
}

func jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, analysis.ErrInvalidCommand), errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_STATE", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func parseJobParams(w http.ResponseWriter, r *http.Request) (fileID, jobID uuid.UUID, ok bool) {
	fileID, ok = parseUUIDParam(w, r, "fileID")
	if !ok {
		return
	}
	jobID, ok = parseUUIDParam(w, r, "jobID")
	return
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}
