// Package analysis runs batch-structured AI analysis jobs. One goroutine
// drives each job through queued -> running -> terminal, honoring pause,
// resume, and cancel commands at batch boundaries only: an in-flight batch
// always finishes, which is why cancel confirmation can be slow.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/internal/cache"
	"github.com/rahulkhanna25/opensoc/internal/store"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

var (
	ErrActiveJobExists  = errors.New("an analysis job is already active for this file")
	ErrInvalidBatchSize = errors.New("batch size must be between 1 and 1000")
	ErrInvalidCommand   = errors.New("command not applicable to current job status")
)

const (
	maxBatchSize    = 1000
	jobStatusTTL    = 30 * time.Minute
	defaultFileRows = 1000
)

// Notifier creates user-facing notifications for job lifecycle events.
// Satisfied by *notifications.Service.
type Notifier interface {
	Create(ctx context.Context, n *models.Notification) error
}

// Engine owns every running analysis job in this process.
type Engine struct {
	store    store.Store
	cache    cache.Cache
	notifier Notifier

	// batchDuration is the simulated per-batch inference time; tests
	// shrink it. queueDelay is the scheduling gap between the create
	// response and the queued -> running transition.
	batchDuration time.Duration
	queueDelay    time.Duration
	rowsForFile   func(fileID uuid.UUID) int

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
	wg      sync.WaitGroup
}

// handle carries the control flags one runner goroutine polls at batch
// boundaries. cond wakes a paused runner on resume or cancel.
type handle struct {
	mu              sync.Mutex
	cond            *sync.Cond
	pauseRequested  bool
	cancelRequested bool
}

func newHandle() *handle {
	h := &handle{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchDuration overrides the simulated per-batch work time.
func WithBatchDuration(d time.Duration) Option {
	return func(e *Engine) { e.batchDuration = d }
}

// WithQueueDelay overrides the queued -> running scheduling delay.
func WithQueueDelay(d time.Duration) Option {
	return func(e *Engine) { e.queueDelay = d }
}

// WithRowsForFile overrides how the engine determines a file's row count
// (and therefore the total batch count for "all batches" jobs).
func WithRowsForFile(f func(fileID uuid.UUID) int) Option {
	return func(e *Engine) { e.rowsForFile = f }
}

// New creates an Engine.
func New(st store.Store, ca cache.Cache, notifier Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		cache:         ca,
		notifier:      notifier,
		batchDuration: 2 * time.Second,
		queueDelay:    150 * time.Millisecond,
		rowsForFile:   func(uuid.UUID) int { return defaultFileRows },
		handles:       make(map[uuid.UUID]*handle),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start creates a queued job and dispatches its runner. A nil batchCount
// means all batches; the total is derived from the file's row count. The
// create response returns before the queued -> running transition, which
// happens asynchronously after queueDelay.
func (e *Engine) Start(ctx context.Context, fileID, userID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
	if batchSize < 1 || batchSize > maxBatchSize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidBatchSize, batchSize)
	}
	if batchCount != nil && *batchCount < 1 {
		return nil, fmt.Errorf("%w: batch count must be positive", ErrInvalidBatchSize)
	}

	if _, err := e.store.GetActiveJobForFile(ctx, fileID); err == nil {
		return nil, ErrActiveJobExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking active job: %w", err)
	}

	rows := e.rowsForFile(fileID)
	totalBatches := (rows + batchSize - 1) / batchSize
	if totalBatches < 1 {
		totalBatches = 1
	}
	if batchCount != nil && *batchCount < totalBatches {
		totalBatches = *batchCount
	}

	now := time.Now().UTC()
	job := &models.AnalysisJob{
		ID:           uuid.New(),
		FileID:       fileID,
		UserID:       userID,
		Status:       models.JobStatusQueued,
		CurrentBatch: 0,
		TotalBatches: totalBatches,
		BatchSize:    batchSize,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateAnalysisJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	_ = e.cache.SetJobStatus(ctx, job.ID, job.Status, jobStatusTTL)

	h := newHandle()
	e.mu.Lock()
	e.handles[job.ID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(job, h)

	return job, nil
}

// Get fetches one job.
func (e *Engine) Get(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	return e.store.GetAnalysisJob(ctx, jobID, fileID)
}

// Pause requests the running job pause after its current batch.
func (e *Engine) Pause(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	job, err := e.store.GetAnalysisJob(ctx, jobID, fileID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: cannot pause %s job", ErrInvalidCommand, job.Status)
	}

	updated, err := e.store.UpdateAnalysisJob(ctx, jobID, models.JobStatusPausing)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJobStatus(ctx, jobID, updated.Status, jobStatusTTL)

	if h, ok := e.handle(jobID); ok {
		h.mu.Lock()
		h.pauseRequested = true
		h.mu.Unlock()
	} else {
		slog.Warn("pause requested for job with no runner", "job_id", jobID)
	}
	return updated, nil
}

// Resume requests a paused job continue.
func (e *Engine) Resume(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	job, err := e.store.GetAnalysisJob(ctx, jobID, fileID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusPaused && job.Status != models.JobStatusPausing {
		return nil, fmt.Errorf("%w: cannot resume %s job", ErrInvalidCommand, job.Status)
	}

	// A resume racing the pausing -> paused convergence simply clears the
	// pause request; the runner never parks.
	if job.Status == models.JobStatusPausing {
		if h, ok := e.handle(jobID); ok {
			h.mu.Lock()
			h.pauseRequested = false
			h.cond.Broadcast()
			h.mu.Unlock()
		}
		return e.store.GetAnalysisJob(ctx, jobID, fileID)
	}

	updated, err := e.store.UpdateAnalysisJob(ctx, jobID, models.JobStatusResuming)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJobStatus(ctx, jobID, updated.Status, jobStatusTTL)

	if h, ok := e.handle(jobID); ok {
		h.mu.Lock()
		h.pauseRequested = false
		h.cond.Broadcast()
		h.mu.Unlock()
	} else {
		slog.Warn("resume requested for job with no runner", "job_id", jobID)
	}
	return updated, nil
}

// Cancel requests the job stop. The runner confirms only after in-flight
// batch work finishes, so convergence to cancelled may take a while.
func (e *Engine) Cancel(ctx context.Context, fileID, jobID uuid.UUID) error {
	job, err := e.store.GetAnalysisJob(ctx, jobID, fileID)
	if err != nil {
		return err
	}
	if models.IsTerminal(job.Status) || job.Status == models.JobStatusCancelling {
		return fmt.Errorf("%w: cannot cancel %s job", ErrInvalidCommand, job.Status)
	}

	updated, err := e.store.UpdateAnalysisJob(ctx, jobID, models.JobStatusCancelling)
	if err != nil {
		return err
	}
	_ = e.cache.SetJobStatus(ctx, jobID, updated.Status, jobStatusTTL)

	if h, ok := e.handle(jobID); ok {
		h.mu.Lock()
		h.cancelRequested = true
		h.cond.Broadcast()
		h.mu.Unlock()
	} else {
		slog.Warn("cancel requested for job with no runner", "job_id", jobID)
	}
	return nil
}

// Shutdown cancels every running job and waits for runners to drain or the
// context to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, h := range e.handles {
		h.mu.Lock()
		h.cancelRequested = true
		h.cond.Broadcast()
		h.mu.Unlock()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analysis engine shutdown: %w", ctx.Err())
	}
}

func (e *Engine) handle(jobID uuid.UUID) (*handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[jobID]
	return h, ok
}

func (e *Engine) dropHandle(jobID uuid.UUID) {
	e.mu.Lock()
	delete(e.handles, jobID)
	e.mu.Unlock()
}

// run drives one job to a terminal status. It recovers from panics and
// always leaves the job terminal.
func (e *Engine) run(job *models.AnalysisJob, h *handle) {
	ctx := context.Background()
	defer e.wg.Done()
	defer e.dropHandle(job.ID)

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in analysis runner", "error", r, "job_id", job.ID)
			e.finish(ctx, job, models.JobStatusFailed,
				store.WithErrorMessage(fmt.Sprintf("panic: %v", r)))
		}
	}()

	// The create response has already been sent; the queued -> running
	// transition is deliberately asynchronous.
	time.Sleep(e.queueDelay)

	if e.cancelled(h) {
		e.finish(ctx, job, models.JobStatusCancelled)
		return
	}
	if _, err := e.transition(ctx, job.ID, models.JobStatusRunning); err != nil {
		// A cancel raced the start; converge instead of running.
		e.finish(ctx, job, models.JobStatusCancelled)
		return
	}

	for batch := job.CurrentBatch; batch < job.TotalBatches; batch++ {
		// Batch boundary: the only place commands take effect.
		wasPaused := false
		h.mu.Lock()
		for h.pauseRequested && !h.cancelRequested {
			wasPaused = true
			if _, err := e.transition(ctx, job.ID, models.JobStatusPaused); err != nil {
				slog.Warn("pause convergence failed", "job_id", job.ID, "error", err)
			}
			h.cond.Wait()
		}
		cancelled := h.cancelRequested
		h.mu.Unlock()

		if cancelled {
			e.finish(ctx, job, models.JobStatusCancelled)
			return
		}
		if wasPaused {
			// Woken from paused: converge resuming -> running.
			if _, err := e.transition(ctx, job.ID, models.JobStatusRunning); err != nil {
				slog.Warn("resume convergence failed", "job_id", job.ID, "error", err)
			}
		}

		// In-flight batch work is never interrupted; cancel and pause wait
		// for it.
		time.Sleep(e.batchDuration)

		// The progress write must not stomp a pausing or cancelling status
		// a command set while the batch was in flight.
		h.mu.Lock()
		progressStatus := models.JobStatusRunning
		if h.cancelRequested {
			progressStatus = models.JobStatusCancelling
		} else if h.pauseRequested {
			progressStatus = models.JobStatusPausing
		}
		h.mu.Unlock()

		if _, err := e.transition(ctx, job.ID, progressStatus,
			store.WithCurrentBatch(batch+1)); err != nil {
			slog.Warn("progress update failed", "job_id", job.ID, "batch", batch+1, "error", err)
		}
	}

	e.finish(ctx, job, models.JobStatusCompleted)
}

// transition applies a status change, tolerating command races by
// surfacing store.ErrInvalidTransition to the caller.
func (e *Engine) transition(ctx context.Context, jobID uuid.UUID, status string, opts ...store.JobUpdateOption) (*models.AnalysisJob, error) {
	updated, err := e.store.UpdateAnalysisJob(ctx, jobID, status, opts...)
	if err != nil {
		return nil, err
	}
	_ = e.cache.SetJobStatus(ctx, jobID, updated.Status, jobStatusTTL)
	return updated, nil
}

// finish moves the job to a terminal status and emits the lifecycle
// notification.
func (e *Engine) finish(ctx context.Context, job *models.AnalysisJob, status string, opts ...store.JobUpdateOption) {
	updated, err := e.transition(ctx, job.ID, status, opts...)
	if errors.Is(err, store.ErrInvalidTransition) && status == models.JobStatusCancelled {
		// A cancel requested through the handle alone (engine shutdown) never
		// wrote cancelling; converge through it before confirming.
		if _, cerr := e.transition(ctx, job.ID, models.JobStatusCancelling); cerr == nil {
			updated, err = e.transition(ctx, job.ID, status, opts...)
		}
	}
	if err != nil {
		slog.Error("finalizing job failed", "job_id", job.ID, "status", status, "error", err)
		return
	}

	relatedType := "file"
	n := &models.Notification{
		UserID:      job.UserID,
		Type:        models.NotificationTypeSystem,
		Priority:    models.PriorityMedium,
		RelatedType: &relatedType,
		RelatedID:   &job.FileID,
	}
	switch status {
	case models.JobStatusCompleted:
		n.Title = "✅ AI Analysis Complete"
		n.Message = fmt.Sprintf("Processed %d batches of size %d.", updated.TotalBatches, updated.BatchSize)
	case models.JobStatusCancelled:
		n.Title = "🛑 AI Analysis Cancelled"
		n.Message = fmt.Sprintf("Stopped after %d of %d batches.", updated.CurrentBatch, updated.TotalBatches)
	case models.JobStatusFailed:
		n.Title = "❌ AI Analysis Failed"
		n.Type = models.NotificationTypeAlert
		n.Priority = models.PriorityHigh
		msg := "unknown error"
		if updated.ErrorMessage != nil {
			msg = *updated.ErrorMessage
		}
		n.Message = fmt.Sprintf("Analysis stopped at batch %d: %s", updated.CurrentBatch, msg)
	}

	if err := e.notifier.Create(ctx, n); err != nil {
		slog.Warn("job lifecycle notification failed", "job_id", job.ID, "error", err)
	}
}

func (e *Engine) cancelled(h *handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}
