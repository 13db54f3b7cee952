// Package jobctl bridges user intent and server truth for a single file's
// analysis job. Commands apply an optimistic status overlay immediately,
// then scheduled reconciliation polls fetch authoritative state and correct
// it. All state is private to one Controller instance; instances are safe
// for concurrent use.
package jobctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// ErrCommandInFlight is returned when a command is issued while another is
// still outstanding. Commands are strictly serialized per controller.
var ErrCommandInFlight = errors.New("another job command is in flight")

// ErrNoJob is returned by pause/resume/cancel/refresh when the controller
// has never seen a job for its file.
var ErrNoJob = errors.New("no job to operate on")

// JobAPI is the request/response surface the controller drives. It is
// satisfied by *client.Client.
type JobAPI interface {
	CreateJob(ctx context.Context, fileID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error)
	GetJobStatus(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	PauseJob(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	ResumeJob(ctx context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	CancelJob(ctx context.Context, fileID, jobID uuid.UUID) error
}

// Notifier receives user-facing toasts for command outcomes, success and
// failure alike. Implementations must be non-blocking.
type Notifier interface {
	ShowNotification(title, body string)
}

// Delays groups every timer the controller schedules. Tests shrink these.
type Delays struct {
	// StartPolls are the reconciliation polls scheduled after a successful
	// create, to catch the queued -> running transition the server performs
	// asynchronously after responding.
	StartPolls []time.Duration
	// CommandPoll is the single reconciliation poll scheduled after
	// pause/resume/cancel/batch-size commands.
	CommandPoll time.Duration
	// CancelTimeout bounds how long the UI stays blocked waiting for a
	// cancel confirmation. A liveness guarantee, not a correctness one.
	CancelTimeout time.Duration
	// PollTimeout is the request deadline for each scheduled poll.
	PollTimeout time.Duration
}

// DefaultDelays returns the production timings.
func DefaultDelays() Delays {
	return Delays{
		StartPolls:    []time.Duration{200 * time.Millisecond, time.Second, 2 * time.Second},
		CommandPoll:   500 * time.Millisecond,
		CancelTimeout: 10 * time.Second,
		PollTimeout:   10 * time.Second,
	}
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	Job              *models.AnalysisJob
	LastKnownJob     *models.AnalysisJob
	OptimisticStatus string
	Loading          bool
}

// EffectiveStatus is the status a view should render: the optimistic overlay
// when present, otherwise the authoritative job status.
func (s Snapshot) EffectiveStatus() string {
	if s.OptimisticStatus != "" {
		return s.OptimisticStatus
	}
	if s.Job != nil {
		return s.Job.Status
	}
	return ""
}

// Controller manages the analysis job of exactly one file.
type Controller struct {
	api      JobAPI
	notifier Notifier
	fileID   uuid.UUID
	delays   Delays

	mu             sync.Mutex
	currentJob     *models.AnalysisJob
	lastKnownJob   *models.AnalysisJob
	optimistic     string
	inFlight       bool
	lastActionTime time.Time

	// seq orders every issued request; appliedSeq is the highest response
	// already merged. Responses with a lower sequence are stale and dropped.
	seq        uint64
	appliedSeq uint64

	cancelGuard *time.Timer
	timers      map[*time.Timer]struct{}
	closed      bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithDelays overrides the default timer configuration.
func WithDelays(d Delays) Option {
	return func(c *Controller) { c.delays = d }
}

// New creates a Controller for one file's analysis jobs.
func New(api JobAPI, notifier Notifier, fileID uuid.UUID, opts ...Option) *Controller {
	c := &Controller{
		api:      api,
		notifier: notifier,
		fileID:   fileID,
		delays:   DefaultDelays(),
		timers:   make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Job:              c.currentJob,
		LastKnownJob:     c.lastKnownJob,
		OptimisticStatus: c.optimistic,
		Loading:          c.inFlight,
	}
}

// Close stops every pending timer and suppresses all further state
// mutation. Safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.stopCancelGuardLocked()
}

// Start creates a new analysis job. A nil batchCount means all batches.
// Unlike the other commands, failures are returned to the caller: it needs
// to know creation did not happen.
func (c *Controller) Start(ctx context.Context, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
	seq, err := c.beginCommand()
	if err != nil {
		return nil, err
	}

	job, err := c.api.CreateJob(ctx, c.fileID, batchSize, batchCount)
	if err != nil {
		c.endCommand()
		c.notifier.ShowNotification("❌ Failed to Start Analysis", err.Error())
		return nil, err
	}

	c.apply(seq, job)
	c.endCommand()

	scope := "all batches"
	if batchCount != nil {
		scope = fmt.Sprintf("%d batches", *batchCount)
	}
	c.notifier.ShowNotification("🤖 AI Analysis Started",
		fmt.Sprintf("Analysis queued with batch size %d (%s)", batchSize, scope))

	for _, d := range c.delays.StartPolls {
		c.schedulePoll(d, job.ID)
	}
	return job, nil
}

// Pause requests the running job pause after its current batch. The
// pausing overlay is applied before the network call and cleared by the
// reconciliation poll once the server reports a stable status. Network
// failures are toasted and swallowed; only precondition errors return.
func (c *Controller) Pause(ctx context.Context) error {
	return c.transition(ctx, models.JobStatusPausing, "⏸️ Analysis Pause Requested",
		"Pausing after the current batch completes", c.api.PauseJob)
}

// Resume requests a paused job continue. Optimistic overlay is running.
func (c *Controller) Resume(ctx context.Context) error {
	return c.transition(ctx, models.JobStatusRunning, "▶️ Analysis Resumed",
		"Continuing from the last completed batch", c.api.ResumeJob)
}

func (c *Controller) transition(ctx context.Context, overlay, toastTitle, toastBody string,
	call func(context.Context, uuid.UUID, uuid.UUID) (*models.AnalysisJob, error)) error {

	jobID, ok := c.jobID()
	if !ok {
		return ErrNoJob
	}
	seq, err := c.beginCommand()
	if err != nil {
		return err
	}
	c.setOptimistic(overlay)
	c.notifier.ShowNotification(toastTitle, toastBody)

	job, err := call(ctx, c.fileID, jobID)
	if err != nil {
		c.clearOptimistic()
		c.endCommand()
		slog.Warn("job command failed", "file_id", c.fileID, "job_id", jobID, "error", err)
		c.notifier.ShowNotification("❌ Command Failed", err.Error())
		return nil
	}

	c.apply(seq, job)
	c.endCommand()
	c.schedulePoll(c.delays.CommandPoll, jobID)
	return nil
}

// Cancel requests the job stop. The server waits for in-flight batch work,
// so confirmation may be slow; a guard timer unblocks the UI after
// CancelTimeout with a timeout-specific toast. The cancel request itself is
// fire-and-forget once issued. A confirmation arriving after the timeout is
// still applied through the ordinary sequence mechanism.
func (c *Controller) Cancel(ctx context.Context) error {
	jobID, ok := c.jobID()
	if !ok {
		return ErrNoJob
	}
	if _, err := c.beginCommand(); err != nil {
		return err
	}

	c.setOptimistic(models.JobStatusCancelling)
	c.armCancelGuard()

	if err := c.api.CancelJob(ctx, c.fileID, jobID); err != nil {
		// Overlay and guard stay: the cancel may still land server-side,
		// and the guard bounds how long the UI waits for it.
		c.endCommand()
		slog.Warn("cancel request failed", "file_id", c.fileID, "job_id", jobID, "error", err)
		c.notifier.ShowNotification("❌ Cancel Failed", err.Error())
		return nil
	}

	c.stopCancelGuard()
	c.endCommand()
	c.notifier.ShowNotification("🛑 Analysis Cancel Requested",
		"Stopping once in-flight batch work finishes")
	c.schedulePoll(c.delays.CommandPoll, jobID)
	return nil
}

// UpdateBatchSize applies the new batch size to local state immediately and
// schedules a reconciliation poll. There is no dedicated endpoint; the
// running job picks the value up out of band.
func (c *Controller) UpdateBatchSize(batchSize int) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	c.mu.Lock()
	if c.currentJob == nil {
		c.mu.Unlock()
		return ErrNoJob
	}
	updated := *c.currentJob
	updated.BatchSize = batchSize
	c.currentJob = &updated
	c.lastKnownJob = &updated
	c.lastActionTime = time.Now()
	jobID := updated.ID
	c.mu.Unlock()

	c.notifier.ShowNotification("Batch Size Updated",
		fmt.Sprintf("Next batches will use size %d", batchSize))
	c.schedulePoll(c.delays.CommandPoll, jobID)
	return nil
}

// Refresh fetches authoritative status for the tracked job and merges it.
// The optimistic overlay is cleared once the server-confirmed status is no
// longer transitional.
func (c *Controller) Refresh(ctx context.Context) error {
	jobID, ok := c.jobID()
	if !ok {
		return ErrNoJob
	}
	seq := c.nextSeq()
	job, err := c.api.GetJobStatus(ctx, c.fileID, jobID)
	if err != nil {
		return fmt.Errorf("refresh job %s: %w", jobID, err)
	}
	c.apply(seq, job)
	return nil
}

// --- internals ---

// beginCommand claims the single command slot and allocates the sequence
// number for the command's response.
func (c *Controller) beginCommand() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return 0, ErrCommandInFlight
	}
	c.inFlight = true
	c.lastActionTime = time.Now()
	c.seq++
	return c.seq, nil
}

func (c *Controller) endCommand() {
	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()
}

func (c *Controller) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *Controller) setOptimistic(status string) {
	c.mu.Lock()
	c.optimistic = status
	c.mu.Unlock()
}

func (c *Controller) clearOptimistic() {
	c.mu.Lock()
	c.optimistic = ""
	c.mu.Unlock()
}

// apply merges a response into controller state. Responses older than the
// newest already applied are dropped, so a slow poll can never overwrite
// state written by a later command.
func (c *Controller) apply(seq uint64, job *models.AnalysisJob) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || seq < c.appliedSeq {
		return
	}
	c.appliedSeq = seq
	c.currentJob = job
	c.lastKnownJob = job
	if !models.IsTransitional(job.Status) {
		c.optimistic = ""
		c.stopCancelGuardLocked()
	}
}

// jobID returns the id of the job the controller is tracking, falling back
// to the last known job when the current one was cleared.
func (c *Controller) jobID() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentJob != nil {
		return c.currentJob.ID, true
	}
	if c.lastKnownJob != nil {
		return c.lastKnownJob.ID, true
	}
	return uuid.Nil, false
}

// schedulePoll arms a reconciliation poll for the given job. When the timer
// fires, the poll is skipped if a newer command replaced the tracked job in
// the meantime.
func (c *Controller) schedulePoll(d time.Duration, jobID uuid.UUID) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, t)
		closed := c.closed
		current, tracked := uuid.Nil, false
		if c.currentJob != nil {
			current, tracked = c.currentJob.ID, true
		} else if c.lastKnownJob != nil {
			current, tracked = c.lastKnownJob.ID, true
		}
		c.mu.Unlock()
		if closed || !tracked || current != jobID {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.delays.PollTimeout)
		defer cancel()
		seq := c.nextSeq()
		job, err := c.api.GetJobStatus(ctx, c.fileID, jobID)
		if err != nil {
			slog.Debug("reconciliation poll failed", "file_id", c.fileID, "job_id", jobID, "error", err)
			return
		}
		c.apply(seq, job)
	})
	c.timers[t] = struct{}{}
	c.mu.Unlock()
}

// armCancelGuard starts the bounded wait for a cancel confirmation. If
// nothing reconciles the cancelling overlay within CancelTimeout, the
// overlay and loading flag are force-cleared and a timeout toast fires.
// Re-arming while armed is a no-op so the toast fires at most once.
func (c *Controller) armCancelGuard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.cancelGuard != nil {
		return
	}
	c.cancelGuard = time.AfterFunc(c.delays.CancelTimeout, func() {
		c.mu.Lock()
		if c.closed || c.cancelGuard == nil {
			c.mu.Unlock()
			return
		}
		c.cancelGuard = nil
		c.optimistic = ""
		c.inFlight = false
		c.mu.Unlock()
		c.notifier.ShowNotification("⚠️ Cancel Taking Longer Than Expected",
			"The cancel request was sent but the server has not confirmed it yet")
	})
}

func (c *Controller) stopCancelGuard() {
	c.mu.Lock()
	c.stopCancelGuardLocked()
	c.mu.Unlock()
}

func (c *Controller) stopCancelGuardLocked() {
	if c.cancelGuard != nil {
		c.cancelGuard.Stop()
		c.cancelGuard = nil
	}
}
