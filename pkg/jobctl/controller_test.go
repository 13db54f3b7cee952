package jobctl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// fakeAPI lets each test script the server's responses.
type fakeAPI struct {
	mu          sync.Mutex
	createFn    func(fileID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error)
	getFn       func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	pauseFn     func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	resumeFn    func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error)
	cancelFn    func(fileID, jobID uuid.UUID) error
	getCalls    int
	getJobIDs   []uuid.UUID
	cancelCalls int
}

func (f *fakeAPI) CreateJob(_ context.Context, fileID uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
	return f.createFn(fileID, batchSize, batchCount)
}

func (f *fakeAPI) GetJobStatus(_ context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	f.mu.Lock()
	f.getCalls++
	f.getJobIDs = append(f.getJobIDs, jobID)
	f.mu.Unlock()
	return f.getFn(fileID, jobID)
}

func (f *fakeAPI) PauseJob(_ context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	return f.pauseFn(fileID, jobID)
}

func (f *fakeAPI) ResumeJob(_ context.Context, fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
	return f.resumeFn(fileID, jobID)
}

func (f *fakeAPI) CancelJob(_ context.Context, fileID, jobID uuid.UUID) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return f.cancelFn(fileID, jobID)
}

func (f *fakeAPI) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

// toastRecorder captures notifications for assertion.
type toastRecorder struct {
	mu     sync.Mutex
	titles []string
}

func (t *toastRecorder) ShowNotification(title, _ string) {
	t.mu.Lock()
	t.titles = append(t.titles, title)
	t.mu.Unlock()
}

func (t *toastRecorder) count(substr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, title := range t.titles {
		if strings.Contains(title, substr) {
			n++
		}
	}
	return n
}

func testJob(fileID uuid.UUID, status string) *models.AnalysisJob {
	return &models.AnalysisJob{
		ID:           uuid.New(),
		FileID:       fileID,
		UserID:       uuid.New(),
		Status:       status,
		TotalBatches: 10,
		BatchSize:    50,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

// fastDelays keeps tests quick while preserving ordering.
func fastDelays() Delays {
	return Delays{
		StartPolls:    []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond},
		CommandPoll:   5 * time.Millisecond,
		CancelTimeout: 40 * time.Millisecond,
		PollTimeout:   time.Second,
	}
}

// startedController returns a controller already tracking a running job.
func startedController(t *testing.T, api *fakeAPI, toasts *toastRecorder) (*Controller, *models.AnalysisJob) {
	t.Helper()
	fileID := uuid.New()
	job := testJob(fileID, models.JobStatusRunning)
	job.FileID = fileID

	api.createFn = func(uuid.UUID, int, *int) (*models.AnalysisJob, error) {
		return job, nil
	}
	if api.getFn == nil {
		api.getFn = func(uuid.UUID, uuid.UUID) (*models.AnalysisJob, error) {
			return job, nil
		}
	}

	c := New(api, toasts, fileID, WithDelays(fastDelays()))
	t.Cleanup(c.Close)

	created, err := c.Start(context.Background(), 50, nil)
	require.NoError(t, err)
	require.Equal(t, job.ID, created.ID)

	// Drain the scheduled start polls so later assertions do not race them.
	require.Eventually(t, func() bool {
		return api.getCount() >= 3
	}, time.Second, time.Millisecond)
	return c, job
}

func TestStartAppliesJobAndSchedulesPolls(t *testing.T) {
	fileID := uuid.New()
	queued := testJob(fileID, models.JobStatusQueued)
	running := testJob(fileID, models.JobStatusRunning)
	running.ID = queued.ID

	api := &fakeAPI{
		createFn: func(gotFile uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
			assert.Equal(t, fileID, gotFile)
			assert.Equal(t, 50, batchSize)
			assert.Nil(t, batchCount)
			return queued, nil
		},
		getFn: func(uuid.UUID, uuid.UUID) (*models.AnalysisJob, error) {
			return running, nil
		},
	}
	toasts := &toastRecorder{}
	c := New(api, toasts, fileID, WithDelays(fastDelays()))
	defer c.Close()

	job, err := c.Start(context.Background(), 50, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 1, toasts.count("AI Analysis Started"))

	// All three start polls fire and the queued -> running transition the
	// server performs after responding is picked up.
	require.Eventually(t, func() bool {
		return api.getCount() == 3
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, models.JobStatusRunning, c.Snapshot().EffectiveStatus())
}

func TestStartBatchCountScope(t *testing.T) {
	fileID := uuid.New()
	api := &fakeAPI{
		createFn: func(_ uuid.UUID, batchSize int, batchCount *int) (*models.AnalysisJob, error) {
			require.NotNil(t, batchCount)
			assert.Equal(t, 3, *batchCount)
			assert.Equal(t, 10, batchSize)
			job := testJob(fileID, models.JobStatusQueued)
			job.BatchSize = 10
			job.TotalBatches = 3
			return job, nil
		},
		getFn: func(uuid.UUID, uuid.UUID) (*models.AnalysisJob, error) {
			return testJob(fileID, models.JobStatusQueued), nil
		},
	}
	c := New(api, &toastRecorder{}, fileID, WithDelays(fastDelays()))
	defer c.Close()

	count := 3
	job, err := c.Start(context.Background(), 10, &count)
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalBatches)
	assert.Equal(t, 10, job.BatchSize)
}

func TestStartFailureIsReturned(t *testing.T) {
	fileID := uuid.New()
	api := &fakeAPI{
		createFn: func(uuid.UUID, int, *int) (*models.AnalysisJob, error) {
			return nil, errors.New("conflict: job already active")
		},
	}
	toasts := &toastRecorder{}
	c := New(api, toasts, fileID, WithDelays(fastDelays()))
	defer c.Close()

	_, err := c.Start(context.Background(), 50, nil)
	require.Error(t, err)

	snap := c.Snapshot()
	assert.Nil(t, snap.Job)
	assert.False(t, snap.Loading)
	assert.Equal(t, 1, toasts.count("Failed to Start Analysis"))
}

func TestPauseOverlayClearedByReconciliation(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}

	paused := make(chan struct{})
	api.getFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		status := models.JobStatusPausing
		select {
		case <-paused:
			status = models.JobStatusPaused
		default:
		}
		job := testJob(fileID, status)
		job.ID = jobID
		return job, nil
	}
	api.pauseFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		job := testJob(fileID, models.JobStatusPausing)
		job.ID = jobID
		return job, nil
	}

	c, _ := startedController(t, api, toasts)

	require.NoError(t, c.Pause(context.Background()))
	assert.Equal(t, models.JobStatusPausing, c.Snapshot().EffectiveStatus())
	assert.Equal(t, 1, toasts.count("Analysis Pause Requested"))

	// Server converges; reconciliation clears the overlay.
	close(paused)
	require.NoError(t, c.Refresh(context.Background()))

	snap := c.Snapshot()
	assert.Empty(t, snap.OptimisticStatus)
	assert.Equal(t, models.JobStatusPaused, snap.EffectiveStatus())
}

func TestPauseNetworkFailureRollsBackOverlay(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	api.pauseFn = func(uuid.UUID, uuid.UUID) (*models.AnalysisJob, error) {
		return nil, errors.New("connection refused")
	}

	c, job := startedController(t, api, toasts)

	// Command failures are toasted, not returned.
	require.NoError(t, c.Pause(context.Background()))

	snap := c.Snapshot()
	assert.Empty(t, snap.OptimisticStatus)
	assert.Equal(t, job.Status, snap.EffectiveStatus())
	assert.False(t, snap.Loading)
	assert.Equal(t, 1, toasts.count("Command Failed"))
}

func TestResumeOverlayIsRunning(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	block := make(chan struct{})
	api.resumeFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		<-block
		job := testJob(fileID, models.JobStatusResuming)
		job.ID = jobID
		return job, nil
	}
	api.getFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		job := testJob(fileID, models.JobStatusPaused)
		job.ID = jobID
		return job, nil
	}

	c, _ := startedController(t, api, toasts)

	done := make(chan error, 1)
	go func() { done <- c.Resume(context.Background()) }()

	// The overlay shows running before the server has answered.
	require.Eventually(t, func() bool {
		return c.Snapshot().OptimisticStatus == models.JobStatusRunning
	}, time.Second, time.Millisecond)
	assert.Equal(t, models.JobStatusRunning, c.Snapshot().EffectiveStatus())

	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, toasts.count("Analysis Resumed"))
}

func TestCommandsAreSerialized(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	block := make(chan struct{})
	api.pauseFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		<-block
		job := testJob(fileID, models.JobStatusPausing)
		job.ID = jobID
		return job, nil
	}

	c, _ := startedController(t, api, toasts)

	done := make(chan error, 1)
	go func() { done <- c.Pause(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.Snapshot().Loading
	}, time.Second, time.Millisecond)

	err := c.Cancel(context.Background())
	require.ErrorIs(t, err, ErrCommandInFlight)

	close(block)
	require.NoError(t, <-done)
}

func TestCancelTimeoutToastFiresExactlyOnce(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	block := make(chan struct{})
	api.cancelFn = func(uuid.UUID, uuid.UUID) error {
		<-block
		return nil
	}

	c, _ := startedController(t, api, toasts)

	done := make(chan error, 1)
	go func() { done <- c.Cancel(context.Background()) }()

	// The guard fires while the request is still outstanding: overlay and
	// loading are force-cleared so the UI is not blocked forever.
	require.Eventually(t, func() bool {
		return toasts.count("Cancel Taking Longer Than Expected") == 1
	}, time.Second, 2*time.Millisecond)

	snap := c.Snapshot()
	assert.Empty(t, snap.OptimisticStatus)
	assert.False(t, snap.Loading)

	// The guard never fires a second time.
	time.Sleep(2 * fastDelays().CancelTimeout)
	assert.Equal(t, 1, toasts.count("Cancel Taking Longer Than Expected"))

	close(block)
	require.NoError(t, <-done)
}

func TestCancelConfirmationSuppressesTimeoutToast(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	api.cancelFn = func(uuid.UUID, uuid.UUID) error { return nil }
	api.getFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		job := testJob(fileID, models.JobStatusCancelled)
		job.ID = jobID
		return job, nil
	}

	c, _ := startedController(t, api, toasts)

	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, 1, toasts.count("Analysis Cancel Requested"))

	require.Eventually(t, func() bool {
		return c.Snapshot().EffectiveStatus() == models.JobStatusCancelled
	}, time.Second, 2*time.Millisecond)

	time.Sleep(2 * fastDelays().CancelTimeout)
	assert.Zero(t, toasts.count("Cancel Taking Longer Than Expected"))
}

func TestFailedCancelKeepsOverlayUntilGuard(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	api.cancelFn = func(uuid.UUID, uuid.UUID) error {
		return errors.New("connection reset")
	}

	c, _ := startedController(t, api, toasts)

	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, 1, toasts.count("Cancel Failed"))

	// The request may still have landed server-side, so the overlay stays
	// until the guard bounds the wait.
	assert.Equal(t, models.JobStatusCancelling, c.Snapshot().EffectiveStatus())

	require.Eventually(t, func() bool {
		return toasts.count("Cancel Taking Longer Than Expected") == 1
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, c.Snapshot().OptimisticStatus)
}

func TestStaleResponseIsDropped(t *testing.T) {
	fileID := uuid.New()
	job := testJob(fileID, models.JobStatusRunning)

	slowGet := make(chan struct{})
	api := &fakeAPI{
		createFn: func(uuid.UUID, int, *int) (*models.AnalysisJob, error) {
			return job, nil
		},
		getFn: func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
			<-slowGet
			stale := testJob(fileID, models.JobStatusRunning)
			stale.ID = jobID
			return stale, nil
		},
		pauseFn: func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
			updated := testJob(fileID, models.JobStatusPausing)
			updated.ID = jobID
			return updated, nil
		},
	}

	// No scheduled polls: this test drives reconciliation by hand so the
	// only slow response is the explicit refresh.
	delays := fastDelays()
	delays.StartPolls = nil
	delays.CommandPoll = time.Second

	c := New(api, &toastRecorder{}, fileID, WithDelays(delays))
	defer c.Close()

	_, err := c.Start(context.Background(), 50, nil)
	require.NoError(t, err)

	// A refresh is issued first but its response arrives last.
	refreshDone := make(chan error, 1)
	go func() { refreshDone <- c.Refresh(context.Background()) }()

	// Give the refresh time to claim its sequence number.
	require.Eventually(t, func() bool {
		return api.getCount() == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, c.Pause(context.Background()))
	require.Equal(t, models.JobStatusPausing, c.Snapshot().EffectiveStatus())

	// The slow refresh response carries an older sequence number and must
	// not roll the status back to running.
	close(slowGet)
	require.NoError(t, <-refreshDone)
	assert.Equal(t, models.JobStatusPausing, c.Snapshot().EffectiveStatus())
}

func TestPollForReplacedJobIsSkipped(t *testing.T) {
	fileID := uuid.New()
	jobA := testJob(fileID, models.JobStatusQueued)
	jobB := testJob(fileID, models.JobStatusQueued)

	jobs := []*models.AnalysisJob{jobA, jobB}
	api := &fakeAPI{}
	api.createFn = func(uuid.UUID, int, *int) (*models.AnalysisJob, error) {
		job := jobs[0]
		jobs = jobs[1:]
		return job, nil
	}
	api.getFn = func(_, jobID uuid.UUID) (*models.AnalysisJob, error) {
		job := *jobB
		job.ID = jobID
		return &job, nil
	}

	delays := fastDelays()
	delays.StartPolls = []time.Duration{30 * time.Millisecond}
	c := New(api, &toastRecorder{}, fileID, WithDelays(delays))
	defer c.Close()

	_, err := c.Start(context.Background(), 50, nil)
	require.NoError(t, err)

	// A second job replaces the first before its poll fires.
	_, err = c.Start(context.Background(), 50, nil)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)

	api.mu.Lock()
	defer api.mu.Unlock()
	for _, id := range api.getJobIDs {
		assert.Equal(t, jobB.ID, id, "poll for the replaced job must be skipped")
	}
}

func TestUpdateBatchSizeIsLocal(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}
	// The fake server already reports the new size, so the reconciliation
	// poll cannot overwrite the local value mid-assertion.
	api.getFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		job := testJob(fileID, models.JobStatusRunning)
		job.ID = jobID
		job.BatchSize = 25
		return job, nil
	}
	c, _ := startedController(t, api, toasts)

	require.NoError(t, c.UpdateBatchSize(25))
	assert.Equal(t, 25, c.Snapshot().Job.BatchSize)
	assert.Equal(t, 1, toasts.count("Batch Size Updated"))

	err := c.UpdateBatchSize(0)
	require.Error(t, err)
}

func TestCommandsWithoutJobReturnErrNoJob(t *testing.T) {
	c := New(&fakeAPI{}, &toastRecorder{}, uuid.New(), WithDelays(fastDelays()))
	defer c.Close()

	assert.ErrorIs(t, c.Pause(context.Background()), ErrNoJob)
	assert.ErrorIs(t, c.Resume(context.Background()), ErrNoJob)
	assert.ErrorIs(t, c.Cancel(context.Background()), ErrNoJob)
	assert.ErrorIs(t, c.Refresh(context.Background()), ErrNoJob)
	assert.ErrorIs(t, c.UpdateBatchSize(10), ErrNoJob)
}

func TestCloseStopsScheduledPolls(t *testing.T) {
	api := &fakeAPI{}
	toasts := &toastRecorder{}

	delays := fastDelays()
	delays.StartPolls = []time.Duration{30 * time.Millisecond}

	fileID := uuid.New()
	job := testJob(fileID, models.JobStatusQueued)
	api.createFn = func(uuid.UUID, int, *int) (*models.AnalysisJob, error) { return job, nil }
	api.getFn = func(fileID, jobID uuid.UUID) (*models.AnalysisJob, error) {
		return testJob(fileID, models.JobStatusRunning), nil
	}

	c := New(api, toasts, fileID, WithDelays(delays))
	_, err := c.Start(context.Background(), 50, nil)
	require.NoError(t, err)

	c.Close()
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, api.getCount())
}
