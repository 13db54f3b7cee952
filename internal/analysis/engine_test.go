package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahulkhanna25/opensoc/internal/store"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// memStore is an in-memory job store for engine tests. It enforces the
// same status transition rules as the SQL store. The embedded interface
// panics on anything the engine should not touch.
type memStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.AnalysisJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.AnalysisJob)}
}

func (m *memStore) CreateAnalysisJob(_ context.Context, job *models.AnalysisJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetAnalysisJob(_ context.Context, id, fileID uuid.UUID) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.FileID != fileID {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) GetActiveJobForFile(_ context.Context, fileID uuid.UUID) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.FileID == fileID && !models.IsTerminal(job.Status) {
			cp := *job
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

var memTransitions = map[string][]string{
	models.JobStatusQueued:     {models.JobStatusRunning, models.JobStatusCancelling, models.JobStatusFailed},
	models.JobStatusRunning:    {models.JobStatusPausing, models.JobStatusCancelling, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusPausing:    {models.JobStatusPaused, models.JobStatusRunning, models.JobStatusCancelling, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusPaused:     {models.JobStatusResuming, models.JobStatusCancelling},
	models.JobStatusResuming:   {models.JobStatusRunning, models.JobStatusCancelling},
	models.JobStatusCancelling: {models.JobStatusCancelled, models.JobStatusFailed},
}

func (m *memStore) UpdateAnalysisJob(_ context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) (*models.AnalysisJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	if status != job.Status {
		valid := false
		for _, a := range memTransitions[job.Status] {
			if a == status {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, job.Status, status)
		}
	}

	now := time.Now().UTC()
	if job.Status == models.JobStatusQueued && status == models.JobStatusRunning {
		job.StartedAt = &now
	}
	if models.IsTerminal(status) {
		job.CompletedAt = &now
	}
	job.Status = status
	job.UpdatedAt = now
	store.ApplyJobUpdateOptions(job, opts...)

	cp := *job
	return &cp, nil
}

func (m *memStore) status(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].Status
}

func (m *memStore) currentBatch(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id].CurrentBatch
}

// nopCache satisfies cache.Cache without a Redis server.
type nopCache struct{}

func (nopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (nopCache) Get(context.Context, string) ([]byte, bool, error)       { return nil, false, nil }
func (nopCache) Delete(context.Context, string) error                    { return nil }
func (nopCache) Ping(context.Context) error                              { return nil }
func (nopCache) SetJobStatus(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}
func (nopCache) GetJobStatus(context.Context, uuid.UUID) (string, bool, error) { return "", false, nil }
func (nopCache) SetUnreadCount(context.Context, uuid.UUID, int, time.Duration) error {
	return nil
}
func (nopCache) GetUnreadCount(context.Context, uuid.UUID) (int, bool, error) { return 0, false, nil }
func (nopCache) InvalidateUnreadCount(context.Context, uuid.UUID) error       { return nil }
func (nopCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

// recordingNotifier captures lifecycle notifications.
type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Create(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	r.titles = append(r.titles, n.Title)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) has(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, title := range r.titles {
		if strings.Contains(title, substr) {
			return true
		}
	}
	return false
}

func testEngine(st *memStore, n Notifier, rows int) *Engine {
	return New(st, nopCache{}, n,
		WithBatchDuration(10*time.Millisecond),
		WithQueueDelay(2*time.Millisecond),
		WithRowsForFile(func(uuid.UUID) int { return rows }),
	)
}

func TestJobRunsToCompletion(t *testing.T) {
	st := newMemStore()
	notes := &recordingNotifier{}
	e := testEngine(st, notes, 40)

	job, err := e.Start(context.Background(), uuid.New(), uuid.New(), 10, nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 4, job.TotalBatches)

	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, st.currentBatch(job.ID))
	assert.True(t, notes.has("AI Analysis Complete"))

	final, err := st.GetAnalysisJob(context.Background(), job.ID, job.FileID)
	require.NoError(t, err)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)
}

func TestBatchCountCapsTotal(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 1000)

	count := 3
	job, err := e.Start(context.Background(), uuid.New(), uuid.New(), 10, &count)
	require.NoError(t, err)
	assert.Equal(t, 3, job.TotalBatches)

	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, st.currentBatch(job.ID))
}

func TestStartValidation(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 100)
	ctx := context.Background()

	_, err := e.Start(ctx, uuid.New(), uuid.New(), 0, nil)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	_, err = e.Start(ctx, uuid.New(), uuid.New(), 1001, nil)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)

	zero := 0
	_, err = e.Start(ctx, uuid.New(), uuid.New(), 10, &zero)
	assert.ErrorIs(t, err, ErrInvalidBatchSize)
}

func TestSecondActiveJobIsRejected(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 10000)
	fileID := uuid.New()
	ctx := context.Background()

	_, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)

	_, err = e.Start(ctx, fileID, uuid.New(), 10, nil)
	assert.ErrorIs(t, err, ErrActiveJobExists)

	// A different file is unaffected.
	_, err = e.Start(ctx, uuid.New(), uuid.New(), 10, nil)
	assert.NoError(t, err)
}

func TestPauseResumeAtBatchBoundary(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 10000)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusRunning
	}, 5*time.Second, time.Millisecond)

	updated, err := e.Pause(ctx, fileID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPausing, updated.Status)

	// The runner converges to paused at the next batch boundary.
	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusPaused
	}, 5*time.Second, time.Millisecond)
	pausedAt := st.currentBatch(job.ID)

	// Paused means paused: no more progress.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, pausedAt, st.currentBatch(job.ID))

	updated, err = e.Resume(ctx, fileID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusResuming, updated.Status)

	require.Eventually(t, func() bool {
		return st.currentBatch(job.ID) > pausedAt
	}, 5*time.Second, time.Millisecond)
}

func TestPauseRequiresRunning(t *testing.T) {
	st := newMemStore()
	// A long queue delay keeps the job queued while we probe.
	e := New(st, nopCache{}, &recordingNotifier{},
		WithBatchDuration(10*time.Millisecond),
		WithQueueDelay(time.Second),
		WithRowsForFile(func(uuid.UUID) int { return 100 }),
	)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)

	_, err = e.Pause(ctx, fileID, job.ID)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = e.Resume(ctx, fileID, job.ID)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestCancelWaitsForInFlightBatch(t *testing.T) {
	st := newMemStore()
	notes := &recordingNotifier{}
	e := New(st, nopCache{}, notes,
		WithBatchDuration(80*time.Millisecond),
		WithQueueDelay(2*time.Millisecond),
		WithRowsForFile(func(uuid.UUID) int { return 10000 }),
	)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusRunning
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Cancel(ctx, fileID, job.ID))
	assert.Equal(t, models.JobStatusCancelling, st.status(job.ID))

	// Confirmation only lands once the in-flight batch finishes.
	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusCancelled
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, notes.has("AI Analysis Cancelled"))

	// Cancelled is terminal.
	_, err = e.Pause(ctx, fileID, job.ID)
	assert.Error(t, err)
}

func TestCancelWhileQueued(t *testing.T) {
	st := newMemStore()
	e := New(st, nopCache{}, &recordingNotifier{},
		WithBatchDuration(10*time.Millisecond),
		WithQueueDelay(100*time.Millisecond),
		WithRowsForFile(func(uuid.UUID) int { return 100 }),
	)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, fileID, job.ID))

	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusCancelled
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, st.currentBatch(job.ID))
}

func TestCancelTwiceIsRejected(t *testing.T) {
	st := newMemStore()
	e := New(st, nopCache{}, &recordingNotifier{},
		WithBatchDuration(200*time.Millisecond),
		WithQueueDelay(2*time.Millisecond),
		WithRowsForFile(func(uuid.UUID) int { return 10000 }),
	)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusRunning
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, e.Cancel(ctx, fileID, job.ID))
	assert.ErrorIs(t, e.Cancel(ctx, fileID, job.ID), ErrInvalidCommand)
}

func TestShutdownDrainsRunners(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 100000)
	ctx := context.Background()

	job, err := e.Start(ctx, uuid.New(), uuid.New(), 10, nil)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	assert.Equal(t, models.JobStatusCancelled, st.status(job.ID))
}

func TestShutdownCancelsPausedJob(t *testing.T) {
	st := newMemStore()
	e := testEngine(st, &recordingNotifier{}, 100000)
	fileID := uuid.New()
	ctx := context.Background()

	job, err := e.Start(ctx, fileID, uuid.New(), 10, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusRunning
	}, 5*time.Second, time.Millisecond)

	_, err = e.Pause(ctx, fileID, job.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.status(job.ID) == models.JobStatusPaused
	}, 5*time.Second, time.Millisecond)

	// Shutdown cancels through the handle without writing cancelling first;
	// the runner still has to leave the job terminal.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	assert.Equal(t, models.JobStatusCancelled, st.status(job.ID))
}
