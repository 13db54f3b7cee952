package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Users ---

func (s *PostgresStore) GetDefaultUser(ctx context.Context) (*models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, email, created_at, updated_at FROM users WHERE username = 'default' LIMIT 1`,
	).Scan(&u.ID, &u.Username, &u.Email, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default user: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE user_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Analysis Jobs ---

const jobColumns = `id, file_id, user_id, status, current_batch, total_batches, batch_size,
	 error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.AnalysisJob, error) {
	var j models.AnalysisJob
	err := row.Scan(&j.ID, &j.FileID, &j.UserID, &j.Status, &j.CurrentBatch, &j.TotalBatches,
		&j.BatchSize, &j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateAnalysisJob(ctx context.Context, job *models.AnalysisJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_jobs (id, file_id, user_id, status, current_batch, total_batches, batch_size, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.FileID, job.UserID, job.Status, job.CurrentBatch, job.TotalBatches,
		job.BatchSize, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create analysis job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysisJob(ctx context.Context, id uuid.UUID, fileID uuid.UUID) (*models.AnalysisJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs WHERE id = $1 AND file_id = $2`, id, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis job: %w", err)
	}
	return j, nil
}

// GetActiveJobForFile returns the non-terminal job for the file, if any.
// At most one job per file is ever active.
func (s *PostgresStore) GetActiveJobForFile(ctx context.Context, fileID uuid.UUID) (*models.AnalysisJob, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM analysis_jobs
		 WHERE file_id = $1 AND status NOT IN ('cancelled', 'completed', 'failed')
		 ORDER BY created_at DESC LIMIT 1`, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job for file: %w", err)
	}
	return j, nil
}

var validTransitions = map[string][]string{
	models.JobStatusQueued:  {models.JobStatusRunning, models.JobStatusCancelling, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusPausing, models.JobStatusCancelling, models.JobStatusCompleted, models.JobStatusFailed},
	// pausing -> running covers a resume arriving before the pause ever
	// took effect at a batch boundary.
	models.JobStatusPausing:    {models.JobStatusPaused, models.JobStatusRunning, models.JobStatusCancelling, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusPaused:     {models.JobStatusResuming, models.JobStatusCancelling},
	models.JobStatusResuming:   {models.JobStatusRunning, models.JobStatusCancelling},
	models.JobStatusCancelling: {models.JobStatusCancelled, models.JobStatusFailed},
}

// UpdateAnalysisJob validates the status transition, applies it together
// with any progress options, and returns the updated row. Updating a job
// to its current status is allowed for progress-only writes. current_batch
// never decreases. The write is conditional on the status the transition
// was validated against: if another command moves the row between the read
// and the write, the update misses and the transition is re-validated
// against the fresh status, so a concurrent cancelling or pausing write is
// never overwritten by a stale one.
func (s *PostgresStore) UpdateAnalysisJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (*models.AnalysisJob, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	for {
		var currentStatus string
		err := s.pool.QueryRow(ctx, `SELECT status FROM analysis_jobs WHERE id = $1`, id).Scan(&currentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get job status: %w", err)
		}

		if status != currentStatus {
			valid := false
			for _, a := range validTransitions[currentStatus] {
				if a == status {
					valid = true
					break
				}
			}
			if !valid {
				return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
			}
		}

		now := time.Now().UTC()
		query := `UPDATE analysis_jobs SET status = $2, updated_at = $3`
		args := []any{id, status, now}
		argIdx := 4

		if status == models.JobStatusRunning && currentStatus == models.JobStatusQueued {
			query += fmt.Sprintf(", started_at = $%d", argIdx)
			args = append(args, now)
			argIdx++
		}
		if models.IsTerminal(status) {
			query += fmt.Sprintf(", completed_at = $%d", argIdx)
			args = append(args, now)
			argIdx++
		}
		if params.CurrentBatch != nil {
			query += fmt.Sprintf(", current_batch = GREATEST(current_batch, $%d)", argIdx)
			args = append(args, *params.CurrentBatch)
			argIdx++
		}
		if params.ErrorMessage != nil {
			query += fmt.Sprintf(", error_message = $%d", argIdx)
			args = append(args, *params.ErrorMessage)
			argIdx++
		}

		query += fmt.Sprintf(" WHERE id = $1 AND status = $%d RETURNING "+jobColumns, argIdx)
		args = append(args, currentStatus)

		j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race to another command. Each retry re-reads, so the
			// loop only spins while other writers keep transitioning the row.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update analysis job: %w", err)
		}
		return j, nil
	}
}

// --- Notifications ---

const notificationColumns = `id, user_id, title, message, type, priority, is_read, read_at,
	 archived_at, action_required, related_type, related_id, channel, created_at, updated_at`

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Type, &n.Priority, &n.IsRead,
		&n.ReadAt, &n.ArchivedAt, &n.ActionRequired, &n.RelatedType, &n.RelatedID, &n.Channel,
		&n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (id, user_id, title, message, type, priority, is_read, action_required, related_type, related_id, channel, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		n.ID, n.UserID, n.Title, n.Message, n.Type, n.Priority, n.IsRead, n.ActionRequired,
		n.RelatedType, n.RelatedID, n.Channel, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

var notificationSortColumns = map[string]string{
	"created_at": "created_at",
	"priority":   "priority",
	"type":       "type",
	"is_read":    "is_read",
}

func (s *PostgresStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*models.Notification, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"user_id = $1"}
	args := []any{filter.UserID}
	argIdx := 2

	if !filter.IncludeArchived {
		conditions = append(conditions, "archived_at IS NULL")
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(title ILIKE $%d OR message ILIKE $%d)", argIdx, argIdx))
		args = append(args, "%"+filter.Search+"%")
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIdx))
		args = append(args, filter.Type)
		argIdx++
	}
	if filter.Priority != "" {
		conditions = append(conditions, fmt.Sprintf("priority = $%d", argIdx))
		args = append(args, filter.Priority)
		argIdx++
	}
	if filter.IsRead != nil {
		conditions = append(conditions, fmt.Sprintf("is_read = $%d", argIdx))
		args = append(args, *filter.IsRead)
		argIdx++
	}
	if filter.ActionRequired != nil {
		conditions = append(conditions, fmt.Sprintf("action_required = $%d", argIdx))
		args = append(args, *filter.ActionRequired)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	// Count query
	var total int
	countQuery := "SELECT COUNT(*) FROM notifications WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	// Normalize pagination
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	sortCol, ok := notificationSortColumns[filter.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	sortDir := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		sortDir = "ASC"
	}

	dataQuery := fmt.Sprintf(
		`SELECT `+notificationColumns+` FROM notifications WHERE %s ORDER BY %s %s, id DESC LIMIT $%d OFFSET $%d`,
		where, sortCol, sortDir, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var items []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

// MarkNotificationRead is idempotent: is_read only moves false -> true and
// the original read_at is kept on re-delivery.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id uuid.UUID, userID uuid.UUID, readAt time.Time) (*models.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $3), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 RETURNING `+notificationColumns, id, userID, readAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID, readAt time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE, read_at = $2, updated_at = NOW()
		 WHERE user_id = $1 AND is_read = FALSE AND archived_at IS NULL`, userID, readAt)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ArchiveNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx,
		`UPDATE notifications SET archived_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND user_id = $2 AND archived_at IS NULL RETURNING `+notificationColumns, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("archive notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE AND archived_at IS NULL`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
