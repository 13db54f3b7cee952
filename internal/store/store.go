package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultUser(ctx context.Context) (*models.User, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, userID uuid.UUID) error

	CreateAnalysisJob(ctx context.Context, job *models.AnalysisJob) error
	GetAnalysisJob(ctx context.Context, id uuid.UUID, fileID uuid.UUID) (*models.AnalysisJob, error)
	GetActiveJobForFile(ctx context.Context, fileID uuid.UUID) (*models.AnalysisJob, error)
	UpdateAnalysisJob(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) (*models.AnalysisJob, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Notification, error)
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*models.Notification, int, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, userID uuid.UUID, readAt time.Time) (*models.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID uuid.UUID, readAt time.Time) (int, error)
	ArchiveNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) (*models.Notification, error)
	DeleteNotification(ctx context.Context, id uuid.UUID, userID uuid.UUID) error
	CountUnreadNotifications(ctx context.Context, userID uuid.UUID) (int, error)
}

// NotificationFilter narrows and pages the notification list query.
type NotificationFilter struct {
	UserID          uuid.UUID
	Search          string
	Type            string
	Priority        string
	IsRead          *bool
	ActionRequired  *bool
	IncludeArchived bool
	SortBy          string
	SortOrder       string
	Page            int
	Limit           int
}

type jobUpdateParams struct {
	CurrentBatch *int
	ErrorMessage *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithCurrentBatch(batch int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CurrentBatch = &batch
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdateOptions applies opts to job in place, with the same
// semantics as PostgresStore: current_batch never decreases. Intended for
// non-SQL Store implementations.
func ApplyJobUpdateOptions(job *models.AnalysisJob, opts ...JobUpdateOption) {
	var p jobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	if p.CurrentBatch != nil && *p.CurrentBatch > job.CurrentBatch {
		job.CurrentBatch = *p.CurrentBatch
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = p.ErrorMessage
	}
}
