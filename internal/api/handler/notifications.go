package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/rahulkhanna25/opensoc/internal/api/middleware"
	"github.com/rahulkhanna25/opensoc/internal/api/response"
	"github.com/rahulkhanna25/opensoc/internal/store"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// NotificationService defines the interface the notification handlers
// depend on.
type NotificationService interface {
	List(ctx context.Context, filter store.NotificationFilter) ([]*models.Notification, int, int, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error)
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
	Archive(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error)
	Delete(ctx context.Context, userID, id uuid.UUID) error
	UnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
}

// pageResponse mirrors the client page shape: one page of items plus the
// pagination meta and the authoritative unread count.
type pageResponse struct {
	Items       []*models.Notification `json:"items"`
	Page        int                    `json:"page"`
	Limit       int                    `json:"limit"`
	Total       int                    `json:"total"`
	HasNext     bool                   `json:"has_next"`
	UnreadCount int                    `json:"unread_count"`
}

// NewListNotificationsHandler returns an http.HandlerFunc for
// GET /api/v1/notifications.
func NewListNotificationsHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		filter, err := parseNotificationFilter(r, userID)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		items, total, unread, err := svc.List(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		if items == nil {
			items = []*models.Notification{}
		}

		response.JSON(w, pageResponse{
			Items:       items,
			Page:        filter.Page,
			Limit:       filter.Limit,
			Total:       total,
			HasNext:     filter.Page*filter.Limit < total,
			UnreadCount: unread,
		})
	}
}

// NewMarkReadHandler returns an http.HandlerFunc for
// POST /api/v1/notifications/{notificationID}/read. Idempotent: marking an
// already-read notification succeeds without changing read_at.
func NewMarkReadHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, id, ok := notificationParams(w, r)
		if !ok {
			return
		}

		n, err := svc.MarkRead(r.Context(), userID, id)
		if err != nil {
			notificationError(w, err)
			return
		}
		response.JSON(w, n)
	}
}

// NewMarkAllReadHandler returns an http.HandlerFunc for
// POST /api/v1/notifications/read-all.
func NewMarkAllReadHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		updated, err := svc.MarkAllRead(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]int{"updated": updated})
	}
}

// NewArchiveNotificationHandler returns an http.HandlerFunc for
// POST /api/v1/notifications/{notificationID}/archive.
func NewArchiveNotificationHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, id, ok := notificationParams(w, r)
		if !ok {
			return
		}

		n, err := svc.Archive(r.Context(), userID, id)
		if err != nil {
			notificationError(w, err)
			return
		}
		response.JSON(w, n)
	}
}

// NewDeleteNotificationHandler returns an http.HandlerFunc for
// DELETE /api/v1/notifications/{notificationID}.
func NewDeleteNotificationHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, id, ok := notificationParams(w, r)
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), userID, id); err != nil {
			notificationError(w, err)
			return
		}
		response.JSON(w, map[string]bool{"deleted": true})
	}
}

// NewUnreadCountHandler returns an http.HandlerFunc for
// GET /api/v1/notifications/unread-count.
func NewUnreadCountHandler(svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		count, err := svc.UnreadCount(r.Context(), userID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, map[string]int{"unread_count": count})
	}
}

func notificationParams(w http.ResponseWriter, r *http.Request) (userID, id uuid.UUID, ok bool) {
	userID, ok = mw.GetUserID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
		return
	}
	id, ok = parseUUIDParam(w, r, "notificationID")
	return
}

func notificationError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Notification not found", nil)
		return
	}
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}

func parseNotificationFilter(r *http.Request, userID uuid.UUID) (store.NotificationFilter, error) {
	q := r.URL.Query()
	filter := store.NotificationFilter{
		UserID:    userID,
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Page:      1,
		Limit:     20,
	}

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			return filter, errors.New("page must be a positive integer")
		}
		filter.Page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 100 {
			return filter, errors.New("limit must be between 1 and 100")
		}
		filter.Limit = limit
	}
	if v := q.Get("type"); v != "" {
		if !models.ValidNotificationType(v) {
			return filter, errors.New("unknown notification type")
		}
		filter.Type = v
	}
	if v := q.Get("priority"); v != "" {
		if !models.ValidPriority(v) {
			return filter, errors.New("unknown priority")
		}
		filter.Priority = v
	}
	if v := q.Get("is_read"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("is_read must be true or false")
		}
		filter.IsRead = &b
	}
	if v := q.Get("action_required"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("action_required must be true or false")
		}
		filter.ActionRequired = &b
	}
	if v := q.Get("include_archived"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("include_archived must be true or false")
		}
		filter.IncludeArchived = b
	}

	return filter, nil
}
