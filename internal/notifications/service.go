// Package notifications coordinates the notification store, the Redis
// unread-count cache, and the WebSocket hub. Every mutation pushes the
// matching lifecycle event plus a fresh authoritative unread count, which
// is what lets clients correct incremental counter drift.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/internal/cache"
	"github.com/rahulkhanna25/opensoc/internal/hub"
	"github.com/rahulkhanna25/opensoc/internal/store"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

const unreadCacheTTL = 5 * time.Minute

// Service owns all notification reads and writes.
type Service struct {
	store store.Store
	cache cache.Cache
	hub   hub.Broadcaster
}

// NewService creates a Service.
func NewService(st store.Store, ca cache.Cache, h hub.Broadcaster) *Service {
	return &Service{store: st, cache: ca, hub: h}
}

// Create persists a notification and pushes it to the user's sessions.
func (s *Service) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Channel == "" {
		n.Channel = "web"
	}
	if !models.ValidNotificationType(n.Type) {
		return fmt.Errorf("invalid notification type %q", n.Type)
	}
	if !models.ValidPriority(n.Priority) {
		return fmt.Errorf("invalid notification priority %q", n.Priority)
	}

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return err
	}

	s.hub.PublishNew(n.UserID, n)
	s.pushUnreadCount(ctx, n.UserID)
	return nil
}

// List returns one page plus the authoritative unread count.
func (s *Service) List(ctx context.Context, filter store.NotificationFilter) ([]*models.Notification, int, int, error) {
	items, total, err := s.store.ListNotifications(ctx, filter)
	if err != nil {
		return nil, 0, 0, err
	}
	unread, err := s.UnreadCount(ctx, filter.UserID)
	if err != nil {
		return nil, 0, 0, err
	}
	return items, total, unread, nil
}

// MarkRead marks one notification read and pushes the read event.
func (s *Service) MarkRead(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error) {
	readAt := time.Now().UTC()
	n, err := s.store.MarkNotificationRead(ctx, id, userID, readAt)
	if err != nil {
		return nil, err
	}

	s.hub.PublishRead(userID, n.ID, readAt)
	s.pushUnreadCount(ctx, userID)
	return n, nil
}

// MarkAllRead marks every unread, non-archived notification read.
func (s *Service) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	changed, err := s.store.MarkAllNotificationsRead(ctx, userID, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	s.hub.PublishBulkRead(userID)
	s.pushUnreadCount(ctx, userID)
	return changed, nil
}

// Archive removes the notification from the default view. Clients treat
// the update push as removal because archived entries are filtered out.
func (s *Service) Archive(ctx context.Context, userID, id uuid.UUID) (*models.Notification, error) {
	n, err := s.store.ArchiveNotification(ctx, id, userID)
	if err != nil {
		return nil, err
	}

	s.hub.PublishUpdated(userID, n)
	s.pushUnreadCount(ctx, userID)
	return n, nil
}

// Delete removes the notification permanently.
func (s *Service) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if err := s.store.DeleteNotification(ctx, id, userID); err != nil {
		return err
	}

	s.hub.PublishDeleted(userID, id)
	s.pushUnreadCount(ctx, userID)
	return nil
}

// UnreadCount returns the unread counter, served from cache when warm.
func (s *Service) UnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	if count, ok, err := s.cache.GetUnreadCount(ctx, userID); err == nil && ok {
		return count, nil
	}
	count, err := s.store.CountUnreadNotifications(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.SetUnreadCount(ctx, userID, count, unreadCacheTTL); err != nil {
		slog.Debug("cache unread count", "user_id", userID, "error", err)
	}
	return count, nil
}

// pushUnreadCount recomputes the counter, refreshes the cache, and pushes
// the authoritative value to connected sessions.
func (s *Service) pushUnreadCount(ctx context.Context, userID uuid.UUID) {
	_ = s.cache.InvalidateUnreadCount(ctx, userID)
	count, err := s.store.CountUnreadNotifications(ctx, userID)
	if err != nil {
		slog.Warn("recount unread notifications", "user_id", userID, "error", err)
		return
	}
	if err := s.cache.SetUnreadCount(ctx, userID, count, unreadCacheTTL); err != nil {
		slog.Debug("cache unread count", "user_id", userID, "error", err)
	}
	s.hub.PublishUnreadCount(userID, count)
}
