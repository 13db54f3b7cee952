package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// MutationAPI is the server surface for user-initiated notification
// mutations. Satisfied by *client.Client.
type MutationAPI interface {
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
	MarkAllNotificationsRead(ctx context.Context) error
	ArchiveNotification(ctx context.Context, id uuid.UUID) error
	DeleteNotification(ctx context.Context, id uuid.UUID) error
}

// Reconciler keeps a bounded, paginated notification list consistent under
// two concurrent producers: explicit fetches (SetPage) and push events
// (Apply*). Both may interleave arbitrarily; every mutation is a merge over
// the previous state under one lock, never a blind overwrite.
//
// User actions apply optimistically, call the server, and restore a
// pre-mutation shadow when the call fails.
type Reconciler struct {
	api      MutationAPI
	pageSize int

	mu     sync.Mutex
	items  []*models.Notification
	unread int
	closed bool
}

// NewReconciler creates a Reconciler holding at most pageSize items.
func NewReconciler(api MutationAPI, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Reconciler{api: api, pageSize: pageSize}
}

// Bind subscribes the reconciler to every event kind on ch. The returned
// function detaches all six subscriptions.
func (r *Reconciler) Bind(ch *Channel) (unbind func()) {
	unsubs := []func(){
		ch.OnNew(r.ApplyNew),
		ch.OnUpdated(r.ApplyUpdated),
		ch.OnDeleted(func(ev DeletedEvent) { r.ApplyDeleted(ev.ID) }),
		ch.OnRead(func(ev ReadEvent) { r.ApplyRead(ev.ID, ev.ReadAt) }),
		ch.OnBulkRead(r.ApplyBulkRead),
		ch.OnUnreadCount(func(ev UnreadCountEvent) { r.ApplyUnreadCount(ev.UnreadCount) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close tears the reconciler down. All later event application and page
// replacement becomes a no-op, so a disposed view is never mutated.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Snapshot returns a copy of the current list and the unread counter.
func (r *Reconciler) Snapshot() ([]*models.Notification, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyItemsLocked(), r.unread
}

// SetPage replaces the visible window and unread counter with the result of
// an explicit fetch.
func (r *Reconciler) SetPage(items []*models.Notification, unread int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if len(items) > r.pageSize {
		items = items[:r.pageSize]
	}
	r.items = append([]*models.Notification(nil), items...)
	r.unread = unread
}

// ApplyNew prepends the notification and truncates to the page size, so the
// visible window stays bounded. The unread counter increments by one.
func (r *Reconciler) ApplyNew(n *models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, held := range r.items {
		if held.ID == n.ID {
			return // at-least-once delivery, already seen
		}
	}
	next := make([]*models.Notification, 0, len(r.items)+1)
	next = append(next, n)
	next = append(next, r.items...)
	if len(next) > r.pageSize {
		next = next[:r.pageSize]
	}
	r.items = next
	r.unread++
}

// ApplyUpdated replaces the matching entry by id. An off-page update is a
// no-op; the staleness is corrected by the next fetch.
func (r *Reconciler) ApplyUpdated(n *models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for i, held := range r.items {
		if held.ID == n.ID {
			r.items[i] = n
			return
		}
	}
}

// ApplyDeleted removes the matching entry. The unread counter is not
// adjusted here; drift is corrected by the next unread-count event.
func (r *Reconciler) ApplyDeleted(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.removeLocked(id)
}

// ApplyRead marks the matching entry read and decrements the unread
// counter, floored at zero. Re-delivery of a read event for an
// already-read entry does not decrement again.
func (r *Reconciler) ApplyRead(id uuid.UUID, readAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for i, held := range r.items {
		if held.ID == id {
			if held.IsRead {
				return
			}
			updated := *held
			updated.IsRead = true
			updated.ReadAt = &readAt
			r.items[i] = &updated
			break
		}
	}
	if r.unread > 0 {
		r.unread--
	}
}

// ApplyBulkRead marks every currently held entry read as of now and resets
// the unread counter to zero.
func (r *Reconciler) ApplyBulkRead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := time.Now().UTC()
	for i, held := range r.items {
		if held.IsRead {
			continue
		}
		updated := *held
		updated.IsRead = true
		updated.ReadAt = &now
		r.items[i] = &updated
	}
	r.unread = 0
}

// ApplyUnreadCount overwrites the counter unconditionally. This is the
// authoritative correction for drift accumulated by the incremental rules.
func (r *Reconciler) ApplyUnreadCount(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if count < 0 {
		count = 0
	}
	r.unread = count
}

// --- user-initiated actions (optimistic, with rollback) ---

// MarkRead optimistically marks the entry read, then confirms with the
// server. On failure the pre-mutation state is restored.
func (r *Reconciler) MarkRead(ctx context.Context, id uuid.UUID) error {
	shadow, unreadShadow, ok := r.beginMutation()
	if !ok {
		return nil
	}
	r.ApplyRead(id, time.Now().UTC())

	if err := r.api.MarkNotificationRead(ctx, id); err != nil {
		slog.Warn("mark read failed, rolling back", "id", id, "error", err)
		r.restore(shadow, unreadShadow)
		return err
	}
	return nil
}

// MarkAllRead optimistically marks everything read, then confirms.
func (r *Reconciler) MarkAllRead(ctx context.Context) error {
	shadow, unreadShadow, ok := r.beginMutation()
	if !ok {
		return nil
	}
	r.ApplyBulkRead()

	if err := r.api.MarkAllNotificationsRead(ctx); err != nil {
		slog.Warn("mark all read failed, rolling back", "error", err)
		r.restore(shadow, unreadShadow)
		return err
	}
	return nil
}

// Archive optimistically removes the entry from the visible list, then
// confirms. Archived notifications leave the default view.
func (r *Reconciler) Archive(ctx context.Context, id uuid.UUID) error {
	shadow, unreadShadow, ok := r.beginMutation()
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.removeLocked(id)
	r.mu.Unlock()

	if err := r.api.ArchiveNotification(ctx, id); err != nil {
		slog.Warn("archive failed, rolling back", "id", id, "error", err)
		r.restore(shadow, unreadShadow)
		return err
	}
	return nil
}

// Delete optimistically removes the entry, then confirms.
func (r *Reconciler) Delete(ctx context.Context, id uuid.UUID) error {
	shadow, unreadShadow, ok := r.beginMutation()
	if !ok {
		return nil
	}
	r.mu.Lock()
	r.removeLocked(id)
	r.mu.Unlock()

	if err := r.api.DeleteNotification(ctx, id); err != nil {
		slog.Warn("delete failed, rolling back", "id", id, "error", err)
		r.restore(shadow, unreadShadow)
		return err
	}
	return nil
}

// --- internals ---

func (r *Reconciler) beginMutation() ([]*models.Notification, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, false
	}
	return r.copyItemsLocked(), r.unread, true
}

func (r *Reconciler) restore(items []*models.Notification, unread int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.items = items
	r.unread = unread
}

func (r *Reconciler) removeLocked(id uuid.UUID) {
	for i, held := range r.items {
		if held.ID == id {
			r.items = append(r.items[:i:i], r.items[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) copyItemsLocked() []*models.Notification {
	return append([]*models.Notification(nil), r.items...)
}
