package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/rahulkhanna25/opensoc/pkg/models"
)

// ListOptions are the query parameters for the paginated notification list.
// Zero values are omitted and fall back to server defaults.
type ListOptions struct {
	Page            int
	Limit           int
	SortBy          string
	SortOrder       string
	Search          string
	Type            string
	Priority        string
	IsRead          *bool
	ActionRequired  *bool
	IncludeArchived bool
}

// Page is one page of notifications plus the pagination meta and the
// authoritative unread count the server attributes to the user.
type Page struct {
	Items       []*models.Notification `json:"items"`
	PageNum     int                    `json:"page"`
	Limit       int                    `json:"limit"`
	Total       int                    `json:"total"`
	HasNext     bool                   `json:"has_next"`
	UnreadCount int                    `json:"unread_count"`
}

// ListNotifications fetches one page of the user's notifications.
func (c *Client) ListNotifications(ctx context.Context, opts ListOptions) (*Page, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.SortBy != "" {
		q.Set("sort_by", opts.SortBy)
	}
	if opts.SortOrder != "" {
		q.Set("sort_order", opts.SortOrder)
	}
	if opts.Search != "" {
		q.Set("search", opts.Search)
	}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Priority != "" {
		q.Set("priority", opts.Priority)
	}
	if opts.IsRead != nil {
		q.Set("is_read", strconv.FormatBool(*opts.IsRead))
	}
	if opts.ActionRequired != nil {
		q.Set("action_required", strconv.FormatBool(*opts.ActionRequired))
	}
	if opts.IncludeArchived {
		q.Set("include_archived", "true")
	}

	path := "/api/v1/notifications"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var page Page
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// MarkNotificationRead marks one notification read. Idempotent server-side.
func (c *Client) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%s/read", id), nil, nil)
}

// MarkAllNotificationsRead marks every unread notification read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, nil)
}

// ArchiveNotification removes the notification from the default view.
func (c *Client) ArchiveNotification(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%s/archive", id), nil, nil)
}

// DeleteNotification permanently deletes the notification.
func (c *Client) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/notifications/%s", id), nil, nil)
}

// UnreadCount fetches the authoritative unread counter.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}
