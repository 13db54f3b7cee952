// Package notify delivers server-pushed notification lifecycle events over
// a persistent WebSocket connection and reconciles them into an in-memory,
// paginated notification list. Delivery is at-least-once; every event
// application is idempotent.
package notify

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names on the wire. Events for the same notification id arrive in
// server emission order; no ordering holds across different ids.
const (
	EventNew         = "notification:new"
	EventUpdated     = "notification:updated"
	EventDeleted     = "notification:deleted"
	EventRead        = "notification:read"
	EventBulkRead    = "notification:bulk_read"
	EventUnreadCount = "notification:unread_count"
)

// Envelope frames every message on the notification channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ReadEvent reports a single notification marked read server-side.
type ReadEvent struct {
	ID     uuid.UUID `json:"id"`
	ReadAt time.Time `json:"read_at"`
}

// DeletedEvent reports a notification removed server-side.
type DeletedEvent struct {
	ID uuid.UUID `json:"id"`
}

// UnreadCountEvent carries the authoritative unread counter. It is the
// correction mechanism for drift accumulated by incremental updates.
type UnreadCountEvent struct {
	UnreadCount int `json:"unread_count"`
}
