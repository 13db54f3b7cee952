package handler

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	mw "github.com/rahulkhanna25/opensoc/internal/api/middleware"
	"github.com/rahulkhanna25/opensoc/internal/api/response"
	"github.com/rahulkhanna25/opensoc/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API is bearer-token authenticated, not cookie authenticated, so
	// cross-origin upgrades carry no ambient credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewNotificationsWSHandler returns an http.HandlerFunc for
// GET /api/v1/ws/notifications. The connection is push-only: the server
// streams notification lifecycle events and an initial unread count.
func NewNotificationsWSHandler(h *hub.Hub, svc NotificationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := mw.GetUserID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		// Fetch the count before the upgrade; after it the ResponseWriter
		// is gone.
		count, countErr := svc.UnreadCount(r.Context(), userID)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the error response.
			slog.Warn("websocket upgrade failed", "user_id", userID, "error", err)
			return
		}

		h.Register(userID, conn)

		// Seed the session with the authoritative counter so clients start
		// from server truth instead of a stale local value.
		if countErr == nil {
			h.PublishUnreadCount(userID, count)
		}
	}
}
