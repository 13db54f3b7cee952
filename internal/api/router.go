package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/rahulkhanna25/opensoc/internal/api/middleware"
	"github.com/rahulkhanna25/opensoc/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	PauseJobHandler  http.HandlerFunc
	ResumeJobHandler http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	ListNotificationsHandler   http.HandlerFunc
	MarkReadHandler            http.HandlerFunc
	MarkAllReadHandler         http.HandlerFunc
	ArchiveNotificationHandler http.HandlerFunc
	DeleteNotificationHandler  http.HandlerFunc
	UnreadCountHandler         http.HandlerFunc

	NotificationsWSHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/files/{fileID}/analysis", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/v1/files/{fileID}/analysis/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Post("/api/v1/files/{fileID}/analysis/{jobID}/pause", orNotImplemented(deps.PauseJobHandler))
		r.Post("/api/v1/files/{fileID}/analysis/{jobID}/resume", orNotImplemented(deps.ResumeJobHandler))
		r.Post("/api/v1/files/{fileID}/analysis/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))

		r.Get("/api/v1/notifications", orNotImplemented(deps.ListNotificationsHandler))
		r.Get("/api/v1/notifications/unread-count", orNotImplemented(deps.UnreadCountHandler))
		r.Post("/api/v1/notifications/read-all", orNotImplemented(deps.MarkAllReadHandler))
		r.Post("/api/v1/notifications/{notificationID}/read", orNotImplemented(deps.MarkReadHandler))
		r.Post("/api/v1/notifications/{notificationID}/archive", orNotImplemented(deps.ArchiveNotificationHandler))
		r.Delete("/api/v1/notifications/{notificationID}", orNotImplemented(deps.DeleteNotificationHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	// WebSocket push channel: authenticated but not rate limited, since a
	// session makes one upgrade request, not one request per event.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Get("/api/v1/ws/notifications", orNotImplemented(deps.NotificationsWSHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
