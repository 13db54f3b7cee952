package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationTypeAlert    = "alert"
	NotificationTypeIncident = "incident"
	NotificationTypeSystem   = "system"
	NotificationTypeSecurity = "security"
	NotificationTypeInfo     = "info"
)

const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Notification is a single user-facing SOC notification. IsRead only ever
// goes false -> true; archived notifications are excluded from default views.
type Notification struct {
	ID             uuid.UUID  `db:"id"              json:"id"`
	UserID         uuid.UUID  `db:"user_id"         json:"user_id"`
	Title          string     `db:"title"           json:"title"`
	Message        string     `db:"message"         json:"message"`
	Type           string     `db:"type"            json:"type"`
	Priority       string     `db:"priority"        json:"priority"`
	IsRead         bool       `db:"is_read"         json:"is_read"`
	ReadAt         *time.Time `db:"read_at"         json:"read_at,omitempty"`
	ArchivedAt     *time.Time `db:"archived_at"     json:"archived_at,omitempty"`
	ActionRequired bool       `db:"action_required" json:"action_required"`
	RelatedType    *string    `db:"related_type"    json:"related_type,omitempty"`
	RelatedID      *uuid.UUID `db:"related_id"      json:"related_id,omitempty"`
	Channel        string     `db:"channel"         json:"channel"`
	CreatedAt      time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"      json:"updated_at"`
}

// ValidNotificationType reports whether t is one of the known type tags.
func ValidNotificationType(t string) bool {
	switch t {
	case NotificationTypeAlert, NotificationTypeIncident, NotificationTypeSystem,
		NotificationTypeSecurity, NotificationTypeInfo:
		return true
	}
	return false
}

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}
