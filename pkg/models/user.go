package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a SOC analyst account. Notifications and analysis jobs
// belong to a user; API keys authenticate as one.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Username  string    `db:"username"   json:"username"`
	Email     string    `db:"email"      json:"email"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
