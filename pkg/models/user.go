package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns jobs and API keys. Account management lives in the platform's
// identity service; the scheduler only needs the owning id for scoping.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
