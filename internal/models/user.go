package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the subset of the account record the signaling layer needs.
type User struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	FullName  string    `db:"full_name"`
	CreatedAt time.Time `db:"created_at"`
}
