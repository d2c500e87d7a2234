package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a dashboard user. PasswordHash is never serialized.
type User struct {
	ID           uuid.UUID `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	LastLogin    time.Time `json:"last_login"`
}
