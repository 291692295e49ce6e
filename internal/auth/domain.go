package auth

import (
	"errors"
	"time"
)

// ErrInvalidCredentials indicates login failure. Deliberately covers both
// unknown accounts and wrong passwords so responses do not leak which it was.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User represents an authenticatable account.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
