package identity

import (
	"context"
	"time"
)

// CreateUserInput describes a user registration request. Email and
// PasswordHash are required; the hash is produced by the caller so that the
// store never sees plaintext credentials.
type CreateUserInput struct {
	Email        string
	PasswordHash string
	DateOfBirth  *time.Time
	Roles        []Role
	Now          time.Time
}

// Store abstracts user persistence.
//
// Roles are read at access-token issuance time; the auth core never mutates
// them (role administration is a separate concern).
type Store interface {
	// CreateUser inserts a user and its initial role set atomically.
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	// GetUserByEmail loads a user (roles included) by normalized email.
	GetUserByEmail(ctx context.Context, email string) (User, error)

	// GetUserByID loads a user (roles included) by ID.
	GetUserByID(ctx context.Context, userID string) (User, error)

	// HasRole reports whether any user currently holds the given role.
	// Used for the administrator bootstrap check at registration.
	HasRole(ctx context.Context, role Role) (bool, error)

	// ReplaceRoles swaps a user's role set atomically.
	ReplaceRoles(ctx context.Context, userID string, roles []Role, now time.Time) error
}
