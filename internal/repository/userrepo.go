// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/securehub/internal/model"
)

// UserRepository provides access to principals.
type UserRepository interface {
	// Create inserts a new user and fills its ID and timestamps.
	Create(ctx context.Context, u *model.User) error
	// GetByID loads a user by ID.
	GetByID(ctx context.Context, id int64) (*model.User, error)
	// GetByUsername loads a user by username.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// List returns one page of users whose name contains query, plus the total count.
	List(ctx context.Context, query string, page model.Page) ([]model.User, int, error)
	// SetActive flips the active flag.
	SetActive(ctx context.Context, id int64, active bool) error
	// SetAdmin flips the admin flag.
	SetAdmin(ctx context.Context, id int64, admin bool) error
	// SetPendingOTPSecret stores a secret while 2FA is still disabled.
	SetPendingOTPSecret(ctx context.Context, id int64, secret string) error
	// EnableTwoFactor enables 2FA only if the stored secret still equals secret.
	EnableTwoFactor(ctx context.Context, id int64, secret string) error
	// DisableTwoFactor clears both the flag and the secret.
	DisableTwoFactor(ctx context.Context, id int64) error
	// Delete removes the user; grants, memberships and refresh tokens cascade.
	Delete(ctx context.Context, id int64) error
}

// GroupRepository manages groups and membership.
type GroupRepository interface {
	Create(ctx context.Context, g *model.Group) error
	GetByID(ctx context.Context, id int64) (*model.Group, error)
	// List returns all groups with their current members.
	List(ctx context.Context) ([]model.Group, error)
	// AddMember reports whether a new membership row was written.
	AddMember(ctx context.Context, groupID, userID int64) (bool, error)
	// RemoveMember reports whether a membership row was removed.
	RemoveMember(ctx context.Context, groupID, userID int64) (bool, error)
}
