package repository

import (
	"context"
	"time"

	"github.com/and161185/securehub/internal/model"
)

// RefreshTokenRepository is the refresh token revocation registry.
type RefreshTokenRepository interface {
	// Create persists a new active record. Every login gets its own row.
	Create(ctx context.Context, rt model.RefreshToken) error
	// IsLive reports whether jti exists, belongs to userID, is not revoked and not expired at now.
	IsLive(ctx context.Context, jti string, userID int64, now time.Time) (bool, error)
	// Get loads a record by jti.
	Get(ctx context.Context, jti string) (*model.RefreshToken, error)
	// Revoke marks jti revoked and reports whether a row changed.
	Revoke(ctx context.Context, jti string) (bool, error)
	// RevokeAllForUser revokes every active record of userID.
	RevokeAllForUser(ctx context.Context, userID int64) (int64, error)
	// ListForUser returns the user's records, newest first.
	ListForUser(ctx context.Context, userID int64) ([]model.RefreshToken, error)
}

// AuditRepository is the append-only audit store.
type AuditRepository interface {
	// Insert appends one record in its own transaction.
	Insert(ctx context.Context, rec model.AuditRecord) error
	// List returns one page, newest first, and the total.
	List(ctx context.Context, page model.Page) ([]model.AuditRecord, int, error)
}
