package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenRepo implements RefreshTokenRepository using PostgreSQL.
type RefreshTokenRepo struct{ db *DB }

// NewRefreshTokenRepo constructs a refresh token registry.
func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

// Create inserts an active record.
func (r *RefreshTokenRepo) Create(ctx context.Context, rt model.RefreshToken) error {
	const q = `
INSERT INTO refresh_tokens (jti, user_id, issued_at, expires_at, revoked)
VALUES ($1, $2, $3, $4, false)`
	_, err := r.db.Pool.Exec(ctx, q, rt.JTI, rt.UserID, rt.IssuedAt, rt.ExpiresAt)
	switch {
	case isUniqueViolation(err):
		return errs.ErrAlreadyExists
	case isForeignKeyViolation(err):
		return errs.ErrNotFound
	}
	return err
}

// IsLive checks ownership, revocation and expiry in one query.
func (r *RefreshTokenRepo) IsLive(ctx context.Context, jti string, userID int64, now time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM refresh_tokens
  WHERE jti=$1 AND user_id=$2 AND NOT revoked AND expires_at > $3
)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, jti, userID, now).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

const refreshColumns = `jti, user_id, issued_at, expires_at, revoked`

// Get loads a record by jti.
func (r *RefreshTokenRepo) Get(ctx context.Context, jti string) (*model.RefreshToken, error) {
	var rt model.RefreshToken
	err := r.db.Pool.QueryRow(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE jti=$1`, jti).
		Scan(&rt.JTI, &rt.UserID, &rt.IssuedAt, &rt.ExpiresAt, &rt.Revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &rt, nil
}

// Revoke flips an active record to revoked. Revoking twice changes nothing.
func (r *RefreshTokenRepo) Revoke(ctx context.Context, jti string) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE refresh_tokens SET revoked=true WHERE jti=$1 AND NOT revoked`, jti)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeAllForUser revokes every active record of a user.
func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID int64) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE refresh_tokens SET revoked=true WHERE user_id=$1 AND NOT revoked`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListForUser returns all records of a user, newest first.
func (r *RefreshTokenRepo) ListForUser(ctx context.Context, userID int64) ([]model.RefreshToken, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE user_id=$1 ORDER BY issued_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.RefreshToken
	for rows.Next() {
		var rt model.RefreshToken
		if err := rows.Scan(&rt.JTI, &rt.UserID, &rt.IssuedAt, &rt.ExpiresAt, &rt.Revoked); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}
