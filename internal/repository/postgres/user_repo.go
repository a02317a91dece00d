package postgres

import (
	"context"
	"errors"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/jackc/pgx/v5"
)

const userColumns = `id, username, password_hash, is_active, is_admin, two_factor_enabled, otp_secret, created_at, updated_at`

// UserRepo implements UserRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs a user repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

// Create inserts a new user row.
func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (username, password_hash, is_active, is_admin)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at`
	err := r.db.Pool.QueryRow(ctx, q, u.Username, u.PwdHash, u.IsActive, u.IsAdmin).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u      model.User
		secret *string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PwdHash, &u.IsActive, &u.IsAdmin,
		&u.TwoFactorEnabled, &secret, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	u.OTPSecret = derefString(secret)
	return &u, nil
}

// GetByID selects a user by ID.
func (r *UserRepo) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByUsername selects a user by username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return scanUser(r.db.Pool.QueryRow(ctx, q, username))
}

// List returns a page of users ordered by id.
func (r *UserRepo) List(ctx context.Context, query string, page model.Page) ([]model.User, int, error) {
	var f filter
	if query != "" {
		f.add(`username ILIKE ?`, likePattern(query))
	}

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM users`+f.where(), f.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	lim, args := f.limit(page.Size, page.Offset())
	rows, err := r.db.Pool.Query(ctx, `SELECT `+userColumns+` FROM users`+f.where()+` ORDER BY id`+lim, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]model.User, 0, page.Size)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *u)
	}
	return out, total, rows.Err()
}

func (r *UserRepo) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// SetActive updates the active flag.
func (r *UserRepo) SetActive(ctx context.Context, id int64, active bool) error {
	return r.execOne(ctx, `UPDATE users SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
}

// SetAdmin updates the admin flag.
func (r *UserRepo) SetAdmin(ctx context.Context, id int64, admin bool) error {
	return r.execOne(ctx, `UPDATE users SET is_admin=$2, updated_at=now() WHERE id=$1`, id, admin)
}

// SetPendingOTPSecret stores a secret for a user whose 2FA is off.
// It returns ErrNotFound when no such user exists or 2FA is already on.
func (r *UserRepo) SetPendingOTPSecret(ctx context.Context, id int64, secret string) error {
	const q = `
UPDATE users SET otp_secret=$2, updated_at=now()
WHERE id=$1 AND NOT two_factor_enabled`
	return r.execOne(ctx, q, id, secret)
}

// EnableTwoFactor turns 2FA on if the pending secret was not replaced meanwhile.
func (r *UserRepo) EnableTwoFactor(ctx context.Context, id int64, secret string) error {
	const q = `
UPDATE users SET two_factor_enabled=true, updated_at=now()
WHERE id=$1 AND otp_secret=$2 AND NOT two_factor_enabled`
	return r.execOne(ctx, q, id, secret)
}

// DisableTwoFactor turns 2FA off and forgets the secret.
func (r *UserRepo) DisableTwoFactor(ctx context.Context, id int64) error {
	const q = `
UPDATE users SET two_factor_enabled=false, otp_secret=NULL, updated_at=now()
WHERE id=$1`
	return r.execOne(ctx, q, id)
}

// Delete removes a user row.
func (r *UserRepo) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, `DELETE FROM users WHERE id=$1`, id)
}
