package postgres

import (
	"context"
	"errors"

	"github.com/and161185/securehub/internal/errs"
	"github.com/jackc/pgx/v5"
)

// AccessRepo implements AccessRepository using PostgreSQL.
// Grants are rows of document_access with a unique (user_id, document_id) pair.
type AccessRepo struct{ db *DB }

// NewAccessRepo constructs an access repository.
func NewAccessRepo(db *DB) *AccessRepo { return &AccessRepo{db: db} }

// Exists reports whether a grant row exists.
func (r *AccessRepo) Exists(ctx context.Context, userID, docID int64) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM document_access WHERE user_id=$1 AND document_id=$2)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, userID, docID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GrantUser inserts a grant; a duplicate is silently ignored.
func (r *AccessRepo) GrantUser(ctx context.Context, docID, userID int64) (bool, error) {
	const q = `
INSERT INTO document_access (user_id, document_id) VALUES ($1, $2)
ON CONFLICT (user_id, document_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, userID, docID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, errs.ErrNotFound
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RevokeUser deletes a grant if present.
func (r *AccessRepo) RevokeUser(ctx context.Context, docID, userID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM document_access WHERE user_id=$1 AND document_id=$2`, userID, docID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// GrantGroup expands the group's current membership into grants in one statement.
// Members who join later receive nothing.
func (r *AccessRepo) GrantGroup(ctx context.Context, docID, groupID int64) (int64, error) {
	const q = `
INSERT INTO document_access (user_id, document_id)
SELECT user_id, $2 FROM user_groups WHERE group_id=$1
ON CONFLICT (user_id, document_id) DO NOTHING`
	n, err := r.expandGroup(ctx, groupID, q, docID)
	if isForeignKeyViolation(err) {
		return 0, errs.ErrNotFound
	}
	return n, err
}

// RevokeGroup removes grants of the group's current members in one statement.
// A grant obtained directly by a member is removed as well.
func (r *AccessRepo) RevokeGroup(ctx context.Context, docID, groupID int64) (int64, error) {
	const q = `
DELETE FROM document_access
WHERE document_id=$2 AND user_id IN (SELECT user_id FROM user_groups WHERE group_id=$1)`
	return r.expandGroup(ctx, groupID, q, docID)
}

// expandGroup runs stmt against the group's membership. The FOR SHARE lock keeps the
// group from being deleted until commit; the single statement reads one consistent
// membership snapshot.
func (r *AccessRepo) expandGroup(ctx context.Context, groupID int64, stmt string, docID int64) (n int64, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	var one int
	if err = tx.QueryRow(ctx, `SELECT 1 FROM groups WHERE id=$1 FOR SHARE`, groupID).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errs.ErrNotFound
		}
		return 0, err
	}
	tag, err := tx.Exec(ctx, stmt, groupID, docID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
