package postgres

import (
	"context"
	"errors"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/jackc/pgx/v5"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

// Create inserts a group and sets its ID.
func (r *GroupRepo) Create(ctx context.Context, g *model.Group) error {
	const q = `INSERT INTO groups (name, description) VALUES ($1, $2) RETURNING id`
	err := r.db.Pool.QueryRow(ctx, q, g.Name, nullString(g.Description)).Scan(&g.ID)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID loads a group with its members.
func (r *GroupRepo) GetByID(ctx context.Context, id int64) (*model.Group, error) {
	const q = `SELECT id, name, description FROM groups WHERE id=$1`
	var (
		g    model.Group
		desc *string
	)
	if err := r.db.Pool.QueryRow(ctx, q, id).Scan(&g.ID, &g.Name, &desc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	g.Description = derefString(desc)

	const mq = `
SELECT u.id, u.username
FROM user_groups ug JOIN users u ON u.id = ug.user_id
WHERE ug.group_id=$1
ORDER BY u.username`
	rows, err := r.db.Pool.Query(ctx, mq, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m model.GroupMember
		if err := rows.Scan(&m.ID, &m.Username); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, m)
	}
	return &g, rows.Err()
}

// List returns every group ordered by name, members included.
func (r *GroupRepo) List(ctx context.Context) ([]model.Group, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id, name, description FROM groups ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var (
		out   []model.Group
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			g    model.Group
			desc *string
		)
		if err := rows.Scan(&g.ID, &g.Name, &desc); err != nil {
			rows.Close()
			return nil, err
		}
		g.Description = derefString(desc)
		index[g.ID] = len(out)
		out = append(out, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	const mq = `
SELECT ug.group_id, u.id, u.username
FROM user_groups ug JOIN users u ON u.id = ug.user_id
ORDER BY u.username`
	mrows, err := r.db.Pool.Query(ctx, mq)
	if err != nil {
		return nil, err
	}
	defer mrows.Close()
	for mrows.Next() {
		var (
			gid int64
			m   model.GroupMember
		)
		if err := mrows.Scan(&gid, &m.ID, &m.Username); err != nil {
			return nil, err
		}
		if i, ok := index[gid]; ok {
			out[i].Members = append(out[i].Members, m)
		}
	}
	return out, mrows.Err()
}

// AddMember inserts a membership row; an existing row is left as is.
func (r *GroupRepo) AddMember(ctx context.Context, groupID, userID int64) (bool, error) {
	const q = `
INSERT INTO user_groups (user_id, group_id) VALUES ($1, $2)
ON CONFLICT (user_id, group_id) DO NOTHING`
	tag, err := r.db.Pool.Exec(ctx, q, userID, groupID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, errs.ErrNotFound
		}
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveMember deletes a membership row if present.
func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM user_groups WHERE user_id=$1 AND group_id=$2`, userID, groupID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
