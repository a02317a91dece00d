package postgres

import (
	"context"

	"github.com/and161185/securehub/internal/model"
	"github.com/jackc/pgx/v5"
)

// AuditRepo implements AuditRepository using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Insert appends one record in a dedicated transaction so a failure here
// never touches the caller's own writes.
func (r *AuditRepo) Insert(ctx context.Context, rec model.AuditRecord) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
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

	const q = `
INSERT INTO audit_logs (actor_id, action, object_type, object_id, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = tx.Exec(ctx, q, rec.ActorID, rec.Action,
		nullString(rec.ObjectType), nullString(rec.ObjectID), nullString(rec.Detail), rec.CreatedAt)
	return err
}

// List pages over audit records, newest first, with the actor's current username.
func (r *AuditRepo) List(ctx context.Context, page model.Page) ([]model.AuditRecord, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}

	const q = `
SELECT a.id, a.actor_id, u.username, a.action, a.object_type, a.object_id, a.detail, a.created_at
FROM audit_logs a LEFT JOIN users u ON u.id = a.actor_id
ORDER BY a.created_at DESC, a.id DESC
LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, q, page.Size, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]model.AuditRecord, 0, page.Size)
	for rows.Next() {
		var (
			rec                         model.AuditRecord
			actor, objType, objID, text *string
		)
		if err := rows.Scan(&rec.ID, &rec.ActorID, &actor, &rec.Action, &objType, &objID, &text, &rec.CreatedAt); err != nil {
			return nil, 0, err
		}
		rec.Actor = derefString(actor)
		rec.ObjectType = derefString(objType)
		rec.ObjectID = derefString(objID)
		rec.Detail = derefString(text)
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
