package postgres

import (
	"context"

	"github.com/and161185/securehub/internal/model"
)

// DownloadLogRepo implements DownloadLogRepository using PostgreSQL.
type DownloadLogRepo struct{ db *DB }

// NewDownloadLogRepo constructs a download log repository.
func NewDownloadLogRepo(db *DB) *DownloadLogRepo { return &DownloadLogRepo{db: db} }

// Insert appends a download record.
func (r *DownloadLogRepo) Insert(ctx context.Context, l model.DownloadLog) error {
	const q = `
INSERT INTO download_logs (user_id, document_id, client_ip, created_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, l.UserID, l.DocumentID, nullString(l.ClientIP), l.CreatedAt)
	return err
}

// List pages over download records matching f, newest first.
func (r *DownloadLogRepo) List(ctx context.Context, f model.DownloadFilter, page model.Page) ([]model.DownloadLog, int, error) {
	var w filter
	if f.UserID != 0 {
		w.add(`l.user_id = ?`, f.UserID)
	}
	if f.DocumentID != 0 {
		w.add(`l.document_id = ?`, f.DocumentID)
	}
	if f.Username != "" {
		w.add(`u.username ILIKE ?`, likePattern(f.Username))
	}
	if !f.From.IsZero() {
		w.add(`l.created_at >= ?`, f.From)
	}
	if !f.To.IsZero() {
		w.add(`l.created_at <= ?`, f.To)
	}

	const from = `
FROM download_logs l
JOIN users u ON u.id = l.user_id
JOIN documents d ON d.id = l.document_id`

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*)`+from+w.where(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	lim, args := w.limit(page.Size, page.Offset())
	q := `SELECT l.id, l.user_id, u.username, l.document_id, d.filename, l.client_ip, l.created_at` +
		from + w.where() + ` ORDER BY l.created_at DESC, l.id DESC` + lim
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]model.DownloadLog, 0, page.Size)
	for rows.Next() {
		var (
			l  model.DownloadLog
			ip *string
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &l.DocumentID, &l.Filename, &ip, &l.CreatedAt); err != nil {
			return nil, 0, err
		}
		l.ClientIP = derefString(ip)
		out = append(out, l)
	}
	return out, total, rows.Err()
}
