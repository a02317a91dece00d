package postgres

import (
	"context"
	"errors"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/jackc/pgx/v5"
)

const documentColumns = `d.id, d.filename, d.storage_key, d.watermark_enabled, d.watermark_text, d.watermark_font_size, d.watermark_opacity, d.created_at, d.updated_at`

// DocumentRepo implements DocumentRepository using PostgreSQL.
type DocumentRepo struct{ db *DB }

// NewDocumentRepo constructs a document repository.
func NewDocumentRepo(db *DB) *DocumentRepo { return &DocumentRepo{db: db} }

// Create inserts document metadata.
func (r *DocumentRepo) Create(ctx context.Context, d *model.Document) error {
	const q = `
INSERT INTO documents (filename, storage_key, watermark_enabled, watermark_text, watermark_font_size, watermark_opacity)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, updated_at`
	w := d.Watermark
	err := r.db.Pool.QueryRow(ctx, q, d.Filename, d.StorageKey, w.Enabled, w.Text, w.FontSize, w.Opacity).
		Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func scanDocument(row pgx.Row) (*model.Document, error) {
	var d model.Document
	w := &d.Watermark
	if err := row.Scan(&d.ID, &d.Filename, &d.StorageKey, &w.Enabled, &w.Text, &w.FontSize, &w.Opacity,
		&d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// GetByID loads a document.
func (r *DocumentRepo) GetByID(ctx context.Context, id int64) (*model.Document, error) {
	const q = `SELECT ` + documentColumns + ` FROM documents d WHERE d.id=$1`
	return scanDocument(r.db.Pool.QueryRow(ctx, q, id))
}

// List pages over all documents, newest first.
func (r *DocumentRepo) List(ctx context.Context, page model.Page) ([]model.Document, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, err
	}
	const q = `SELECT ` + documentColumns + ` FROM documents d ORDER BY d.id DESC LIMIT $1 OFFSET $2`
	docs, err := r.query(ctx, page.Size, q, page.Size, page.Offset())
	return docs, total, err
}

// ListReadable pages over documents granted to userID, newest first.
func (r *DocumentRepo) ListReadable(ctx context.Context, userID int64, page model.Page) ([]model.Document, int, error) {
	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM document_access WHERE user_id=$1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	const q = `
SELECT ` + documentColumns + `
FROM documents d JOIN document_access a ON a.document_id = d.id
WHERE a.user_id=$1
ORDER BY d.id DESC LIMIT $2 OFFSET $3`
	docs, err := r.query(ctx, page.Size, q, userID, page.Size, page.Offset())
	return docs, total, err
}

func (r *DocumentRepo) query(ctx context.Context, capHint int, q string, args ...any) ([]model.Document, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Document, 0, capHint)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateWatermark replaces the watermark settings of a document.
func (r *DocumentRepo) UpdateWatermark(ctx context.Context, id int64, w model.Watermark) error {
	const q = `
UPDATE documents
SET watermark_enabled=$2, watermark_text=$3, watermark_font_size=$4, watermark_opacity=$5, updated_at=now()
WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, w.Enabled, w.Text, w.FontSize, w.Opacity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes a document row.
func (r *DocumentRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}
