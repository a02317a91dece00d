package repository

import (
	"context"

	"github.com/and161185/securehub/internal/model"
)

// DocumentRepository stores document metadata.
type DocumentRepository interface {
	Create(ctx context.Context, d *model.Document) error
	GetByID(ctx context.Context, id int64) (*model.Document, error)
	// List returns one page of all documents and the total.
	List(ctx context.Context, page model.Page) ([]model.Document, int, error)
	// ListReadable returns one page of documents granted to userID and the total.
	ListReadable(ctx context.Context, userID int64, page model.Page) ([]model.Document, int, error)
	UpdateWatermark(ctx context.Context, id int64, w model.Watermark) error
	// Delete removes the document; its grants cascade.
	Delete(ctx context.Context, id int64) error
}

// AccessRepository persists access grants. All writes are idempotent.
type AccessRepository interface {
	// Exists reports whether userID may read docID through a grant.
	Exists(ctx context.Context, userID, docID int64) (bool, error)
	// GrantUser reports whether a new grant row was written.
	GrantUser(ctx context.Context, docID, userID int64) (bool, error)
	// GrantGroup materializes a grant for every current member and returns rows written.
	GrantGroup(ctx context.Context, docID, groupID int64) (int64, error)
	// RevokeUser reports whether a grant row was removed.
	RevokeUser(ctx context.Context, docID, userID int64) (bool, error)
	// RevokeGroup removes grants of every current member and returns rows removed.
	RevokeGroup(ctx context.Context, docID, groupID int64) (int64, error)
}

// DownloadLogRepository records and lists authorized downloads.
type DownloadLogRepository interface {
	Insert(ctx context.Context, l model.DownloadLog) error
	List(ctx context.Context, f model.DownloadFilter, page model.Page) ([]model.DownloadLog, int, error)
}
