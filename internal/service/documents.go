package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	"github.com/and161185/securehub/internal/blobstore"
	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository"
)

const pdfContentType = "application/pdf"

// Watermarker renders a document's watermark. fallback is used as the text
// when the document has none configured.
type Watermarker interface {
	Apply(ctx context.Context, data []byte, wm model.Watermark, fallback string) ([]byte, error)
}

// PassThrough returns documents unchanged.
type PassThrough struct{}

func (PassThrough) Apply(_ context.Context, data []byte, _ model.Watermark, _ string) ([]byte, error) {
	return data, nil
}

// UploadInput is one uploaded file. Watermark overrides the defaults.
type UploadInput struct {
	Filename    string
	ContentType string
	Data        []byte
	Watermark   model.WatermarkPatch
}

// Download is a document ready to be served.
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// DocumentService manages documents, their grants and the download trail.
type DocumentService interface {
	Upload(ctx context.Context, actor *model.User, in UploadInput) (*model.Document, error)
	List(ctx context.Context, actor *model.User, page model.Page) ([]model.Document, int, error)
	Get(ctx context.Context, actor *model.User, id int64) (*model.Document, error)
	UpdateMetadata(ctx context.Context, actor *model.User, id int64, patch model.WatermarkPatch) (*model.Document, error)
	Delete(ctx context.Context, actor *model.User, id int64) error

	Grant(ctx context.Context, actor *model.User, id int64, target model.GrantTarget) (int64, error)
	Revoke(ctx context.Context, actor *model.User, id int64, target model.GrantTarget) (int64, error)

	Download(ctx context.Context, actor *model.User, id int64, clientIP string) (*Download, error)
	ListDownloads(ctx context.Context, actor *model.User, f model.DownloadFilter, page model.Page) ([]model.DownloadLog, int, error)
	ListAudit(ctx context.Context, actor *model.User, page model.Page) ([]model.AuditRecord, int, error)
}

// DocumentDeps are the collaborators of DocumentServiceImpl. Watermarker,
// Audit, Log and Now are optional; without Audit the trail is empty.
type DocumentDeps struct {
	Documents   repository.DocumentRepository
	Downloads   repository.DownloadLogRepository
	Access      *access.Engine
	Blobs       blobstore.Store
	Watermarker Watermarker
	Audit       audit.Trail
	Log         *zap.Logger
	Now         func() time.Time
}

type DocumentServiceImpl struct {
	docs      repository.DocumentRepository
	downloads repository.DownloadLogRepository
	access    *access.Engine
	blobs     blobstore.Store
	wm        Watermarker
	audit     audit.Trail
	log       *zap.Logger
	now       func() time.Time
}

// NewDocumentService constructs DocumentService.
func NewDocumentService(d DocumentDeps) *DocumentServiceImpl {
	s := &DocumentServiceImpl{
		docs: d.Documents, downloads: d.Downloads, access: d.Access,
		blobs: d.Blobs, wm: d.Watermarker, audit: d.Audit, log: d.Log, now: d.Now,
	}
	if s.wm == nil {
		s.wm = PassThrough{}
	}
	if s.audit == nil {
		s.audit = nopRecorder{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *DocumentServiceImpl) record(ctx context.Context, actor *model.User, action string, docID int64, detail string) {
	s.audit.Record(ctx, audit.Entry{
		ActorID: audit.Actor(actor.ID), Action: action,
		ObjectType: audit.ObjectDocument, ObjectID: audit.ID(docID), Detail: detail, At: s.now(),
	})
}

func isPDF(filename, contentType string) bool {
	if strings.EqualFold(path.Ext(filename), ".pdf") {
		return true
	}
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(ct), pdfContentType)
}

// Upload stores a PDF and registers it with the default watermark settings
// patched by in.Watermark.
func (s *DocumentServiceImpl) Upload(ctx context.Context, actor *model.User, in UploadInput) (*model.Document, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(in.Filename), `\`, "/"))
	if name == "" || name == "." || name == "/" {
		return nil, fmt.Errorf("%w: filename required", errs.ErrValidation)
	}
	if !isPDF(name, in.ContentType) {
		return nil, fmt.Errorf("%w: only PDF documents are accepted", errs.ErrValidation)
	}
	if len(in.Data) == 0 {
		return nil, fmt.Errorf("%w: empty document", errs.ErrValidation)
	}
	wm := in.Watermark.Apply(model.DefaultWatermark())
	if err := validateWatermark(wm); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("storage key: %w", err)
	}
	key := id.String() + ".pdf"
	if err := s.blobs.Put(ctx, key, in.Data, pdfContentType); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	doc := &model.Document{Filename: name, StorageKey: key, Watermark: wm}
	if err := s.docs.Create(ctx, doc); err != nil {
		if derr := s.blobs.Delete(ctx, key); derr != nil {
			s.log.Warn("orphaned blob", zap.String("key", key), zap.Error(derr))
		}
		return nil, err
	}
	s.record(ctx, actor, audit.ActionUploadDocument, doc.ID, doc.Filename)
	return doc, nil
}

// List pages over documents. Admins see everything, others only what they can read.
func (s *DocumentServiceImpl) List(ctx context.Context, actor *model.User, page model.Page) ([]model.Document, int, error) {
	if actor == nil || !actor.IsActive {
		return nil, 0, errs.ErrUnauthorized
	}
	page = page.Normalize(DefaultPageSize, MaxPageSize)
	if actor.IsAdmin {
		return s.docs.List(ctx, page)
	}
	return s.docs.ListReadable(ctx, actor.ID, page)
}

// Get returns the document if actor can read it.
func (s *DocumentServiceImpl) Get(ctx context.Context, actor *model.User, id int64) (*model.Document, error) {
	return s.access.Authorize(ctx, actor, id)
}

func validateWatermark(w model.Watermark) error {
	if w.FontSize <= 0 || w.FontSize > 400 {
		return fmt.Errorf("%w: font size out of range", errs.ErrValidation)
	}
	if w.Opacity < 0 || w.Opacity > 1 {
		return fmt.Errorf("%w: opacity must be within [0, 1]", errs.ErrValidation)
	}
	return nil
}

// UpdateMetadata applies a partial watermark update.
func (s *DocumentServiceImpl) UpdateMetadata(ctx context.Context, actor *model.User, id int64, patch model.WatermarkPatch) (*model.Document, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	wm := patch.Apply(doc.Watermark)
	if err := validateWatermark(wm); err != nil {
		return nil, err
	}
	if err := s.docs.UpdateWatermark(ctx, id, wm); err != nil {
		return nil, err
	}
	doc.Watermark = wm
	s.record(ctx, actor, audit.ActionSetDocumentMeta, id,
		fmt.Sprintf("enabled=%t font_size=%d opacity=%.2f", wm.Enabled, wm.FontSize, wm.Opacity))
	return doc, nil
}

// Delete removes the document and its grants. The blob is removed best-effort.
func (s *DocumentServiceImpl) Delete(ctx context.Context, actor *model.User, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		s.log.Warn("blob not removed", zap.Int64("document_id", id), zap.String("key", doc.StorageKey), zap.Error(err))
	}
	s.record(ctx, actor, audit.ActionDeleteDocument, id, doc.Filename)
	return nil
}

// Grant gives target read access to the document.
func (s *DocumentServiceImpl) Grant(ctx context.Context, actor *model.User, id int64, target model.GrantTarget) (int64, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	n, err := s.access.Grant(ctx, id, target)
	if err != nil {
		return 0, grantErr(err)
	}
	action := audit.ActionGrantAccessUser
	if target.Kind() == model.TargetGroup {
		action = audit.ActionGrantAccessGroup
	}
	s.record(ctx, actor, action, id, target.String())
	return n, nil
}

// Revoke removes target's read access to the document.
func (s *DocumentServiceImpl) Revoke(ctx context.Context, actor *model.User, id int64, target model.GrantTarget) (int64, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	n, err := s.access.Revoke(ctx, id, target)
	if err != nil {
		return 0, grantErr(err)
	}
	action := audit.ActionRevokeAccessUser
	if target.Kind() == model.TargetGroup {
		action = audit.ActionRevokeAccessGroup
	}
	s.record(ctx, actor, action, id, target.String())
	return n, nil
}

// grantErr keeps the caller-facing sentinels and fails closed on anything else.
func grantErr(err error) error {
	for _, known := range []error{errs.ErrNotFound, errs.ErrValidation, errs.ErrForbidden} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrPersistence, err)
}

// Download checks read access, fetches the bytes, applies the watermark and
// logs the download. A download that cannot be logged is not served.
func (s *DocumentServiceImpl) Download(ctx context.Context, actor *model.User, id int64, clientIP string) (*Download, error) {
	doc, err := s.access.Authorize(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load document %d: %w", id, err)
	}
	out, err := s.wm.Apply(ctx, data, doc.Watermark, actor.Username)
	if err != nil {
		return nil, fmt.Errorf("watermark document %d: %w", id, err)
	}
	entry := model.DownloadLog{UserID: actor.ID, DocumentID: id, ClientIP: clientIP, CreatedAt: s.now().UTC()}
	if err := s.downloads.Insert(ctx, entry); err != nil {
		s.log.Error("download not logged", zap.Int64("document_id", id), zap.Int64("user_id", actor.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: download log", errs.ErrPersistence)
	}
	s.record(ctx, actor, audit.ActionDownloadDocument, id, doc.Filename)
	return &Download{Filename: doc.Filename, ContentType: pdfContentType, Data: out}, nil
}

// ListDownloads pages over the download log.
func (s *DocumentServiceImpl) ListDownloads(ctx context.Context, actor *model.User, f model.DownloadFilter, page model.Page) ([]model.DownloadLog, int, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, 0, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, 0, fmt.Errorf("%w: empty time range", errs.ErrValidation)
	}
	f.Username = strings.TrimSpace(f.Username)
	return s.downloads.List(ctx, f, page.Normalize(DefaultPageSize, MaxPageSize))
}

// ListAudit pages over the audit trail, newest first.
func (s *DocumentServiceImpl) ListAudit(ctx context.Context, actor *model.User, page model.Page) ([]model.AuditRecord, int, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, 0, err
	}
	return s.audit.List(ctx, page.Normalize(DefaultPageSize, MaxPageSize))
}
