// Package audit records consequential actions to the append-only audit store.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/reqid"
	"github.com/and161185/securehub/internal/repository"
)

// Action names written to audit_logs.action.
const (
	ActionLogin              = "login"
	ActionLogout             = "logout"
	ActionCreateUser         = "create_user"
	ActionDeleteUser         = "delete_user"
	ActionSetActive          = "set_active"
	ActionSetAdmin           = "set_admin"
	ActionEnable2FA          = "enable_2fa"
	ActionDisable2FA         = "disable_2fa"
	ActionCreateGroup        = "create_group"
	ActionAddUserToGroup     = "add_user_to_group"
	ActionRemoveUserFromGrp  = "remove_user_from_group"
	ActionUploadDocument     = "upload_document"
	ActionSetDocumentMeta    = "set_document_metadata"
	ActionDeleteDocument     = "delete_document"
	ActionGrantAccessUser    = "grant_access_user"
	ActionGrantAccessGroup   = "grant_access_group"
	ActionRevokeAccessUser   = "revoke_access_user"
	ActionRevokeAccessGroup  = "revoke_access_group"
	ActionDownloadDocument   = "download_document"
	ActionRevokeRefreshToken = "revoke_refresh_token"
)

// Object types written to audit_logs.object_type.
const (
	ObjectUser     = "user"
	ObjectGroup    = "group"
	ObjectDocument = "document"
	ObjectSession  = "refresh_token"
)

// Entry is one action to record. At is the commit time of the action; zero means now.
type Entry struct {
	ActorID    *int64
	Action     string
	ObjectType string
	ObjectID   string
	Detail     string
	At         time.Time
}

// Recorder is what services depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Trail is a Recorder that can also page over what it recorded.
type Trail interface {
	Recorder
	List(ctx context.Context, page model.Page) ([]model.AuditRecord, int, error)
}

// Logger persists entries and never reports failures to the caller.
type Logger struct {
	repo     repository.AuditRepository
	log      *zap.Logger
	failures prometheus.Counter
	now      func() time.Time
}

// New constructs a Logger. failures may be nil.
func New(repo repository.AuditRepository, log *zap.Logger, failures prometheus.Counter, now func() time.Time) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Logger{repo: repo, log: log, failures: failures, now: now}
}

// Record writes e in its own transaction. A failure is logged and counted.
func (l *Logger) Record(ctx context.Context, e Entry) {
	at := e.At
	if at.IsZero() {
		at = l.now()
	}
	rec := model.AuditRecord{
		ActorID:    e.ActorID,
		Action:     e.Action,
		ObjectType: e.ObjectType,
		ObjectID:   e.ObjectID,
		Detail:     e.Detail,
		CreatedAt:  at.UTC(),
	}
	if err := l.repo.Insert(ctx, rec); err != nil {
		if l.failures != nil {
			l.failures.Inc()
		}
		fields := []zap.Field{
			zap.String("action", e.Action),
			zap.String("object_type", e.ObjectType),
			zap.String("object_id", e.ObjectID),
			zap.Error(err),
		}
		if e.ActorID != nil {
			fields = append(fields, zap.Int64("actor_id", *e.ActorID))
		}
		if id := reqid.From(ctx); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
		l.log.Error("audit write failed", fields...)
	}
}

// List returns one page of records, newest first.
func (l *Logger) List(ctx context.Context, page model.Page) ([]model.AuditRecord, int, error) {
	return l.repo.List(ctx, page)
}

// Actor returns a pointer suitable for Entry.ActorID.
func Actor(id int64) *int64 { return &id }

// ID renders an entity id for Entry.ObjectID.
func ID(id int64) string { return strconv.FormatInt(id, 10) }
