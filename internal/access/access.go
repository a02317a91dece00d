// Package access decides who may read and manage documents and maintains grants.
package access

import (
	"context"
	"fmt"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository"
)

// DocumentLookup resolves document metadata by id.
type DocumentLookup interface {
	GetByID(ctx context.Context, id int64) (*model.Document, error)
}

// UserLookup resolves principals by id.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

// Engine implements the read/manage decision and idempotent grant maintenance.
// There is no owner or delegated tier: managing anything requires admin.
type Engine struct {
	grants repository.AccessRepository
	docs   DocumentLookup
	users  UserLookup
}

// New constructs an Engine.
func New(grants repository.AccessRepository, docs DocumentLookup, users UserLookup) *Engine {
	return &Engine{grants: grants, docs: docs, users: users}
}

// CanManage reports whether p may mutate documents, grants, users or groups.
func CanManage(p *model.User) bool {
	return p != nil && p.IsActive && p.IsAdmin
}

// CanRead reports whether p may read docID: admin, or a grant exists.
func (e *Engine) CanRead(ctx context.Context, p *model.User, docID int64) (bool, error) {
	if p == nil || !p.IsActive {
		return false, nil
	}
	if p.IsAdmin {
		return true, nil
	}
	return e.grants.Exists(ctx, p.ID, docID)
}

// Grant makes target able to read docID. A group target is expanded to its
// current members; later members are not covered. It returns the number of
// grant rows written, which is zero when everything was already granted.
func (e *Engine) Grant(ctx context.Context, docID int64, target model.GrantTarget) (int64, error) {
	if err := e.check(ctx, docID, target); err != nil {
		return 0, err
	}
	switch target.Kind() {
	case model.TargetUser:
		added, err := e.grants.GrantUser(ctx, docID, target.ID())
		if err != nil {
			return 0, fmt.Errorf("grant %s: %w", target, err)
		}
		if added {
			return 1, nil
		}
		return 0, nil
	default:
		n, err := e.grants.GrantGroup(ctx, docID, target.ID())
		if err != nil {
			return 0, fmt.Errorf("grant %s: %w", target, err)
		}
		return n, nil
	}
}

// Revoke removes target's grants on docID. For a group, every current member
// loses the grant, including one obtained directly. Revoking what is absent is a no-op.
func (e *Engine) Revoke(ctx context.Context, docID int64, target model.GrantTarget) (int64, error) {
	if err := e.check(ctx, docID, target); err != nil {
		return 0, err
	}
	switch target.Kind() {
	case model.TargetUser:
		removed, err := e.grants.RevokeUser(ctx, docID, target.ID())
		if err != nil {
			return 0, fmt.Errorf("revoke %s: %w", target, err)
		}
		if removed {
			return 1, nil
		}
		return 0, nil
	default:
		n, err := e.grants.RevokeGroup(ctx, docID, target.ID())
		if err != nil {
			return 0, fmt.Errorf("revoke %s: %w", target, err)
		}
		return n, nil
	}
}

// check validates the target and resolves the document and, for users, the principal.
// Group existence is checked by the repository inside the expansion transaction.
func (e *Engine) check(ctx context.Context, docID int64, target model.GrantTarget) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if _, err := e.docs.GetByID(ctx, docID); err != nil {
		return err
	}
	if target.Kind() == model.TargetUser {
		if _, err := e.users.GetByID(ctx, target.ID()); err != nil {
			return err
		}
	}
	return nil
}

// ErrNotReadable is returned by Authorize when the principal lacks read access.
var ErrNotReadable = fmt.Errorf("%w: document not readable", errs.ErrForbidden)

// Authorize loads docID and returns it if p may read it.
// A missing document is ErrNotFound; a denied read is ErrForbidden.
func (e *Engine) Authorize(ctx context.Context, p *model.User, docID int64) (*model.Document, error) {
	doc, err := e.docs.GetByID(ctx, docID)
	if err != nil {
		return nil, err
	}
	ok, err := e.CanRead(ctx, p, docID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotReadable
	}
	return doc, nil
}
