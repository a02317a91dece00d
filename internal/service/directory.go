package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	pkgcrypto "github.com/and161185/securehub/internal/crypto"
	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository"
)

// Page size bounds shared by every listing.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// NewUser is the admin payload for creating a principal.
type NewUser struct {
	Username string
	Password string
	IsAdmin  bool
}

// DirectoryService is the admin-only user and group administration.
type DirectoryService interface {
	CreateUser(ctx context.Context, actor *model.User, in NewUser) (*model.User, error)
	GetUser(ctx context.Context, actor *model.User, id int64) (*model.User, error)
	ListUsers(ctx context.Context, actor *model.User, query string, page model.Page) ([]model.User, int, error)
	SetActive(ctx context.Context, actor *model.User, id int64, active bool) error
	SetAdmin(ctx context.Context, actor *model.User, id int64, admin bool) error
	DeleteUser(ctx context.Context, actor *model.User, id int64) error

	CreateGroup(ctx context.Context, actor *model.User, name, description string) (*model.Group, error)
	ListGroups(ctx context.Context, actor *model.User) ([]model.Group, error)
	AddMember(ctx context.Context, actor *model.User, groupID, userID int64) error
	RemoveMember(ctx context.Context, actor *model.User, groupID, userID int64) error
}

type DirectoryServiceImpl struct {
	users   repository.UserRepository
	groups  repository.GroupRepository
	refresh repository.RefreshTokenRepository
	audit   audit.Recorder
	log     *zap.Logger
	now     func() time.Time
}

// NewDirectoryService constructs DirectoryService. rec and log may be nil.
func NewDirectoryService(
	users repository.UserRepository,
	groups repository.GroupRepository,
	refresh repository.RefreshTokenRepository,
	rec audit.Recorder,
	log *zap.Logger,
	now func() time.Time,
) *DirectoryServiceImpl {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &DirectoryServiceImpl{users: users, groups: groups, refresh: refresh, audit: rec, log: log, now: now}
}

func requireAdmin(actor *model.User) error {
	if actor == nil {
		return errs.ErrUnauthorized
	}
	if !access.CanManage(actor) {
		return errs.ErrForbidden
	}
	return nil
}

func (s *DirectoryServiceImpl) record(ctx context.Context, actor *model.User, action, objType string, objID int64, detail string) {
	e := audit.Entry{Action: action, ObjectType: objType, ObjectID: audit.ID(objID), Detail: detail, At: s.now()}
	if actor != nil {
		e.ActorID = audit.Actor(actor.ID)
	}
	s.audit.Record(ctx, e)
}

func validateUsername(name string) error {
	if name == "" || len(name) > 150 || strings.TrimSpace(name) != name {
		return fmt.Errorf("%w: invalid username", errs.ErrValidation)
	}
	return nil
}

// CreateUser creates an active principal.
func (s *DirectoryServiceImpl) CreateUser(ctx context.Context, actor *model.User, in NewUser) (*model.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.create(ctx, actor, in)
}

// Bootstrap creates an active admin without an acting principal. It backs the
// create-admin command used before any admin exists.
func (s *DirectoryServiceImpl) Bootstrap(ctx context.Context, username, password string) (*model.User, error) {
	return s.create(ctx, nil, NewUser{Username: username, Password: password, IsAdmin: true})
}

func (s *DirectoryServiceImpl) create(ctx context.Context, actor *model.User, in NewUser) (*model.User, error) {
	if err := validateUsername(in.Username); err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%w: password required", errs.ErrValidation)
	}
	hash, err := pkgcrypto.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &model.User{Username: in.Username, PwdHash: hash, IsActive: true, IsAdmin: in.IsAdmin}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.ActionCreateUser, audit.ObjectUser, u.ID, u.Username)
	return u, nil
}

// GetUser loads one principal.
func (s *DirectoryServiceImpl) GetUser(ctx context.Context, actor *model.User, id int64) (*model.User, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.users.GetByID(ctx, id)
}

// ListUsers pages over principals whose name contains query.
func (s *DirectoryServiceImpl) ListUsers(ctx context.Context, actor *model.User, query string, page model.Page) ([]model.User, int, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, 0, err
	}
	return s.users.List(ctx, strings.TrimSpace(query), page.Normalize(DefaultPageSize, MaxPageSize))
}

// SetActive enables or disables a principal. Both directions revoke every refresh
// session: disabling flips the flag first so no new session can start, enabling
// revokes first so sessions left over from a failed disable never come back.
// A failed revocation returns ErrPersistence. An admin cannot disable themselves.
func (s *DirectoryServiceImpl) SetActive(ctx context.Context, actor *model.User, id int64, active bool) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if id == actor.ID && !active {
		return fmt.Errorf("%w: cannot deactivate yourself", errs.ErrValidation)
	}
	if active {
		if err := s.revokeSessions(ctx, id); err != nil {
			return err
		}
	}
	if err := s.users.SetActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		if err := s.revokeSessions(ctx, id); err != nil {
			return err
		}
	}
	s.record(ctx, actor, audit.ActionSetActive, audit.ObjectUser, id, strconv.FormatBool(active))
	return nil
}

func (s *DirectoryServiceImpl) revokeSessions(ctx context.Context, id int64) error {
	n, err := s.refresh.RevokeAllForUser(ctx, id)
	if err != nil {
		s.log.Error("revoke sessions", zap.Int64("user_id", id), zap.Error(err))
		return fmt.Errorf("%w: revoke sessions", errs.ErrPersistence)
	}
	if n > 0 {
		s.log.Info("sessions revoked", zap.Int64("user_id", id), zap.Int64("count", n))
	}
	return nil
}

// SetAdmin promotes or demotes a principal. An admin cannot demote themselves.
func (s *DirectoryServiceImpl) SetAdmin(ctx context.Context, actor *model.User, id int64, admin bool) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if id == actor.ID && !admin {
		return fmt.Errorf("%w: cannot demote yourself", errs.ErrValidation)
	}
	if err := s.users.SetAdmin(ctx, id, admin); err != nil {
		return err
	}
	s.record(ctx, actor, audit.ActionSetAdmin, audit.ObjectUser, id, strconv.FormatBool(admin))
	return nil
}

// DeleteUser removes a principal; grants, memberships and sessions cascade.
func (s *DirectoryServiceImpl) DeleteUser(ctx context.Context, actor *model.User, id int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if id == actor.ID {
		return fmt.Errorf("%w: cannot delete yourself", errs.ErrValidation)
	}
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.users.Delete(ctx, id); err != nil {
		return err
	}
	s.record(ctx, actor, audit.ActionDeleteUser, audit.ObjectUser, id, u.Username)
	return nil
}

// CreateGroup creates an empty group.
func (s *DirectoryServiceImpl) CreateGroup(ctx context.Context, actor *model.User, name, description string) (*model.Group, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name required", errs.ErrValidation)
	}
	g := &model.Group{Name: name, Description: strings.TrimSpace(description)}
	if err := s.groups.Create(ctx, g); err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.ActionCreateGroup, audit.ObjectGroup, g.ID, g.Name)
	return g, nil
}

// ListGroups returns every group with its members.
func (s *DirectoryServiceImpl) ListGroups(ctx context.Context, actor *model.User) ([]model.Group, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return s.groups.List(ctx)
}

func (s *DirectoryServiceImpl) resolveMembership(ctx context.Context, groupID, userID int64) error {
	if groupID <= 0 || userID <= 0 {
		return fmt.Errorf("%w: group and user ids required", errs.ErrValidation)
	}
	if _, err := s.groups.GetByID(ctx, groupID); err != nil {
		return err
	}
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return err
	}
	return nil
}

// AddMember adds a user to a group. Documents already granted to the group
// are not granted to the new member.
func (s *DirectoryServiceImpl) AddMember(ctx context.Context, actor *model.User, groupID, userID int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.resolveMembership(ctx, groupID, userID); err != nil {
		return err
	}
	added, err := s.groups.AddMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if added {
		s.record(ctx, actor, audit.ActionAddUserToGroup, audit.ObjectGroup, groupID, audit.ID(userID))
	}
	return nil
}

// RemoveMember removes a user from a group. Existing grants stay.
func (s *DirectoryServiceImpl) RemoveMember(ctx context.Context, actor *model.User, groupID, userID int64) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.resolveMembership(ctx, groupID, userID); err != nil {
		return err
	}
	removed, err := s.groups.RemoveMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if removed {
		s.record(ctx, actor, audit.ActionRemoveUserFromGrp, audit.ObjectGroup, groupID, audit.ID(userID))
	}
	return nil
}
