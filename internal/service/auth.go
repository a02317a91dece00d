// Package service contains application services for sessions, enrollment,
// directory administration and documents.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	pkgcrypto "github.com/and161185/securehub/internal/crypto"
	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/limiter"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository"
	"github.com/and161185/securehub/internal/token"
	"github.com/and161185/securehub/internal/totp"
)

// AuthService defines the session lifecycle.
type AuthService interface {
	// Login checks credentials, the second factor when enabled, and issues a token pair.
	Login(ctx context.Context, in LoginInput) (model.Tokens, *model.User, error)
	// Refresh mints a new access token from a live refresh token.
	Refresh(ctx context.Context, refreshToken string) (accessToken string, expiresAt time.Time, err error)
	// Logout revokes the presented refresh token if it is known. It never fails.
	Logout(ctx context.Context, refreshToken string)
	// Authenticate resolves an access token to an active principal.
	Authenticate(ctx context.Context, accessToken string) (*model.User, error)
	// ListSessions returns the principal's refresh sessions and whether each is live.
	ListSessions(ctx context.Context, p *model.User) ([]model.Session, error)
	// RevokeSession lets an admin revoke any refresh session by jti.
	RevokeSession(ctx context.Context, admin *model.User, jti string) error
}

// LoginInput carries one login attempt. ClientIP keys the throttle and is never stored raw.
type LoginInput struct {
	Username string
	Password string
	OTPCode  string
	ClientIP string
}

// AuthDeps are the collaborators of AuthServiceImpl. Limiter, Audit, Logins and Log are optional.
type AuthDeps struct {
	Users   repository.UserRepository
	Refresh repository.RefreshTokenRepository
	Tokens  *token.Manager
	TOTP    *totp.Manager
	Limiter limiter.Limiter
	Audit   audit.Recorder
	Logins  *prometheus.CounterVec
	Log     *zap.Logger
	Now     func() time.Time
}

type AuthServiceImpl struct {
	users   repository.UserRepository
	refresh repository.RefreshTokenRepository
	tokens  *token.Manager
	otp     *totp.Manager
	lim     limiter.Limiter
	audit   audit.Recorder
	logins  *prometheus.CounterVec
	log     *zap.Logger
	now     func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(d AuthDeps) *AuthServiceImpl {
	s := &AuthServiceImpl{
		users: d.Users, refresh: d.Refresh, tokens: d.Tokens, otp: d.TOTP,
		lim: d.Limiter, audit: d.Audit, logins: d.Logins, log: d.Log, now: d.Now,
	}
	if s.lim == nil {
		s.lim = limiter.Nop{}
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

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, audit.Entry) {}

func (nopRecorder) List(context.Context, model.Page) ([]model.AuditRecord, int, error) {
	return nil, 0, nil
}

func (s *AuthServiceImpl) outcome(o string) {
	if s.logins != nil {
		s.logins.WithLabelValues(o).Inc()
	}
}

// Login runs: throttle check, password, active flag, second factor, issuance.
// Unknown user, wrong password, inactive user and a bad code all return ErrUnauthorized.
func (s *AuthServiceImpl) Login(ctx context.Context, in LoginInput) (model.Tokens, *model.User, error) {
	ipHash := limiter.HashIP(in.ClientIP)

	allowed, _, err := s.lim.Allow(ctx, in.Username, ipHash)
	if err != nil {
		s.outcome("error")
		return model.Tokens{}, nil, fmt.Errorf("login limiter: %w", err)
	}
	if !allowed {
		s.outcome("rate_limited")
		return model.Tokens{}, nil, errs.ErrRateLimited
	}

	// reject records a failed attempt; reaching the threshold turns it into ErrRateLimited.
	reject := func(reason string) (model.Tokens, *model.User, error) {
		s.log.Info("login rejected", zap.String("username", in.Username), zap.String("reason", reason))
		if blocked, _, ferr := s.lim.Failure(ctx, in.Username, ipHash); ferr != nil {
			s.log.Warn("login limiter failure not recorded", zap.Error(ferr))
		} else if blocked {
			s.outcome("rate_limited")
			return model.Tokens{}, nil, errs.ErrRateLimited
		}
		s.outcome("rejected")
		return model.Tokens{}, nil, errs.ErrUnauthorized
	}

	u, err := s.users.GetByUsername(ctx, in.Username)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		pkgcrypto.VerifyDummy(in.Password)
		return reject("unknown user")
	case err != nil:
		s.outcome("error")
		return model.Tokens{}, nil, fmt.Errorf("%w: load user", errs.ErrPersistence)
	}
	if !pkgcrypto.VerifyPassword(in.Password, u.PwdHash) {
		return reject("bad password")
	}
	if !u.IsActive {
		return reject("inactive")
	}
	if u.TwoFactorEnabled {
		if in.OTPCode == "" {
			s.outcome("second_factor_required")
			return model.Tokens{}, nil, errs.ErrSecondFactorRequired
		}
		if !s.otp.Verify(u.OTPSecret, in.OTPCode) {
			return reject("bad otp")
		}
	}

	if err := s.lim.Success(ctx, in.Username, ipHash); err != nil {
		s.log.Warn("login limiter reset failed", zap.Error(err))
	}

	tokens, err := s.issue(ctx, u)
	if err != nil {
		s.outcome("error")
		return model.Tokens{}, nil, err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID: audit.Actor(u.ID), Action: audit.ActionLogin,
		ObjectType: audit.ObjectUser, ObjectID: audit.ID(u.ID), At: s.now(),
	})
	s.outcome("ok")
	return tokens, u, nil
}

// issue mints both tokens and persists the refresh record before returning them.
func (s *AuthServiceImpl) issue(ctx context.Context, u *model.User) (model.Tokens, error) {
	at, accessExp, err := s.tokens.IssueAccess(u.Username)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	rt, err := s.tokens.IssueRefresh(u.Username)
	if err != nil {
		return model.Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	rec := model.RefreshToken{JTI: rt.JTI, UserID: u.ID, IssuedAt: rt.IssuedAt, ExpiresAt: rt.ExpiresAt}
	if err := s.refresh.Create(ctx, rec); err != nil {
		s.log.Error("refresh token not persisted", zap.Int64("user_id", u.ID), zap.Error(err))
		return model.Tokens{}, fmt.Errorf("%w: refresh token not persisted", errs.ErrPersistence)
	}
	return model.Tokens{
		AccessToken:      at,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rt.Token,
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// Refresh returns a new access token. Every failure is ErrUnauthorized.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (string, time.Time, error) {
	claims, err := s.tokens.ParseRefresh(refreshToken)
	if err != nil {
		return "", time.Time{}, errs.ErrUnauthorized
	}
	u, err := s.users.GetByUsername(ctx, claims.Subject)
	if err != nil || !u.IsActive {
		return "", time.Time{}, errs.ErrUnauthorized
	}
	live, err := s.refresh.IsLive(ctx, claims.ID, u.ID, s.now())
	if err != nil {
		s.log.Warn("refresh liveness check failed", zap.Error(err))
		return "", time.Time{}, errs.ErrUnauthorized
	}
	if !live {
		return "", time.Time{}, errs.ErrUnauthorized
	}
	at, exp, err := s.tokens.IssueAccess(u.Username)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("issue access token: %w", err)
	}
	return at, exp, nil
}

// Logout revokes by jti. Expired but authentic tokens are still revoked.
func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	jti, err := s.tokens.RefreshJTI(refreshToken)
	if err != nil {
		return
	}
	rt, err := s.refresh.Get(ctx, jti)
	if err != nil {
		return
	}
	changed, err := s.refresh.Revoke(ctx, jti)
	if err != nil {
		s.log.Warn("logout revoke failed", zap.String("jti", jti), zap.Error(err))
		return
	}
	if changed {
		s.audit.Record(ctx, audit.Entry{
			ActorID: audit.Actor(rt.UserID), Action: audit.ActionLogout,
			ObjectType: audit.ObjectSession, ObjectID: jti, At: s.now(),
		})
	}
}

// Authenticate validates the access token and reloads the principal.
func (s *AuthServiceImpl) Authenticate(ctx context.Context, accessToken string) (*model.User, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, errs.ErrUnauthorized
	}
	u, err := s.users.GetByUsername(ctx, claims.Subject)
	if err != nil || !u.IsActive {
		return nil, errs.ErrUnauthorized
	}
	return u, nil
}

// ListSessions returns the caller's own refresh sessions.
func (s *AuthServiceImpl) ListSessions(ctx context.Context, p *model.User) ([]model.Session, error) {
	if p == nil {
		return nil, errs.ErrUnauthorized
	}
	list, err := s.refresh.ListForUser(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := make([]model.Session, 0, len(list))
	for _, rt := range list {
		out = append(out, model.Session{RefreshToken: rt, Live: rt.LiveAt(now)})
	}
	return out, nil
}

// RevokeSession revokes another principal's session. Access tokens already
// minted from it stay valid until they expire.
func (s *AuthServiceImpl) RevokeSession(ctx context.Context, admin *model.User, jti string) error {
	if !access.CanManage(admin) {
		return errs.ErrForbidden
	}
	if jti == "" {
		return fmt.Errorf("%w: jti required", errs.ErrValidation)
	}
	rt, err := s.refresh.Get(ctx, jti)
	if err != nil {
		return err
	}
	if _, err := s.refresh.Revoke(ctx, jti); err != nil {
		return fmt.Errorf("%w: revoke refresh token", errs.ErrPersistence)
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID: audit.Actor(admin.ID), Action: audit.ActionRevokeRefreshToken,
		ObjectType: audit.ObjectSession, ObjectID: jti, Detail: fmt.Sprintf("user:%d", rt.UserID), At: s.now(),
	})
	return nil
}
