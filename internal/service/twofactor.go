package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/securehub/internal/audit"
	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository"
	"github.com/and161185/securehub/internal/totp"
)

// TwoFactorService manages a principal's own TOTP enrollment.
type TwoFactorService interface {
	// Start stores a fresh pending secret and returns it with its provisioning URI.
	Start(ctx context.Context, p *model.User) (totp.Enrollment, error)
	// Confirm enables 2FA when code matches the pending secret.
	Confirm(ctx context.Context, p *model.User, code string) error
	// Disable turns 2FA off when code matches the active secret.
	Disable(ctx context.Context, p *model.User, code string) error
}

type TwoFactorServiceImpl struct {
	users repository.UserRepository
	otp   *totp.Manager
	audit audit.Recorder
	now   func() time.Time
}

// NewTwoFactorService constructs TwoFactorService. rec may be nil.
func NewTwoFactorService(users repository.UserRepository, otp *totp.Manager, rec audit.Recorder, now func() time.Time) *TwoFactorServiceImpl {
	if rec == nil {
		rec = nopRecorder{}
	}
	if now == nil {
		now = time.Now
	}
	return &TwoFactorServiceImpl{users: users, otp: otp, audit: rec, now: now}
}

// current reloads p so decisions never rest on a stale principal.
func (s *TwoFactorServiceImpl) current(ctx context.Context, p *model.User) (*model.User, error) {
	if p == nil {
		return nil, errs.ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, p.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrUnauthorized
		}
		return nil, err
	}
	return u, nil
}

// Start refuses to run while 2FA is enabled, so a hijacked session cannot swap the secret.
func (s *TwoFactorServiceImpl) Start(ctx context.Context, p *model.User) (totp.Enrollment, error) {
	u, err := s.current(ctx, p)
	if err != nil {
		return totp.Enrollment{}, err
	}
	if u.TwoFactorEnabled {
		return totp.Enrollment{}, fmt.Errorf("%w: two-factor already enabled", errs.ErrValidation)
	}
	en, err := s.otp.GenerateSecret(u.Username)
	if err != nil {
		return totp.Enrollment{}, fmt.Errorf("generate otp secret: %w", err)
	}
	if err := s.users.SetPendingOTPSecret(ctx, u.ID, en.Secret); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return totp.Enrollment{}, fmt.Errorf("%w: two-factor already enabled", errs.ErrValidation)
		}
		return totp.Enrollment{}, err
	}
	return en, nil
}

// Confirm checks code against the pending secret and enables 2FA.
func (s *TwoFactorServiceImpl) Confirm(ctx context.Context, p *model.User, code string) error {
	u, err := s.current(ctx, p)
	if err != nil {
		return err
	}
	switch {
	case u.TwoFactorEnabled:
		return fmt.Errorf("%w: two-factor already enabled", errs.ErrValidation)
	case u.OTPSecret == "":
		return fmt.Errorf("%w: two-factor not initiated", errs.ErrValidation)
	case code == "":
		return fmt.Errorf("%w: code required", errs.ErrValidation)
	}
	if !s.otp.Verify(u.OTPSecret, code) {
		return errs.ErrUnauthorized
	}
	if err := s.users.EnableTwoFactor(ctx, u.ID, u.OTPSecret); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return fmt.Errorf("%w: enrollment changed, start again", errs.ErrValidation)
		}
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID: audit.Actor(u.ID), Action: audit.ActionEnable2FA,
		ObjectType: audit.ObjectUser, ObjectID: audit.ID(u.ID), At: s.now(),
	})
	return nil
}

// Disable checks code against the active secret, then clears flag and secret.
func (s *TwoFactorServiceImpl) Disable(ctx context.Context, p *model.User, code string) error {
	u, err := s.current(ctx, p)
	if err != nil {
		return err
	}
	if !u.TwoFactorEnabled || u.OTPSecret == "" {
		return fmt.Errorf("%w: two-factor not enabled", errs.ErrValidation)
	}
	if code == "" {
		return fmt.Errorf("%w: code required", errs.ErrValidation)
	}
	if !s.otp.Verify(u.OTPSecret, code) {
		return errs.ErrUnauthorized
	}
	if err := s.users.DisableTwoFactor(ctx, u.ID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID: audit.Actor(u.ID), Action: audit.ActionDisable2FA,
		ObjectType: audit.ObjectUser, ObjectID: audit.ID(u.ID), At: s.now(),
	})
	return nil
}
