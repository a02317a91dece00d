// Package totp issues and verifies RFC 6238 time-based one-time codes for the second factor.
package totp

import (
	"encoding/base32"
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// DefaultIssuer is shown by authenticator apps next to the account name.
	DefaultIssuer = "SecureHub"

	period     = 30
	skew       = 1 // one step either side absorbs clock drift
	secretSize = 20
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Enrollment is the material handed to the user to set up an authenticator.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
}

// Manager generates secrets and verifies codes. The zero value is not usable; use New.
type Manager struct {
	issuer string
	now    func() time.Time
}

// New builds a Manager. An empty issuer falls back to DefaultIssuer, a nil clock to time.Now.
func New(issuer string, now func() time.Time) *Manager {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{issuer: issuer, now: now}
}

// GenerateSecret creates a fresh high-entropy secret for account.
func (m *Manager) GenerateSecret(account string) (Enrollment, error) {
	if strings.TrimSpace(account) == "" {
		return Enrollment{}, errors.New("totp: account label is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      period,
		SecretSize:  secretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, err
	}
	return Enrollment{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// ProvisioningURI renders the otpauth:// URI for an existing secret.
func (m *Manager) ProvisioningURI(secret, account string) (string, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(secret))
	if err != nil {
		return "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      period,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// Verify checks code against secret at the manager's current time.
func (m *Manager) Verify(secret, code string) bool {
	return m.VerifyAt(secret, code, m.now())
}

// VerifyAt checks code against secret at t with a ±1 step window.
func (m *Manager) VerifyAt(secret, code string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.UTC(), validateOpts())
	return err == nil && ok
}

// CodeAt returns the code for secret at t. Used by the bootstrap CLI and tests.
func (m *Manager) CodeAt(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t.UTC(), validateOpts())
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
