// Package token mints and verifies the HS256 access and refresh JWTs.
//
// Access tokens are stateless: a valid signature and an unexpired exp are enough.
// Refresh tokens carry a jti that must additionally be live in the refresh registry;
// that lookup belongs to the caller, this package never does I/O.
package token

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/securehub/internal/errs"
)

const (
	// KindRefresh is the typ claim carried by refresh tokens.
	KindRefresh = "refresh"

	// DefaultAccessTTL matches the historical 24h access lifetime.
	DefaultAccessTTL = 24 * time.Hour
	// DefaultRefreshTTL is the default refresh lifetime.
	DefaultRefreshTTL = 7 * 24 * time.Hour
	// DefaultIssuer is placed in the iss claim.
	DefaultIssuer = "securehub"
)

// Config is the explicit token configuration; nothing is read from the environment here.
type Config struct {
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
	Leeway     time.Duration
}

// Claims are the JWT claims used by both token kinds. Kind is empty for access tokens.
type Claims struct {
	Kind string `json:"typ,omitempty"`
	jwt.RegisteredClaims
}

// Refresh describes a freshly minted refresh token and the data the registry must persist.
type Refresh struct {
	Token     string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager issues and validates tokens.
type Manager struct {
	cfg Config
	now func() time.Time
}

// New validates cfg and returns a Manager. A nil clock defaults to time.Now.
func New(cfg Config, now func() time.Time) (*Manager, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("token: signing key is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, now: now}, nil
}

// RefreshTTL exposes the refresh lifetime for cookie max-age.
func (m *Manager) RefreshTTL() time.Duration { return m.cfg.RefreshTTL }

// IssueAccess creates a signed access token for username.
func (m *Manager) IssueAccess(username string) (string, time.Time, error) {
	if strings.TrimSpace(username) == "" {
		return "", time.Time{}, errors.New("token: subject is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.cfg.AccessTTL)
	signed, err := m.sign(Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}})
	return signed, exp, err
}

// IssueRefresh creates a signed refresh token with a new random jti.
func (m *Manager) IssueRefresh(username string) (Refresh, error) {
	if strings.TrimSpace(username) == "" {
		return Refresh{}, errors.New("token: subject is required")
	}
	id, err := uuid.NewV4()
	if err != nil {
		return Refresh{}, err
	}
	jti := hex.EncodeToString(id.Bytes())
	now := m.now().UTC()
	exp := now.Add(m.cfg.RefreshTTL)
	signed, err := m.sign(Claims{Kind: KindRefresh, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   username,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}})
	if err != nil {
		return Refresh{}, err
	}
	return Refresh{Token: signed, JTI: jti, IssuedAt: now, ExpiresAt: exp}, nil
}

// ParseAccess validates an access token. Refresh tokens are rejected.
func (m *Manager) ParseAccess(raw string) (*Claims, error) {
	c, err := m.parse(raw, true)
	if err != nil {
		return nil, err
	}
	if c.Kind != "" {
		return nil, errs.ErrUnauthorized
	}
	return c, nil
}

// ParseRefresh validates a refresh token's signature, expiry, kind and jti.
func (m *Manager) ParseRefresh(raw string) (*Claims, error) {
	c, err := m.parse(raw, true)
	if err != nil {
		return nil, err
	}
	if c.Kind != KindRefresh || c.ID == "" {
		return nil, errs.ErrUnauthorized
	}
	return c, nil
}

// RefreshJTI extracts the jti of a correctly signed refresh token even if it has expired.
// Logout uses it so that revocation does not depend on the clock.
func (m *Manager) RefreshJTI(raw string) (string, error) {
	c, err := m.parse(raw, false)
	if err != nil {
		return "", err
	}
	if c.Kind != KindRefresh || c.ID == "" {
		return "", errs.ErrUnauthorized
	}
	return c.ID, nil
}

func (m *Manager) sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.cfg.SigningKey)
}

// parse collapses every failure into errs.ErrUnauthorized.
func (m *Manager) parse(raw string, validate bool) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if validate {
		opts = append(opts,
			jwt.WithTimeFunc(m.now),
			jwt.WithLeeway(m.cfg.Leeway),
			jwt.WithIssuer(m.cfg.Issuer),
			jwt.WithExpirationRequired(),
		)
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return m.cfg.SigningKey, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, errs.ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errs.ErrUnauthorized
	}
	if !validate && claims.Issuer != m.cfg.Issuer {
		return nil, errs.ErrUnauthorized
	}
	return &claims, nil
}
