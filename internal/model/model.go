// Package model defines domain entities used by services and repositories.
package model

import (
	"time"
)

// Tokens collects issued access/refresh tokens.
type Tokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string // delivered only through a confidential channel (HttpOnly cookie)
	RefreshExpiresAt time.Time
}

// User represents a principal. The password hash is an encoded argon2id string.
type User struct {
	ID               int64
	Username         string // unique
	PwdHash          string
	IsActive         bool
	IsAdmin          bool
	TwoFactorEnabled bool
	OTPSecret        string // empty when no enrollment is pending or active
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Group is a named set of users used to expand access grants.
type Group struct {
	ID          int64
	Name        string // unique
	Description string
	Members     []GroupMember
}

// GroupMember is a lightweight view of a user inside a group listing.
type GroupMember struct {
	ID       int64
	Username string
}

// Watermark holds per-document watermark preferences. The core passes it through untouched.
type Watermark struct {
	Enabled  bool
	Text     string
	FontSize int
	Opacity  float64
}

// DefaultWatermark mirrors the defaults applied at upload.
func DefaultWatermark() Watermark {
	return Watermark{Enabled: true, FontSize: 40, Opacity: 0.3}
}

// Document is an opaque downloadable resource.
type Document struct {
	ID         int64
	Filename   string
	StorageKey string // blob store key, never a filesystem path
	Watermark  Watermark
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WatermarkPatch carries a partial metadata update; nil fields are left unchanged.
type WatermarkPatch struct {
	Enabled  *bool
	Text     *string
	FontSize *int
	Opacity  *float64
}

// Apply returns w with the non-nil fields of p applied.
func (p WatermarkPatch) Apply(w Watermark) Watermark {
	if p.Enabled != nil {
		w.Enabled = *p.Enabled
	}
	if p.Text != nil {
		w.Text = *p.Text
	}
	if p.FontSize != nil {
		w.FontSize = *p.FontSize
	}
	if p.Opacity != nil {
		w.Opacity = *p.Opacity
	}
	return w
}

// AccessGrant authorizes one user to read one document.
type AccessGrant struct {
	UserID     int64
	DocumentID int64
}

// RefreshToken is a registry record backing a refresh JWT.
type RefreshToken struct {
	JTI       string
	UserID    int64
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// LiveAt reports whether the record may still mint access tokens at t.
// Expiry is computed here and never persisted as a state.
func (rt RefreshToken) LiveAt(t time.Time) bool {
	return !rt.Revoked && t.Before(rt.ExpiresAt)
}

// Session is a refresh record as shown to its owner, with liveness evaluated
// against the service clock.
type Session struct {
	RefreshToken
	Live bool
}

// AuditRecord is an immutable audit trail entry.
type AuditRecord struct {
	ID         int64
	ActorID    *int64 // nil for system actions or deleted actors
	Actor      string // actor username when still present
	Action     string
	ObjectType string
	ObjectID   string
	Detail     string
	CreatedAt  time.Time
}

// DownloadLog records one authorized download.
type DownloadLog struct {
	ID         int64
	UserID     int64
	Username   string
	DocumentID int64
	Filename   string
	ClientIP   string
	CreatedAt  time.Time
}

// DownloadFilter narrows a download log listing. Zero values disable a filter.
type DownloadFilter struct {
	UserID     int64
	DocumentID int64
	Username   string
	From       time.Time
	To         time.Time
}

// Page is a 1-based pagination request.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps the page into sane bounds.
func (p Page) Normalize(defaultSize, maxSize int) Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = defaultSize
	}
	if p.Size > maxSize {
		p.Size = maxSize
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }
