package httpserver

import (
	"time"

	"github.com/and161185/securehub/internal/model"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type userOut struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username"`
	IsActive         bool      `json:"is_active"`
	IsAdmin          bool      `json:"is_admin"`
	TwoFactorEnabled bool      `json:"two_factor_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

func toUser(u model.User) userOut {
	return userOut{
		ID: u.ID, Username: u.Username, IsActive: u.IsActive, IsAdmin: u.IsAdmin,
		TwoFactorEnabled: u.TwoFactorEnabled, CreatedAt: u.CreatedAt,
	}
}

type memberOut struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type groupOut struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Members     []memberOut `json:"members"`
}

func toGroup(g model.Group) groupOut {
	out := groupOut{ID: g.ID, Name: g.Name, Description: g.Description, Members: []memberOut{}}
	for _, m := range g.Members {
		out.Members = append(out.Members, memberOut(m))
	}
	return out
}

type documentOut struct {
	ID               int64     `json:"id"`
	Filename         string    `json:"filename"`
	WatermarkEnabled bool      `json:"watermark_enabled"`
	WatermarkText    string    `json:"watermark_text,omitempty"`
	FontSize         int       `json:"font_size"`
	Opacity          float64   `json:"opacity"`
	CreatedAt        time.Time `json:"created_at"`
}

func toDocument(d model.Document) documentOut {
	return documentOut{
		ID: d.ID, Filename: d.Filename,
		WatermarkEnabled: d.Watermark.Enabled, WatermarkText: d.Watermark.Text,
		FontSize: d.Watermark.FontSize, Opacity: d.Watermark.Opacity,
		CreatedAt: d.CreatedAt,
	}
}

// metadataIn is a partial watermark update; absent fields stay unchanged.
type metadataIn struct {
	WatermarkEnabled *bool    `json:"watermark_enabled"`
	WatermarkText    *string  `json:"watermark_text"`
	FontSize         *int     `json:"font_size"`
	Opacity          *float64 `json:"opacity"`
}

func (m metadataIn) patch() model.WatermarkPatch {
	return model.WatermarkPatch{Enabled: m.WatermarkEnabled, Text: m.WatermarkText, FontSize: m.FontSize, Opacity: m.Opacity}
}

type targetIn struct {
	UserID  *int64 `json:"user_id"`
	GroupID *int64 `json:"group_id"`
}

type sessionOut struct {
	JTI       string    `json:"jti"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	Live      bool      `json:"live"`
}

type auditOut struct {
	ID         int64     `json:"id"`
	ActorID    *int64    `json:"actor_id"`
	Actor      string    `json:"actor,omitempty"`
	Action     string    `json:"action"`
	ObjectType string    `json:"object_type,omitempty"`
	ObjectID   string    `json:"object_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type downloadOut struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	DocumentID int64     `json:"document_id"`
	Filename   string    `json:"filename"`
	ClientIP   string    `json:"client_ip,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type pageOut[T any] struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Items []T `json:"items"`
}

func newPage[S any, T any](items []S, total int, p model.Page, conv func(S) T) pageOut[T] {
	out := pageOut[T]{Total: total, Page: p.Number, Size: p.Size, Items: make([]T, 0, len(items))}
	for _, it := range items {
		out.Items = append(out.Items, conv(it))
	}
	return out
}

type okOut struct {
	OK bool `json:"ok"`
}
