// Package memory is an in-process implementation of the repository interfaces.
// It mirrors the PostgreSQL semantics (unique keys, cascades, snapshot group
// expansion) and backs tests and database-less local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
)

type pair struct{ a, b int64 }

// Store holds every table behind one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextID    int64
	users     map[int64]model.User
	groups    map[int64]model.Group
	members   map[pair]struct{} // (user, group)
	docs      map[int64]model.Document
	grants    map[pair]struct{} // (user, document)
	refresh   map[string]model.RefreshToken
	audit     []model.AuditRecord
	downloads []model.DownloadLog

	// FailAudit makes audit inserts fail, for exercising the swallow path.
	FailAudit error
	// FailRefresh makes refresh token inserts fail.
	FailRefresh error
}

// New returns an empty store. now stamps created_at columns; nil means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		users:   map[int64]model.User{},
		groups:  map[int64]model.Group{},
		members: map[pair]struct{}{},
		docs:    map[int64]model.Document{},
		grants:  map[pair]struct{}{},
		refresh: map[string]model.RefreshToken{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func paginate[T any](all []T, page model.Page) []T {
	off := page.Offset()
	if off < 0 {
		off = 0
	}
	if off >= len(all) {
		return []T{}
	}
	end := off + page.Size
	if end > len(all) || page.Size <= 0 {
		end = len(all)
	}
	return all[off:end]
}

// Users returns the user repository view.
func (s *Store) Users() *Users { return &Users{s} }

// Groups returns the group repository view.
func (s *Store) Groups() *Groups { return &Groups{s} }

// Documents returns the document repository view.
func (s *Store) Documents() *Documents { return &Documents{s} }

// Access returns the grant repository view.
func (s *Store) Access() *Access { return &Access{s} }

// RefreshTokens returns the refresh token registry view.
func (s *Store) RefreshTokens() *RefreshTokens { return &RefreshTokens{s} }

// Audit returns the audit repository view.
func (s *Store) Audit() *Audit { return &Audit{s} }

// Downloads returns the download log repository view.
func (s *Store) Downloads() *Downloads { return &Downloads{s} }

// Users implements repository.UserRepository.
type Users struct{ s *Store }

func (r *Users) Create(_ context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.users {
		if x.Username == u.Username {
			return errs.ErrAlreadyExists
		}
	}
	u.ID = r.s.id()
	u.CreatedAt = r.s.now()
	u.UpdatedAt = u.CreatedAt
	r.s.users[u.ID] = *u
	return nil
}

func (r *Users) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r *Users) GetByUsername(_ context.Context, username string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *Users) List(_ context.Context, query string, page model.Page) ([]model.User, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []model.User
	q := strings.ToLower(query)
	for _, u := range r.s.users {
		if q == "" || strings.Contains(strings.ToLower(u.Username), q) {
			all = append(all, u)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return paginate(all, page), len(all), nil
}

func (r *Users) update(id int64, fn func(u *model.User) bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok || !fn(&u) {
		return errs.ErrNotFound
	}
	u.UpdatedAt = r.s.now()
	r.s.users[id] = u
	return nil
}

func (r *Users) SetActive(_ context.Context, id int64, active bool) error {
	return r.update(id, func(u *model.User) bool { u.IsActive = active; return true })
}

func (r *Users) SetAdmin(_ context.Context, id int64, admin bool) error {
	return r.update(id, func(u *model.User) bool { u.IsAdmin = admin; return true })
}

func (r *Users) SetPendingOTPSecret(_ context.Context, id int64, secret string) error {
	return r.update(id, func(u *model.User) bool {
		if u.TwoFactorEnabled {
			return false
		}
		u.OTPSecret = secret
		return true
	})
}

func (r *Users) EnableTwoFactor(_ context.Context, id int64, secret string) error {
	return r.update(id, func(u *model.User) bool {
		if u.TwoFactorEnabled || u.OTPSecret != secret {
			return false
		}
		u.TwoFactorEnabled = true
		return true
	})
}

func (r *Users) DisableTwoFactor(_ context.Context, id int64) error {
	return r.update(id, func(u *model.User) bool {
		u.TwoFactorEnabled = false
		u.OTPSecret = ""
		return true
	})
}

// Delete cascades memberships, grants, refresh tokens and download logs, and
// nulls the actor of audit records.
func (r *Users) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.users[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.s.users, id)
	for k := range r.s.members {
		if k.a == id {
			delete(r.s.members, k)
		}
	}
	for k := range r.s.grants {
		if k.a == id {
			delete(r.s.grants, k)
		}
	}
	for k, rt := range r.s.refresh {
		if rt.UserID == id {
			delete(r.s.refresh, k)
		}
	}
	kept := r.s.downloads[:0]
	for _, l := range r.s.downloads {
		if l.UserID != id {
			kept = append(kept, l)
		}
	}
	r.s.downloads = kept
	for i := range r.s.audit {
		if a := r.s.audit[i].ActorID; a != nil && *a == id {
			r.s.audit[i].ActorID = nil
		}
	}
	return nil
}

// Groups implements repository.GroupRepository.
type Groups struct{ s *Store }

func (r *Groups) Create(_ context.Context, g *model.Group) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.groups {
		if x.Name == g.Name {
			return errs.ErrAlreadyExists
		}
	}
	g.ID = r.s.id()
	r.s.groups[g.ID] = model.Group{ID: g.ID, Name: g.Name, Description: g.Description}
	return nil
}

func (r *Groups) withMembers(g model.Group) model.Group {
	g.Members = nil
	for k := range r.s.members {
		if k.b == g.ID {
			if u, ok := r.s.users[k.a]; ok {
				g.Members = append(g.Members, model.GroupMember{ID: u.ID, Username: u.Username})
			}
		}
	}
	sort.Slice(g.Members, func(i, j int) bool { return g.Members[i].Username < g.Members[j].Username })
	return g
}

func (r *Groups) GetByID(_ context.Context, id int64) (*model.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.groups[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	g = r.withMembers(g)
	return &g, nil
}

func (r *Groups) List(_ context.Context) ([]model.Group, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.Group, 0, len(r.s.groups))
	for _, g := range r.s.groups {
		out = append(out, r.withMembers(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Groups) AddMember(_ context.Context, groupID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, gok := r.s.groups[groupID]
	_, uok := r.s.users[userID]
	if !gok || !uok {
		return false, errs.ErrNotFound
	}
	k := pair{userID, groupID}
	if _, ok := r.s.members[k]; ok {
		return false, nil
	}
	r.s.members[k] = struct{}{}
	return true, nil
}

func (r *Groups) RemoveMember(_ context.Context, groupID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := pair{userID, groupID}
	if _, ok := r.s.members[k]; !ok {
		return false, nil
	}
	delete(r.s.members, k)
	return true, nil
}

// Documents implements repository.DocumentRepository.
type Documents struct{ s *Store }

func (r *Documents) Create(_ context.Context, d *model.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, x := range r.s.docs {
		if x.StorageKey == d.StorageKey {
			return errs.ErrAlreadyExists
		}
	}
	d.ID = r.s.id()
	d.CreatedAt = r.s.now()
	d.UpdatedAt = d.CreatedAt
	r.s.docs[d.ID] = *d
	return nil
}

func (r *Documents) GetByID(_ context.Context, id int64) (*model.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.docs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &d, nil
}

func (r *Documents) sorted(keep func(model.Document) bool) []model.Document {
	var all []model.Document
	for _, d := range r.s.docs {
		if keep(d) {
			all = append(all, d)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return all
}

func (r *Documents) List(_ context.Context, page model.Page) ([]model.Document, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(model.Document) bool { return true })
	return paginate(all, page), len(all), nil
}

func (r *Documents) ListReadable(_ context.Context, userID int64, page model.Page) ([]model.Document, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.sorted(func(d model.Document) bool {
		_, ok := r.s.grants[pair{userID, d.ID}]
		return ok
	})
	return paginate(all, page), len(all), nil
}

func (r *Documents) UpdateWatermark(_ context.Context, id int64, w model.Watermark) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.docs[id]
	if !ok {
		return errs.ErrNotFound
	}
	d.Watermark = w
	d.UpdatedAt = r.s.now()
	r.s.docs[id] = d
	return nil
}

func (r *Documents) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.docs[id]; !ok {
		return errs.ErrNotFound
	}
	delete(r.s.docs, id)
	for k := range r.s.grants {
		if k.b == id {
			delete(r.s.grants, k)
		}
	}
	kept := r.s.downloads[:0]
	for _, l := range r.s.downloads {
		if l.DocumentID != id {
			kept = append(kept, l)
		}
	}
	r.s.downloads = kept
	return nil
}

// Access implements repository.AccessRepository.
type Access struct{ s *Store }

func (r *Access) Exists(_ context.Context, userID, docID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.grants[pair{userID, docID}]
	return ok, nil
}

func (r *Access) GrantUser(_ context.Context, docID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, dok := r.s.docs[docID]
	_, uok := r.s.users[userID]
	if !dok || !uok {
		return false, errs.ErrNotFound
	}
	k := pair{userID, docID}
	if _, ok := r.s.grants[k]; ok {
		return false, nil
	}
	r.s.grants[k] = struct{}{}
	return true, nil
}

func (r *Access) RevokeUser(_ context.Context, docID, userID int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := pair{userID, docID}
	if _, ok := r.s.grants[k]; !ok {
		return false, nil
	}
	delete(r.s.grants, k)
	return true, nil
}

func (r *Access) currentMembers(groupID int64) ([]int64, error) {
	if _, ok := r.s.groups[groupID]; !ok {
		return nil, errs.ErrNotFound
	}
	var ids []int64
	for k := range r.s.members {
		if k.b == groupID {
			ids = append(ids, k.a)
		}
	}
	return ids, nil
}

func (r *Access) GrantGroup(_ context.Context, docID, groupID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids, err := r.currentMembers(groupID)
	if err != nil {
		return 0, err
	}
	if _, ok := r.s.docs[docID]; !ok && len(ids) > 0 {
		return 0, errs.ErrNotFound
	}
	var n int64
	for _, uid := range ids {
		k := pair{uid, docID}
		if _, ok := r.s.grants[k]; !ok {
			r.s.grants[k] = struct{}{}
			n++
		}
	}
	return n, nil
}

func (r *Access) RevokeGroup(_ context.Context, docID, groupID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ids, err := r.currentMembers(groupID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, uid := range ids {
		k := pair{uid, docID}
		if _, ok := r.s.grants[k]; ok {
			delete(r.s.grants, k)
			n++
		}
	}
	return n, nil
}

// RefreshTokens implements repository.RefreshTokenRepository.
type RefreshTokens struct{ s *Store }

func (r *RefreshTokens) Create(_ context.Context, rt model.RefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailRefresh != nil {
		return r.s.FailRefresh
	}
	if _, ok := r.s.refresh[rt.JTI]; ok {
		return errs.ErrAlreadyExists
	}
	if _, ok := r.s.users[rt.UserID]; !ok {
		return errs.ErrNotFound
	}
	rt.Revoked = false
	r.s.refresh[rt.JTI] = rt
	return nil
}

func (r *RefreshTokens) IsLive(_ context.Context, jti string, userID int64, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rt, ok := r.s.refresh[jti]
	return ok && rt.UserID == userID && rt.LiveAt(now), nil
}

func (r *RefreshTokens) Get(_ context.Context, jti string) (*model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rt, ok := r.s.refresh[jti]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &rt, nil
}

func (r *RefreshTokens) Revoke(_ context.Context, jti string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rt, ok := r.s.refresh[jti]
	if !ok || rt.Revoked {
		return false, nil
	}
	rt.Revoked = true
	r.s.refresh[jti] = rt
	return true, nil
}

func (r *RefreshTokens) RevokeAllForUser(_ context.Context, userID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, rt := range r.s.refresh {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			r.s.refresh[k] = rt
			n++
		}
	}
	return n, nil
}

func (r *RefreshTokens) ListForUser(_ context.Context, userID int64) ([]model.RefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.RefreshToken
	for _, rt := range r.s.refresh {
		if rt.UserID == userID {
			out = append(out, rt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

// Audit implements repository.AuditRepository.
type Audit struct{ s *Store }

func (r *Audit) Insert(_ context.Context, rec model.AuditRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.FailAudit != nil {
		return r.s.FailAudit
	}
	rec.ID = r.s.id()
	r.s.audit = append(r.s.audit, rec)
	return nil
}

func (r *Audit) List(_ context.Context, page model.Page) ([]model.AuditRecord, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := make([]model.AuditRecord, 0, len(r.s.audit))
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		rec := r.s.audit[i]
		if rec.ActorID != nil {
			if u, ok := r.s.users[*rec.ActorID]; ok {
				rec.Actor = u.Username
			}
		}
		all = append(all, rec)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, page), len(all), nil
}

// Records returns every audit record in insertion order.
func (r *Audit) Records() []model.AuditRecord {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]model.AuditRecord(nil), r.s.audit...)
}

// Downloads implements repository.DownloadLogRepository.
type Downloads struct{ s *Store }

func (r *Downloads) Insert(_ context.Context, l model.DownloadLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l.ID = r.s.id()
	r.s.downloads = append(r.s.downloads, l)
	return nil
}

func (r *Downloads) List(_ context.Context, f model.DownloadFilter, page model.Page) ([]model.DownloadLog, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []model.DownloadLog
	for i := len(r.s.downloads) - 1; i >= 0; i-- {
		l := r.s.downloads[i]
		u := r.s.users[l.UserID]
		d := r.s.docs[l.DocumentID]
		l.Username, l.Filename = u.Username, d.Filename
		switch {
		case f.UserID != 0 && l.UserID != f.UserID,
			f.DocumentID != 0 && l.DocumentID != f.DocumentID,
			f.Username != "" && !strings.Contains(strings.ToLower(l.Username), strings.ToLower(f.Username)),
			!f.From.IsZero() && l.CreatedAt.Before(f.From),
			!f.To.IsZero() && l.CreatedAt.After(f.To):
			continue
		}
		all = append(all, l)
	}
	return paginate(all, page), len(all), nil
}
