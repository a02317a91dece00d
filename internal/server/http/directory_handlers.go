package httpserver

import (
	"net/http"

	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/service"
)

type createUserIn struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request, p *model.User) {
	var in createUserIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	u, err := s.dir.CreateUser(r.Context(), p, service.NewUser{Username: in.Username, Password: in.Password, IsAdmin: in.IsAdmin})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUser(*u))
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request, p *model.User) {
	page := pageFromQuery(r)
	users, total, err := s.dir.ListUsers(r.Context(), p, r.URL.Query().Get("q"), page)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(users, total, page, toUser))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	u, err := s.dir.GetUser(r.Context(), p, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUser(*u))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request, p *model.User) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	if err := s.dir.DeleteUser(r.Context(), p, id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

type flagIn struct {
	Active *bool `json:"active"`
	Admin  *bool `json:"is_admin"`
}

// setFlag decodes {"active": bool} or {"is_admin": bool} and applies the field chosen by pick.
func (s *Server) setFlag(w http.ResponseWriter, r *http.Request, name string, pick func(flagIn) *bool, set func(id int64, v bool) error) {
	id, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	var in flagIn
	if err := decodeJSON(w, r, &in); err != nil || pick(in) == nil {
		badRequest(w, name+" required")
		return
	}
	if err := set(id, *pick(in)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.setFlag(w, r, "active", func(in flagIn) *bool { return in.Active },
		func(id int64, v bool) error { return s.dir.SetActive(r.Context(), p, id, v) })
}

func (s *Server) setAdmin(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.setFlag(w, r, "is_admin", func(in flagIn) *bool { return in.Admin },
		func(id int64, v bool) error { return s.dir.SetAdmin(r.Context(), p, id, v) })
}

type groupIn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request, p *model.User) {
	var in groupIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	g, err := s.dir.CreateGroup(r.Context(), p, in.Name, in.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroup(*g))
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request, p *model.User) {
	groups, err := s.dir.ListGroups(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]groupOut, 0, len(groups))
	for _, g := range groups {
		out = append(out, toGroup(g))
	}
	writeJSON(w, http.StatusOK, out)
}

type memberIn struct {
	UserID int64 `json:"user_id"`
}

func (s *Server) membership(w http.ResponseWriter, r *http.Request, apply func(groupID, userID int64) error) {
	groupID, ok := pathID(r)
	if !ok {
		badRequest(w, "invalid id")
		return
	}
	var in memberIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	if err := apply(groupID, in.UserID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

func (s *Server) addMember(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.membership(w, r, func(g, u int64) error { return s.dir.AddMember(r.Context(), p, g, u) })
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request, p *model.User) {
	s.membership(w, r, func(g, u int64) error { return s.dir.RemoveMember(r.Context(), p, g, u) })
}
