package httpserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/service"
)

type loginIn struct {
	Username string `json:"username"`
	Password string `json:"password"`
	OTP      string `json:"otp"`
}

// readLogin accepts a JSON body or an OAuth2 password-grant form.
func readLogin(w http.ResponseWriter, r *http.Request) (loginIn, bool) {
	var in loginIn
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&in); err != nil {
			return in, false
		}
		return in, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		return in, false
	}
	in.Username = r.PostForm.Get("username")
	in.Password = r.PostForm.Get("password")
	in.OTP = r.PostForm.Get("otp")
	return in, true
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, value string, expires time.Time) {
	c := &http.Cookie{
		Name:     RefreshCookie,
		Value:    value,
		Path:     "/api",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
	switch {
	case value == "":
		c.MaxAge = -1
	case s.refreshTTL > 0:
		c.MaxAge = int(s.refreshTTL.Seconds())
	default:
		c.Expires = expires
	}
	http.SetCookie(w, c)
}

func tokenBody(access string, exp time.Time) tokenResponse {
	return tokenResponse{AccessToken: access, TokenType: "bearer", ExpiresIn: max(0, int64(time.Until(exp).Seconds()))}
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	in, ok := readLogin(w, r)
	if !ok || in.Username == "" || in.Password == "" {
		badRequest(w, "username and password required")
		return
	}
	tk, _, err := s.auth.Login(r.Context(), service.LoginInput{
		Username: in.Username, Password: in.Password, OTPCode: in.OTP, ClientIP: clientIP(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setRefreshCookie(w, tk.RefreshToken, tk.RefreshExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenBody(tk.AccessToken, tk.AccessExpiresAt))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(RefreshCookie)
	if err != nil || c.Value == "" {
		badRequest(w, "refresh_token cookie required")
		return
	}
	access, exp, err := s.auth.Refresh(r.Context(), c.Value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenBody(access, exp))
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(RefreshCookie); err == nil {
		s.auth.Logout(r.Context(), c.Value)
	}
	s.setRefreshCookie(w, "", time.Time{})
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, p *model.User) {
	writeJSON(w, http.StatusOK, toUser(*p))
}

func (s *Server) mySessions(w http.ResponseWriter, r *http.Request, p *model.User) {
	list, err := s.auth.ListSessions(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]sessionOut, 0, len(list))
	for _, ss := range list {
		out = append(out, sessionOut{
			JTI: ss.JTI, IssuedAt: ss.IssuedAt, ExpiresAt: ss.ExpiresAt, Revoked: ss.Revoked, Live: ss.Live,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) revokeSession(w http.ResponseWriter, r *http.Request, p *model.User) {
	if err := s.auth.RevokeSession(r.Context(), p, mux.Vars(r)["jti"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

type codeIn struct {
	Code string `json:"code"`
}

func (s *Server) start2FA(w http.ResponseWriter, r *http.Request, p *model.User) {
	en, err := s.twofa.Start(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct {
		Secret          string `json:"secret"`
		ProvisioningURI string `json:"provisioning_uri"`
	}{en.Secret, en.ProvisioningURI})
}

func (s *Server) verify2FA(w http.ResponseWriter, r *http.Request, p *model.User) {
	var in codeIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	if err := s.twofa.Confirm(r.Context(), p, strings.TrimSpace(in.Code)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}

func (s *Server) disable2FA(w http.ResponseWriter, r *http.Request, p *model.User) {
	var in codeIn
	if err := decodeJSON(w, r, &in); err != nil {
		badRequest(w, "invalid body")
		return
	}
	if err := s.twofa.Disable(r.Context(), p, strings.TrimSpace(in.Code)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okOut{OK: true})
}
