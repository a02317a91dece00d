// Package httpserver exposes the SecureHub services over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/and161185/securehub/internal/metrics"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/service"
)

// RefreshCookie is the HttpOnly cookie that carries the refresh token.
const RefreshCookie = "refresh_token"

// CheckFunc reports the health of one dependency.
type CheckFunc func(ctx context.Context) error

// Deps wires services into handlers. Metrics and Checks are optional.
type Deps struct {
	Auth      service.AuthService
	TwoFactor service.TwoFactorService
	Directory service.DirectoryService
	Documents service.DocumentService

	Metrics *metrics.Metrics
	Checks  map[string]CheckFunc
	Log     *zap.Logger

	RefreshTTL     time.Duration
	CookieSecure   bool
	MaxUploadBytes int64
}

// Server holds the handlers.
type Server struct {
	auth   service.AuthService
	twofa  service.TwoFactorService
	dir    service.DirectoryService
	docs   service.DocumentService
	m      *metrics.Metrics
	checks map[string]CheckFunc
	log    *zap.Logger

	refreshTTL   time.Duration
	cookieSecure bool
	maxUpload    int64
}

// New constructs a Server with injected services.
func New(d Deps) *Server {
	s := &Server{
		auth: d.Auth, twofa: d.TwoFactor, dir: d.Directory, docs: d.Documents,
		m: d.Metrics, checks: d.Checks, log: d.Log,
		refreshTTL: d.RefreshTTL, cookieSecure: d.CookieSecure, maxUpload: d.MaxUploadBytes,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 50 << 20
	}
	return s
}

// Handler builds the router with the middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID, Logging(s.log))
	if s.m != nil {
		r.Use(Instrument(s.m))
		r.Handle("/metrics", s.m.Handler()).Methods(http.MethodGet)
	}
	r.Use(Recover(s.log))
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/token", s.login).Methods(http.MethodPost)
	api.HandleFunc("/token/refresh", s.refresh).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.logout).Methods(http.MethodPost)

	api.Handle("/users/me", s.authed(s.me)).Methods(http.MethodGet)
	api.Handle("/users/me/sessions", s.authed(s.mySessions)).Methods(http.MethodGet)
	api.Handle("/users/me/2fa/start", s.authed(s.start2FA)).Methods(http.MethodPost)
	api.Handle("/users/me/2fa/verify", s.authed(s.verify2FA)).Methods(http.MethodPost)
	api.Handle("/users/me/2fa/disable", s.authed(s.disable2FA)).Methods(http.MethodPost)

	api.Handle("/users", s.authed(s.createUser)).Methods(http.MethodPost)
	api.Handle("/users", s.authed(s.listUsers)).Methods(http.MethodGet)
	api.Handle("/users/{id:[0-9]+}", s.authed(s.getUser)).Methods(http.MethodGet)
	api.Handle("/users/{id:[0-9]+}", s.authed(s.deleteUser)).Methods(http.MethodDelete)
	api.Handle("/users/{id:[0-9]+}/active", s.authed(s.setActive)).Methods(http.MethodPut)
	api.Handle("/users/{id:[0-9]+}/admin", s.authed(s.setAdmin)).Methods(http.MethodPut)

	api.Handle("/groups", s.authed(s.createGroup)).Methods(http.MethodPost)
	api.Handle("/groups", s.authed(s.listGroups)).Methods(http.MethodGet)
	api.Handle("/groups/{id:[0-9]+}/add_user", s.authed(s.addMember)).Methods(http.MethodPost)
	api.Handle("/groups/{id:[0-9]+}/remove_user", s.authed(s.removeMember)).Methods(http.MethodPost)

	api.Handle("/documents/upload", s.authed(s.upload)).Methods(http.MethodPost)
	api.Handle("/documents", s.authed(s.listDocuments)).Methods(http.MethodGet)
	api.Handle("/documents/{id:[0-9]+}", s.authed(s.getDocument)).Methods(http.MethodGet)
	api.Handle("/documents/{id:[0-9]+}", s.authed(s.deleteDocument)).Methods(http.MethodDelete)
	api.Handle("/documents/{id:[0-9]+}/metadata", s.authed(s.setMetadata)).Methods(http.MethodPut)
	api.Handle("/documents/{id:[0-9]+}/grant", s.authed(s.grant)).Methods(http.MethodPost)
	api.Handle("/documents/{id:[0-9]+}/revoke", s.authed(s.revoke)).Methods(http.MethodPost)
	api.Handle("/documents/{id:[0-9]+}/download", s.authed(s.download)).Methods(http.MethodGet)

	api.Handle("/logs", s.authed(s.listDownloads)).Methods(http.MethodGet)
	api.Handle("/audit", s.authed(s.listAudit)).Methods(http.MethodGet)
	api.Handle("/sessions/{jti}", s.authed(s.revokeSession)).Methods(http.MethodDelete)

	return r
}

// authed resolves the bearer token to an active principal before calling h.
func (s *Server) authed(h func(w http.ResponseWriter, r *http.Request, p *model.User)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		h(w, r.WithContext(WithPrincipal(r.Context(), p)), p)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]string{}
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("check", name), zap.Error(err))
			status[name] = "down"
			healthy = false
			continue
		}
		status[name] = "up"
	}
	code := http.StatusOK
	overall := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, code, struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}{overall, status})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pageFromQuery(r *http.Request) model.Page {
	q := r.URL.Query()
	n, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	return model.Page{Number: n, Size: size}.Normalize(service.DefaultPageSize, service.MaxPageSize)
}
