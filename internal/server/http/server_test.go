package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	"github.com/and161185/securehub/internal/blobstore"
	"github.com/and161185/securehub/internal/metrics"
	"github.com/and161185/securehub/internal/repository/memory"
	"github.com/and161185/securehub/internal/service"
	"github.com/and161185/securehub/internal/token"
	"github.com/and161185/securehub/internal/totp"
)

const refreshTTL = 24 * time.Hour

type harness struct {
	t     *testing.T
	h     http.Handler
	store *memory.Store
	blobs *blobstore.Memory
	m     *metrics.Metrics
	down  error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	store := memory.New(time.Now)
	tokens, err := token.New(token.Config{
		SigningKey: []byte("http-test-signing-key-0123456789"),
		AccessTTL:  15 * time.Minute,
		RefreshTTL: refreshTTL,
	}, time.Now)
	require.NoError(t, err)
	otp := totp.New("SecureHub", time.Now)
	m := metrics.New()
	rec := audit.New(store.Audit(), log, m.AuditWriteFailures, time.Now)
	blobs := blobstore.NewMemory()

	auth := service.NewAuthService(service.AuthDeps{
		Users: store.Users(), Refresh: store.RefreshTokens(), Tokens: tokens, TOTP: otp,
		Audit: rec, Logins: m.LoginsTotal, Log: log, Now: time.Now,
	})
	dir := service.NewDirectoryService(store.Users(), store.Groups(), store.RefreshTokens(), rec, log, time.Now)
	docs := service.NewDocumentService(service.DocumentDeps{
		Documents: store.Documents(),
		Downloads: store.Downloads(),
		Access:    access.New(store.Access(), store.Documents(), store.Users()),
		Blobs:     blobs,
		Audit:     rec,
		Log:       log,
		Now:       time.Now,
	})
	_, err = dir.Bootstrap(context.Background(), "root", "root-password")
	require.NoError(t, err)

	hs := &harness{t: t, store: store, blobs: blobs, m: m}
	hs.h = New(Deps{
		Auth:      auth,
		TwoFactor: service.NewTwoFactorService(store.Users(), otp, rec, time.Now),
		Directory: dir,
		Documents: docs,
		Metrics:   m,
		Checks: map[string]CheckFunc{
			"store": func(context.Context) error { return hs.down },
		},
		Log:            log,
		RefreshTTL:     refreshTTL,
		CookieSecure:   true,
		MaxUploadBytes: 1 << 20,
	}).Handler()
	return hs
}

func (hs *harness) do(req *http.Request) *httptest.ResponseRecorder {
	req.RemoteAddr = "198.51.100.7:40000"
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	return rec
}

func (hs *harness) send(method, path, bearer string, body any) *httptest.ResponseRecorder {
	hs.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(hs.t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return hs.do(req)
}

func (hs *harness) login(user, pass string) (string, *http.Cookie) {
	hs.t.Helper()
	rec := hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": user, "password": pass})
	require.Equal(hs.t, http.StatusOK, rec.Code, rec.Body.String())
	var out tokenResponse
	require.NoError(hs.t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(hs.t, "bearer", out.TokenType)
	for _, c := range rec.Result().Cookies() {
		if c.Name == RefreshCookie {
			return out.AccessToken, c
		}
	}
	hs.t.Fatalf("no refresh cookie set")
	return "", nil
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (hs *harness) createUser(admin, name, pass string) userOut {
	hs.t.Helper()
	rec := hs.send(http.MethodPost, "/api/users", admin, createUserIn{Username: name, Password: pass})
	require.Equal(hs.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[userOut](hs.t, rec)
}

func (hs *harness) upload(bearer, name string, data []byte, query string) *httptest.ResponseRecorder {
	hs.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(hs.t, err)
	_, err = fw.Write(data)
	require.NoError(hs.t, err)
	require.NoError(hs.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload"+query, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)
	return hs.do(req)
}

func TestLogin_SetsRefreshCookieAndRefreshes(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	at, cookie := hs.login("root", "root-password")
	require.NotEmpty(t, at)
	require.True(t, cookie.HttpOnly)
	require.True(t, cookie.Secure)
	require.Equal(t, "/api", cookie.Path)
	require.Equal(t, int(refreshTTL.Seconds()), cookie.MaxAge)

	me := hs.send(http.MethodGet, "/api/users/me", at, nil)
	require.Equal(t, http.StatusOK, me.Code)
	require.Equal(t, "root", decode[userOut](t, me).Username)

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	req.AddCookie(cookie)
	rec := hs.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[tokenResponse](t, rec)
	require.NotEmpty(t, out.AccessToken)
	require.Positive(t, out.ExpiresIn)

	rec = hs.do(httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin_FormAndRejections(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	form := strings.NewReader("username=root&password=root-password")
	req := httptest.NewRequest(http.MethodPost, "/api/token", form)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	require.Equal(t, http.StatusOK, hs.do(req).Code)

	wrong := hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": "root", "password": "nope"})
	unknown := hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": "ghost", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, wrong.Code)
	require.Equal(t, wrong.Code, unknown.Code)
	require.Equal(t, wrong.Body.String(), unknown.Body.String())
	require.NotEmpty(t, wrong.Header().Get("WWW-Authenticate"))

	empty := hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": "root"})
	require.Equal(t, http.StatusBadRequest, empty.Code)
}

func TestLogout_RevokesRefreshCookie(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	_, cookie := hs.login("root", "root-password")

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec := hs.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	require.Equal(t, -1, cleared[0].MaxAge)

	req = httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	req.AddCookie(cookie)
	require.Equal(t, http.StatusUnauthorized, hs.do(req).Code)

	// logout without a cookie is still ok
	require.Equal(t, http.StatusOK, hs.do(httptest.NewRequest(http.MethodPost, "/api/logout", nil)).Code)
}

func TestAuthed_RequiresBearer(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	rec := hs.send(http.MethodGet, "/api/users/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = hs.send(http.MethodGet, "/api/users/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDirectory_AdminFlows(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	admin, _ := hs.login("root", "root-password")

	alice := hs.createUser(admin, "alice", "alice-password")
	require.True(t, alice.IsActive)
	require.False(t, alice.IsAdmin)

	dup := hs.send(http.MethodPost, "/api/users", admin, createUserIn{Username: "alice", Password: "x-password"})
	require.Equal(t, http.StatusConflict, dup.Code)

	aliceTok, _ := hs.login("alice", "alice-password")
	forbidden := hs.send(http.MethodGet, "/api/users", aliceTok, nil)
	require.Equal(t, http.StatusForbidden, forbidden.Code)

	list := hs.send(http.MethodGet, "/api/users?q=ali&page=1&size=10", admin, nil)
	require.Equal(t, http.StatusOK, list.Code)
	page := decode[pageOut[userOut]](t, list)
	require.Equal(t, 1, page.Total)
	require.Equal(t, 10, page.Size)
	require.Equal(t, "alice", page.Items[0].Username)

	userPath := "/api/users/" + itoa(alice.ID)
	require.Equal(t, http.StatusOK, hs.send(http.MethodGet, userPath, admin, nil).Code)
	require.Equal(t, http.StatusBadRequest, hs.send(http.MethodPut, userPath+"/active", admin, map[string]any{}).Code)
	require.Equal(t, http.StatusOK, hs.send(http.MethodPut, userPath+"/active", admin, map[string]bool{"active": false}).Code)

	// deactivation cuts the existing access token
	require.Equal(t, http.StatusUnauthorized, hs.send(http.MethodGet, "/api/users/me", aliceTok, nil).Code)

	require.Equal(t, http.StatusOK, hs.send(http.MethodPut, userPath+"/admin", admin, map[string]bool{"is_admin": true}).Code)
	got := decode[userOut](t, hs.send(http.MethodGet, userPath, admin, nil))
	require.True(t, got.IsAdmin)
	require.False(t, got.IsActive)

	g := hs.send(http.MethodPost, "/api/groups", admin, groupIn{Name: "legal", Description: "contracts"})
	require.Equal(t, http.StatusCreated, g.Code, g.Body.String())
	group := decode[groupOut](t, g)

	groupPath := "/api/groups/" + itoa(group.ID)
	require.Equal(t, http.StatusOK, hs.send(http.MethodPost, groupPath+"/add_user", admin, memberIn{UserID: alice.ID}).Code)
	require.Equal(t, http.StatusNotFound, hs.send(http.MethodPost, groupPath+"/add_user", admin, memberIn{UserID: 9999}).Code)

	groups := decode[[]groupOut](t, hs.send(http.MethodGet, "/api/groups", admin, nil))
	require.Len(t, groups, 1)
	require.Equal(t, []memberOut{{ID: alice.ID, Username: "alice"}}, groups[0].Members)

	require.Equal(t, http.StatusOK, hs.send(http.MethodPost, groupPath+"/remove_user", admin, memberIn{UserID: alice.ID}).Code)
	require.Equal(t, http.StatusOK, hs.send(http.MethodDelete, userPath, admin, nil).Code)
	require.Equal(t, http.StatusNotFound, hs.send(http.MethodGet, userPath, admin, nil).Code)
}

func TestDocuments_GrantDownloadAndLogs(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	admin, _ := hs.login("root", "root-password")
	bob := hs.createUser(admin, "bob", "bob-password")
	bobTok, _ := hs.login("bob", "bob-password")

	pdf := []byte("%PDF-1.7 quarterly report")
	up := hs.upload(admin, "report.pdf", pdf, "?font_size=24&watermark_text=CONFIDENTIAL")
	require.Equal(t, http.StatusCreated, up.Code, up.Body.String())
	doc := decode[documentOut](t, up)
	require.Equal(t, "report.pdf", doc.Filename)
	require.Equal(t, 24, doc.FontSize)
	require.Equal(t, "CONFIDENTIAL", doc.WatermarkText)
	require.Equal(t, 1, hs.blobs.Len())

	notPDF := hs.upload(admin, "notes.txt", []byte("hello"), "")
	require.Equal(t, http.StatusBadRequest, notPDF.Code)
	badOpacity := hs.upload(admin, "x.pdf", pdf, "?opacity=lots")
	require.Equal(t, http.StatusBadRequest, badOpacity.Code)

	docPath := "/api/documents/" + itoa(doc.ID)
	require.Equal(t, http.StatusForbidden, hs.send(http.MethodGet, docPath+"/download", bobTok, nil).Code)
	require.Equal(t, http.StatusForbidden, hs.send(http.MethodGet, docPath, bobTok, nil).Code)
	require.Equal(t, http.StatusNotFound, hs.send(http.MethodGet, "/api/documents/9999", admin, nil).Code)

	g := hs.send(http.MethodPost, docPath+"/grant", admin, map[string]int64{"user_id": bob.ID})
	require.Equal(t, http.StatusOK, g.Code, g.Body.String())
	require.Contains(t, g.Body.String(), `"changed":1`)

	both := hs.send(http.MethodPost, docPath+"/grant", admin, map[string]int64{"user_id": bob.ID, "group_id": 1})
	require.Equal(t, http.StatusBadRequest, both.Code)

	list := decode[pageOut[documentOut]](t, hs.send(http.MethodGet, "/api/documents", bobTok, nil))
	require.Equal(t, 1, list.Total)

	dl := hs.send(http.MethodGet, docPath+"/download", bobTok, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	require.Equal(t, "application/pdf", dl.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename=report.pdf`, dl.Header().Get("Content-Disposition"))
	require.Equal(t, pdf, dl.Body.Bytes())

	meta := hs.send(http.MethodPut, docPath+"/metadata", admin, map[string]any{"opacity": 0.5})
	require.Equal(t, http.StatusOK, meta.Code)
	require.InDelta(t, 0.5, decode[documentOut](t, meta).Opacity, 1e-9)
	require.Equal(t, http.StatusForbidden, hs.send(http.MethodPut, docPath+"/metadata", bobTok, map[string]any{"opacity": 0.1}).Code)

	logs := hs.send(http.MethodGet, "/api/logs?username=bo&document_id="+itoa(doc.ID), admin, nil)
	require.Equal(t, http.StatusOK, logs.Code)
	lp := decode[pageOut[downloadOut]](t, logs)
	require.Equal(t, 1, lp.Total)
	require.Equal(t, "198.51.100.7", lp.Items[0].ClientIP)
	require.Equal(t, http.StatusBadRequest, hs.send(http.MethodGet, "/api/logs?start_ts=yesterday", admin, nil).Code)
	require.Equal(t, http.StatusForbidden, hs.send(http.MethodGet, "/api/logs", bobTok, nil).Code)

	require.Equal(t, http.StatusOK, hs.send(http.MethodPost, docPath+"/revoke", admin, map[string]int64{"user_id": bob.ID}).Code)
	require.Equal(t, http.StatusForbidden, hs.send(http.MethodGet, docPath+"/download", bobTok, nil).Code)

	auditPage := decode[pageOut[auditOut]](t, hs.send(http.MethodGet, "/api/audit?size=100", admin, nil))
	actions := map[string]bool{}
	for _, a := range auditPage.Items {
		actions[a.Action] = true
	}
	for _, want := range []string{audit.ActionUploadDocument, audit.ActionDownloadDocument, audit.ActionGrantAccessUser, audit.ActionRevokeAccessUser} {
		require.True(t, actions[want], "missing audit action %s", want)
	}

	require.Equal(t, http.StatusOK, hs.send(http.MethodDelete, docPath, admin, nil).Code)
	require.Equal(t, 0, hs.blobs.Len())
}

func TestSessions_ListAndRevoke(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	admin, _ := hs.login("root", "root-password")
	hs.createUser(admin, "carol", "carol-password")
	carol, cookie := hs.login("carol", "carol-password")

	sessions := decode[[]sessionOut](t, hs.send(http.MethodGet, "/api/users/me/sessions", carol, nil))
	require.Len(t, sessions, 1)
	require.True(t, sessions[0].Live)

	require.Equal(t, http.StatusForbidden, hs.send(http.MethodDelete, "/api/sessions/"+sessions[0].JTI, carol, nil).Code)
	require.Equal(t, http.StatusOK, hs.send(http.MethodDelete, "/api/sessions/"+sessions[0].JTI, admin, nil).Code)
	require.Equal(t, http.StatusNotFound, hs.send(http.MethodDelete, "/api/sessions/unknown", admin, nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/token/refresh", nil)
	req.AddCookie(cookie)
	require.Equal(t, http.StatusUnauthorized, hs.do(req).Code)

	// the access token stays valid until it expires
	require.Equal(t, http.StatusOK, hs.send(http.MethodGet, "/api/users/me", carol, nil).Code)
}

func TestTwoFactor_EnrollAndLogin(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)
	admin, _ := hs.login("root", "root-password")
	hs.createUser(admin, "dave", "dave-password")
	dave, _ := hs.login("dave", "dave-password")

	start := hs.send(http.MethodPost, "/api/users/me/2fa/start", dave, nil)
	require.Equal(t, http.StatusOK, start.Code)
	en := decode[struct {
		Secret string `json:"secret"`
		URI    string `json:"provisioning_uri"`
	}](t, start)
	require.NotEmpty(t, en.Secret)
	require.True(t, strings.HasPrefix(en.URI, "otpauth://totp/"))

	otp := totp.New("SecureHub", time.Now)
	code, err := otp.CodeAt(en.Secret, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, hs.send(http.MethodPost, "/api/users/me/2fa/verify", dave, codeIn{Code: code}).Code)

	rec := hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": "dave", "password": "dave-password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "second factor required")

	code, err = otp.CodeAt(en.Secret, time.Now())
	require.NoError(t, err)
	rec = hs.send(http.MethodPost, "/api/token", "", map[string]string{"username": "dave", "password": "dave-password", "otp": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	hs := newHarness(t)

	rec := hs.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	hs.down = errors.New("connection refused")
	rec = hs.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), `"store":"down"`)

	hs.login("root", "root-password")
	rec = hs.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `securehub_logins_total{outcome="ok"} 1`)
	require.Contains(t, body, `securehub_http_requests_total{method="GET",route="/healthz",status="503"} 1`)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
