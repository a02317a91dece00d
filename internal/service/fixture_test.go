package service

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/and161185/securehub/internal/access"
	"github.com/and161185/securehub/internal/audit"
	"github.com/and161185/securehub/internal/blobstore"
	"github.com/and161185/securehub/internal/limiter"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository/memory"
	"github.com/and161185/securehub/internal/token"
	"github.com/and161185/securehub/internal/totp"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeLimiter struct {
	mu sync.Mutex

	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}

func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successCalls++
	return l.successErr
}

func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

const (
	accessTTL  = 15 * time.Minute
	refreshTTL = 24 * time.Hour
)

type fixture struct {
	clock  *clock
	store  *memory.Store
	blobs  *blobstore.Memory
	tokens *token.Manager
	otp    *totp.Manager
	lim    *fakeLimiter

	auth  *AuthServiceImpl
	twofa *TwoFactorServiceImpl
	dir   *DirectoryServiceImpl
	docs  *DocumentServiceImpl

	admin *model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
	store := memory.New(clk.Now)
	tokens, err := token.New(token.Config{
		SigningKey: []byte("test-signing-key-0123456789abcdef"),
		AccessTTL:  accessTTL,
		RefreshTTL: refreshTTL,
	}, clk.Now)
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	otp := totp.New("", clk.Now)
	rec := audit.New(store.Audit(), nil, nil, clk.Now)
	lim := &fakeLimiter{allowOK: true}
	blobs := blobstore.NewMemory()

	f := &fixture{clock: clk, store: store, blobs: blobs, tokens: tokens, otp: otp, lim: lim}
	f.auth = NewAuthService(AuthDeps{
		Users: store.Users(), Refresh: store.RefreshTokens(), Tokens: tokens, TOTP: otp,
		Limiter: lim, Audit: rec, Now: clk.Now,
	})
	f.twofa = NewTwoFactorService(store.Users(), otp, rec, clk.Now)
	f.dir = NewDirectoryService(store.Users(), store.Groups(), store.RefreshTokens(), rec, nil, clk.Now)
	f.docs = NewDocumentService(DocumentDeps{
		Documents: store.Documents(),
		Downloads: store.Downloads(),
		Access:    access.New(store.Access(), store.Documents(), store.Users()),
		Blobs:     blobs,
		Audit:     rec,
		Now:       clk.Now,
	})

	f.admin, err = f.dir.Bootstrap(context.Background(), "root", "root-password")
	if err != nil {
		t.Fatalf("bootstrap admin: %v", err)
	}
	return f
}

func (f *fixture) user(t *testing.T, name, password string) *model.User {
	t.Helper()
	u, err := f.dir.CreateUser(context.Background(), f.admin, NewUser{Username: name, Password: password})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return u
}

func (f *fixture) login(t *testing.T, name, password string) model.Tokens {
	t.Helper()
	tk, _, err := f.auth.Login(context.Background(), LoginInput{Username: name, Password: password, ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return tk
}

func (f *fixture) actions() []string {
	var out []string
	for _, r := range f.store.Audit().Records() {
		out = append(out, r.Action)
	}
	return out
}

// wrongCode returns a six digit code that is not accepted for secret around now.
func (f *fixture) wrongCode(t *testing.T, secret string) string {
	t.Helper()
	valid := map[string]bool{}
	for _, d := range []time.Duration{-30 * time.Second, 0, 30 * time.Second} {
		c, err := f.otp.CodeAt(secret, f.clock.Now().Add(d))
		if err != nil {
			t.Fatalf("CodeAt: %v", err)
		}
		valid[c] = true
	}
	for _, c := range []string{"000000", "111111", "222222", "333333"} {
		if !valid[c] {
			return c
		}
	}
	t.Fatal("no wrong code available")
	return ""
}

func (f *fixture) code(t *testing.T, secret string) string {
	t.Helper()
	c, err := f.otp.CodeAt(secret, f.clock.Now())
	if err != nil {
		t.Fatalf("CodeAt: %v", err)
	}
	return c
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
