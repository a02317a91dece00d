package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
)

func TestAuth_Login_IssuesPersistedPair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice", "s3cret")

	tk, u, err := f.auth.Login(ctx, LoginInput{Username: "alice", Password: "s3cret", ClientIP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u.ID != alice.ID {
		t.Fatalf("wrong principal: %+v", u)
	}
	if tk.AccessToken == "" || tk.RefreshToken == "" {
		t.Fatalf("empty tokens: %+v", tk)
	}
	if !tk.AccessExpiresAt.Equal(f.clock.Now().Add(accessTTL)) {
		t.Fatalf("access expiry = %v", tk.AccessExpiresAt)
	}

	jti, err := f.tokens.RefreshJTI(tk.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshJTI: %v", err)
	}
	rt, err := f.store.RefreshTokens().Get(ctx, jti)
	if err != nil {
		t.Fatalf("refresh record missing: %v", err)
	}
	if rt.UserID != alice.ID || rt.Revoked || !rt.ExpiresAt.Equal(tk.RefreshExpiresAt) {
		t.Fatalf("bad refresh record: %+v", rt)
	}
	if f.lim.successCalls != 1 {
		t.Fatalf("limiter Success calls = %d", f.lim.successCalls)
	}

	got, err := f.auth.Authenticate(ctx, tk.AccessToken)
	if err != nil || got.ID != alice.ID {
		t.Fatalf("Authenticate: %v %+v", err, got)
	}

	acts := f.actions()
	if acts[len(acts)-1] != "login" {
		t.Fatalf("last audit action = %q", acts[len(acts)-1])
	}
}

func TestAuth_Login_RejectionsAreUniform(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	bob := f.user(t, "bob", "pw")

	cases := []struct {
		name string
		in   LoginInput
	}{
		{"unknown user", LoginInput{Username: "nobody", Password: "pw"}},
		{"wrong password", LoginInput{Username: "bob", Password: "nope"}},
	}
	for _, tc := range cases {
		if _, _, err := f.auth.Login(ctx, tc.in); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", tc.name, err)
		}
	}

	if err := f.dir.SetActive(ctx, f.admin, bob.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, _, err := f.auth.Login(ctx, LoginInput{Username: "bob", Password: "pw"}); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("inactive: want ErrUnauthorized, got %v", err)
	}
	if f.lim.failureCalls != 3 {
		t.Fatalf("limiter Failure calls = %d, want 3", f.lim.failureCalls)
	}
	if f.lim.successCalls != 0 {
		t.Fatalf("limiter Success called on rejection")
	}
}

func TestAuth_Login_RateLimiter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "carol", "pw")

	f.lim.allowErr = errors.New("lim-err")
	if _, _, err := f.auth.Login(ctx, LoginInput{Username: "carol", Password: "pw"}); err == nil {
		t.Fatalf("want limiter error to propagate")
	}
	f.lim.allowErr = nil

	f.lim.allowOK = false
	if _, _, err := f.auth.Login(ctx, LoginInput{Username: "carol", Password: "pw"}); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	f.lim.allowOK = true

	f.lim.failBlocked = true
	if _, _, err := f.auth.Login(ctx, LoginInput{Username: "carol", Password: "bad"}); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited once the failure blocks, got %v", err)
	}
}

func TestAuth_Login_SecondFactor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	dave := f.user(t, "dave", "pw")

	en, err := f.twofa.Start(ctx, dave)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.twofa.Confirm(ctx, dave, f.code(t, en.Secret)); err != nil {
		t.Fatalf("Confirm: %v", err)
	}

	in := LoginInput{Username: "dave", Password: "pw"}
	if _, _, err := f.auth.Login(ctx, in); !errors.Is(err, errs.ErrSecondFactorRequired) {
		t.Fatalf("want ErrSecondFactorRequired, got %v", err)
	}
	if f.lim.failureCalls != 0 {
		t.Fatalf("missing code must not count as a failure")
	}

	in.OTPCode = f.wrongCode(t, en.Secret)
	if _, _, err := f.auth.Login(ctx, in); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("bad code: want ErrUnauthorized, got %v", err)
	}
	if f.lim.failureCalls != 1 {
		t.Fatalf("bad code must count as a failure")
	}

	in.OTPCode = f.code(t, en.Secret)
	if _, _, err := f.auth.Login(ctx, in); err != nil {
		t.Fatalf("login with code: %v", err)
	}
}

func TestAuth_Login_RefreshNotPersistedFailsClosed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.user(t, "erin", "pw")
	f.store.FailRefresh = errors.New("disk full")

	tk, u, err := f.auth.Login(context.Background(), LoginInput{Username: "erin", Password: "pw"})
	if !errors.Is(err, errs.ErrPersistence) {
		t.Fatalf("want ErrPersistence, got %v", err)
	}
	if tk.AccessToken != "" || u != nil {
		t.Fatalf("tokens leaked on persistence failure")
	}
}

func TestAuth_Login_AuditFailureIsSwallowed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.user(t, "frank", "pw")
	f.store.FailAudit = errors.New("audit table locked")

	if _, _, err := f.auth.Login(context.Background(), LoginInput{Username: "frank", Password: "pw"}); err != nil {
		t.Fatalf("audit failure must not fail login: %v", err)
	}
}

func TestAuth_Refresh_Lifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "gina", "pw")
	tk := f.login(t, "gina", "pw")

	f.clock.Advance(accessTTL + time.Minute)
	if _, err := f.auth.Authenticate(ctx, tk.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expired access token accepted: %v", err)
	}
	at, exp, err := f.auth.Refresh(ctx, tk.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !exp.Equal(f.clock.Now().Add(accessTTL)) {
		t.Fatalf("refreshed expiry = %v", exp)
	}
	if _, err := f.auth.Authenticate(ctx, at); err != nil {
		t.Fatalf("refreshed access token rejected: %v", err)
	}

	if _, _, err := f.auth.Refresh(ctx, tk.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, tk.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}

	f.clock.Advance(refreshTTL)
	if _, _, err := f.auth.Refresh(ctx, tk.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("expired refresh token accepted: %v", err)
	}
}

func TestAuth_Refresh_UnregisteredTokenRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.user(t, "hal", "pw")

	// Correctly signed but never persisted.
	rt, err := f.tokens.IssueRefresh("hal")
	if err != nil {
		t.Fatalf("IssueRefresh: %v", err)
	}
	if _, _, err := f.auth.Refresh(context.Background(), rt.Token); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized, got %v", err)
	}
}

func TestAuth_Logout_RevokesOnlyThatSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "ivy", "pw")

	laptop := f.login(t, "ivy", "pw")
	phone := f.login(t, "ivy", "pw")
	if laptop.RefreshToken == phone.RefreshToken {
		t.Fatalf("concurrent sessions share a refresh token")
	}

	f.auth.Logout(ctx, laptop.RefreshToken)
	if _, _, err := f.auth.Refresh(ctx, laptop.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("revoked refresh token accepted: %v", err)
	}
	if _, _, err := f.auth.Refresh(ctx, phone.RefreshToken); err != nil {
		t.Fatalf("other session affected: %v", err)
	}

	// Idempotent and silent on garbage.
	f.auth.Logout(ctx, laptop.RefreshToken)
	f.auth.Logout(ctx, "not-a-token")
	f.auth.Logout(ctx, "")

	logouts := 0
	for _, a := range f.actions() {
		if a == "logout" {
			logouts++
		}
	}
	if logouts != 1 {
		t.Fatalf("logout audited %d times", logouts)
	}
}

func TestAuth_Logout_ExpiredTokenStillRevoked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "jack", "pw")
	tk := f.login(t, "jack", "pw")

	f.clock.Advance(refreshTTL + time.Hour)
	f.auth.Logout(ctx, tk.RefreshToken)

	jti, err := f.tokens.RefreshJTI(tk.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshJTI: %v", err)
	}
	rt, err := f.store.RefreshTokens().Get(ctx, jti)
	if err != nil || !rt.Revoked {
		t.Fatalf("expected revoked record, got %+v %v", rt, err)
	}
}

func TestAuth_RevokeSession_AccessTokenOutlivesRevocation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	kim := f.user(t, "kim", "pw")
	tk := f.login(t, "kim", "pw")

	sessions, err := f.auth.ListSessions(ctx, kim)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("ListSessions: %v %+v", err, sessions)
	}
	jti := sessions[0].JTI

	if err := f.auth.RevokeSession(ctx, kim, jti); !errors.Is(err, errs.ErrForbidden) {
		t.Fatalf("non-admin revoke: want ErrForbidden, got %v", err)
	}
	if err := f.auth.RevokeSession(ctx, f.admin, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown jti: want ErrNotFound, got %v", err)
	}
	if err := f.auth.RevokeSession(ctx, f.admin, jti); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}

	if _, _, err := f.auth.Refresh(ctx, tk.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("revoked session refreshed: %v", err)
	}
	// The access token already issued stays valid until it expires.
	if _, err := f.auth.Authenticate(ctx, tk.AccessToken); err != nil {
		t.Fatalf("access token should outlive revocation: %v", err)
	}
	f.clock.Advance(accessTTL + time.Second)
	if _, err := f.auth.Authenticate(ctx, tk.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("access token should expire: %v", err)
	}

	recs := f.store.Audit().Records()
	last := recs[len(recs)-1]
	if last.Action != "revoke_refresh_token" || last.ObjectID != jti || *last.ActorID != f.admin.ID {
		t.Fatalf("bad audit record: %+v", last)
	}
}

func TestAuth_DeactivationCutsEverySession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	leo := f.user(t, "leo", "pw")
	a := f.login(t, "leo", "pw")
	b := f.login(t, "leo", "pw")

	if err := f.dir.SetActive(ctx, f.admin, leo.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	for _, tk := range []model.Tokens{a, b} {
		if _, err := f.auth.Authenticate(ctx, tk.AccessToken); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("inactive principal authenticated: %v", err)
		}
		if _, _, err := f.auth.Refresh(ctx, tk.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("inactive principal refreshed: %v", err)
		}
	}

	// Reactivation does not resurrect revoked sessions.
	if err := f.dir.SetActive(ctx, f.admin, leo.ID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, _, err := f.auth.Refresh(ctx, a.RefreshToken); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("revoked session resurrected: %v", err)
	}
}

func TestAuth_ConcurrentLogins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.user(t, "mia", "pw")

	const n = 8
	var wg sync.WaitGroup
	jtis := make([]string, n)
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, _, err := f.auth.Login(context.Background(), LoginInput{Username: "mia", Password: "pw"})
			if err != nil {
				errCh <- err
				return
			}
			jtis[i], err = f.tokens.RefreshJTI(tk.RefreshToken)
			if err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent login: %v", err)
	}

	seen := map[string]bool{}
	for _, j := range jtis {
		if seen[j] {
			t.Fatalf("duplicate jti %s", j)
		}
		seen[j] = true
	}
}

func TestAuth_ListSessions_LivenessFollowsServiceClock(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	lee := f.user(t, "lee", "pw")
	first := f.login(t, "lee", "pw")
	f.login(t, "lee", "pw")

	jti, err := f.tokens.RefreshJTI(first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshJTI: %v", err)
	}
	if _, err := f.store.RefreshTokens().Revoke(ctx, jti); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	sessions, err := f.auth.ListSessions(ctx, lee)
	if err != nil || len(sessions) != 2 {
		t.Fatalf("ListSessions: %v %+v", err, sessions)
	}
	for _, ss := range sessions {
		if want := ss.JTI != jti; ss.Live != want {
			t.Fatalf("session %s: live=%v, want %v", ss.JTI, ss.Live, want)
		}
	}

	f.clock.Advance(refreshTTL)
	sessions, err = f.auth.ListSessions(ctx, lee)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, ss := range sessions {
		if ss.Live {
			t.Fatalf("session %s live after expiry", ss.JTI)
		}
		live, err := f.store.RefreshTokens().IsLive(ctx, ss.JTI, lee.ID, f.clock.Now())
		if err != nil || live {
			t.Fatalf("IsLive disagrees with listing: %v %v", live, err)
		}
	}

	if _, err := f.auth.ListSessions(ctx, nil); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("nil principal: want ErrUnauthorized, got %v", err)
	}
}
