package access

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/securehub/internal/errs"
	"github.com/and161185/securehub/internal/model"
	"github.com/and161185/securehub/internal/repository/memory"
)

type fixture struct {
	store *memory.Store
	eng   *Engine
	alice *model.User
	bob   *model.User
	admin *model.User
	doc7  *model.Document
	doc8  *model.Document
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New(nil)
	f := &fixture{store: s, eng: New(s.Access(), s.Documents(), s.Users())}

	mk := func(name string, admin bool) *model.User {
		u := &model.User{Username: name, IsActive: true, IsAdmin: admin}
		require.NoError(t, s.Users().Create(ctx, u))
		return u
	}
	f.alice, f.bob, f.admin = mk("alice", false), mk("bob", false), mk("root", true)

	doc := func(name string) *model.Document {
		d := &model.Document{Filename: name, StorageKey: name, Watermark: model.DefaultWatermark()}
		require.NoError(t, s.Documents().Create(ctx, d))
		return d
	}
	f.doc7, f.doc8 = doc("seven.pdf"), doc("eight.pdf")
	return f
}

func (f *fixture) canRead(t *testing.T, u *model.User, docID int64) bool {
	t.Helper()
	ok, err := f.eng.CanRead(context.Background(), u, docID)
	require.NoError(t, err)
	return ok
}

func TestCanRead_GrantScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.False(t, f.canRead(t, f.alice, f.doc7.ID))
	n, err := f.eng.Grant(ctx, f.doc7.ID, model.UserTarget(f.alice.ID))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))
	require.False(t, f.canRead(t, f.alice, f.doc8.ID))
	require.False(t, f.canRead(t, f.bob, f.doc7.ID))
}

func TestCanRead_AdminAndInactive(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.canRead(t, f.admin, f.doc7.ID))

	_, err := f.eng.Grant(context.Background(), f.doc7.ID, model.UserTarget(f.alice.ID))
	require.NoError(t, err)
	inactive := *f.alice
	inactive.IsActive = false
	require.False(t, f.canRead(t, &inactive, f.doc7.ID))
	require.False(t, f.canRead(t, nil, f.doc7.ID))
}

func TestCanManage(t *testing.T) {
	f := newFixture(t)
	require.True(t, CanManage(f.admin))
	require.False(t, CanManage(f.alice))
	require.False(t, CanManage(nil))
	disabled := *f.admin
	disabled.IsActive = false
	require.False(t, CanManage(&disabled))
}

func TestGrantRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := model.UserTarget(f.alice.ID)

	_, err := f.eng.Grant(ctx, f.doc7.ID, target)
	require.NoError(t, err)
	n, err := f.eng.Grant(ctx, f.doc7.ID, target)
	require.NoError(t, err)
	require.Zero(t, n)
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))

	n, err = f.eng.Revoke(ctx, f.doc7.ID, target)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = f.eng.Revoke(ctx, f.doc7.ID, target)
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, f.canRead(t, f.alice, f.doc7.ID))
}

func TestGroupGrant_SnapshotSemantics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := &model.Group{Name: "legal"}
	require.NoError(t, f.store.Groups().Create(ctx, g))
	_, err := f.store.Groups().AddMember(ctx, g.ID, f.alice.ID)
	require.NoError(t, err)

	n, err := f.eng.Grant(ctx, f.doc7.ID, model.GroupTarget(g.ID))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))

	// joining later does not inherit earlier grants
	_, err = f.store.Groups().AddMember(ctx, g.ID, f.bob.ID)
	require.NoError(t, err)
	require.False(t, f.canRead(t, f.bob, f.doc7.ID))

	// leaving later does not lose them either
	_, err = f.store.Groups().RemoveMember(ctx, g.ID, f.alice.ID)
	require.NoError(t, err)
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))

	// revoke expands to current members only
	_, err = f.eng.Grant(ctx, f.doc7.ID, model.UserTarget(f.bob.ID))
	require.NoError(t, err)
	n, err = f.eng.Revoke(ctx, f.doc7.ID, model.GroupTarget(g.ID))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.False(t, f.canRead(t, f.bob, f.doc7.ID))
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))
}

func TestGrant_NotFoundAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Grant(ctx, 404, model.UserTarget(f.alice.ID))
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.eng.Grant(ctx, f.doc7.ID, model.UserTarget(404))
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.eng.Grant(ctx, f.doc7.ID, model.GroupTarget(404))
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.eng.Revoke(ctx, f.doc7.ID, model.GroupTarget(404))
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = f.eng.Grant(ctx, f.doc7.ID, model.GrantTarget{})
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.eng.Revoke(ctx, f.doc7.ID, model.UserTarget(0))
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestGrantRevoke_ConcurrentConverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := model.UserTarget(f.alice.ID)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := f.eng.Grant(ctx, f.doc7.ID, target)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := f.eng.Revoke(ctx, f.doc7.ID, target)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// whatever the interleaving, a final grant wins
	_, err := f.eng.Grant(ctx, f.doc7.ID, target)
	require.NoError(t, err)
	require.True(t, f.canRead(t, f.alice, f.doc7.ID))
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Authorize(ctx, f.alice, f.doc7.ID)
	require.ErrorIs(t, err, errs.ErrForbidden)
	_, err = f.eng.Authorize(ctx, f.alice, 404)
	require.ErrorIs(t, err, errs.ErrNotFound)

	d, err := f.eng.Authorize(ctx, f.admin, f.doc7.ID)
	require.NoError(t, err)
	require.Equal(t, "seven.pdf", d.Filename)
}
