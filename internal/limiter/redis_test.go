package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T, p Policy) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, p, ""), mr
}

func TestRedis_BlocksAfterMaxFails(t *testing.T) {
	l, _ := newRedis(t, policy(3, time.Minute))
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	for i := 0; i < 2; i++ {
		blocked, _, err := l.Failure(ctx, "alice", ip)
		require.NoError(t, err)
		require.False(t, blocked)
	}
	ok, _, err := l.Allow(ctx, "alice", ip)
	require.NoError(t, err)
	require.True(t, ok)

	blocked, dur, err := l.Failure(ctx, "alice", ip)
	require.NoError(t, err)
	require.True(t, blocked)
	require.Equal(t, time.Minute, dur)

	ok, retry, err := l.Allow(ctx, "alice", ip)
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, retry, time.Duration(0))

	// other client of the same user is unaffected
	ok, _, err = l.Allow(ctx, "alice", HashIP("10.0.0.2"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_BlockExpires(t *testing.T) {
	l, mr := newRedis(t, policy(1, time.Minute))
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	blocked, _, err := l.Failure(ctx, "bob", ip)
	require.NoError(t, err)
	require.True(t, blocked)

	mr.FastForward(61 * time.Second)
	ok, _, err := l.Allow(ctx, "bob", ip)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_WindowResetsCount(t *testing.T) {
	l, mr := newRedis(t, policy(2, time.Minute))
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	_, _, err := l.Failure(ctx, "carol", ip)
	require.NoError(t, err)
	mr.FastForward(6 * time.Minute)

	blocked, _, err := l.Failure(ctx, "carol", ip)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRedis_SuccessClears(t *testing.T) {
	l, mr := newRedis(t, policy(2, time.Minute))
	ctx := context.Background()
	ip := HashIP("10.0.0.1")

	_, _, err := l.Failure(ctx, "dave", ip)
	require.NoError(t, err)
	require.NoError(t, l.Success(ctx, "dave", ip))
	require.Empty(t, mr.Keys())

	blocked, _, err := l.Failure(ctx, "dave", ip)
	require.NoError(t, err)
	require.False(t, blocked)
}

func TestRedis_Unavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	l := NewRedis(client, DefaultPolicy(), "")
	_, _, err = l.Allow(context.Background(), "x", HashIP("1"))
	require.Error(t, err)
}
