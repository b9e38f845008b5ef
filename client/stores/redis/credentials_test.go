package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tk "github.com/panyam/tokenkeeper"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return New(rc, opts...), mr
}

func TestStore_SetGetClear(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	cred, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)

	want := tk.Credential{AccessToken: "access", RefreshToken: "refresh"}
	require.NoError(t, store.Set(ctx, want))

	cred, err = store.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, want, *cred)
	assert.Equal(t, "access", mr.HGet("tokenkeeper:credentials", tk.KeyAccessToken))

	require.NoError(t, store.Clear(ctx))
	assert.False(t, mr.Exists("tokenkeeper:credentials"))
	cred, err = store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestStore_SetReplacesBothFields(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Set(ctx, tk.Credential{AccessToken: "a1", RefreshToken: "r1"}))
	require.NoError(t, store.Set(ctx, tk.Credential{AccessToken: "a2"}))

	cred, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, tk.Credential{AccessToken: "a2"}, *cred)
}

func TestStore_PrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, WithPrefix("finctl:"), WithTTL(time.Hour))
	assert.Equal(t, "finctl:credentials", store.Key())

	require.NoError(t, store.Set(ctx, tk.Credential{AccessToken: "a", RefreshToken: "r"}))
	assert.Equal(t, time.Hour, mr.TTL("finctl:credentials"))

	mr.FastForward(time.Hour + time.Second)
	cred, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestStore_ServerDown(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Get(ctx)
	assert.Error(t, err)
	assert.Error(t, store.Set(ctx, tk.Credential{AccessToken: "a"}))
}
