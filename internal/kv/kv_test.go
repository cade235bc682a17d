package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisOptions{URL: "redis://" + mr.Addr(), DB: 0, Namespace: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemStoreGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.Set(ctx, "k", "v", time.Minute))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestMemStoreExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	now := time.Now()
	m.SetNow(func() time.Time { return now })

	require.NoError(t, m.Set(ctx, "k", "v", time.Second))
	m.SetNow(func() time.Time { return now.Add(2 * time.Second) })

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreIncrBy(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	v, err := m.IncrBy(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = m.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}

func TestMemStoreSetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	ok, err := m.SetNX(ctx, "lock", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "lock", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemStoreZSetWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.ZAdd(ctx, "win", ZMember{Score: 1, Member: "a"}, ZMember{Score: 2, Member: "b"}))
	card, err := m.ZCard(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, m.ZRemRangeByScore(ctx, "win", 0, 1))
	card, err = m.ZCard(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1", time.Minute))
	v, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	n, err := store.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.HealthCheck(ctx))
}

func TestRedisStoreGetMissing(t *testing.T) {
	store := newTestRedisStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreSortedSet(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "win", ZMember{Score: 10, Member: "x"}, ZMember{Score: 20, Member: "y"}))
	card, err := store.ZCard(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, store.ZRemRangeByScore(ctx, "win", 0, 15))
	card, err = store.ZCard(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)
}
