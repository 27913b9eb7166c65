package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)

	store, err := NewRedisStore(context.Background(), "redis://"+server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()

	entry := &Entry{Key: "k", Result: sampleResult(), StoredAt: time.Date(2024, 10, 20, 14, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Save(ctx, entry, DefaultTTL))
	assert.Equal(t, DefaultTTL, server.TTL("k"))

	got, ok, err := store.Load(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry.Result.Insights, got.Result.Insights)
	assert.Equal(t, entry.Result.Confidence, got.Result.Confidence)
	assert.True(t, entry.StoredAt.Equal(got.StoredAt))

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Load(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_ServerSideExpiry(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Entry{Key: "k", Result: sampleResult()}, time.Minute))
	server.FastForward(time.Minute + time.Second)

	_, ok, err := store.Load(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_CorruptEntry(t *testing.T) {
	store, server := newTestRedisStore(t)
	require.NoError(t, server.Set("k", "not json"))

	_, _, err := store.Load(context.Background(), "k")
	assert.Error(t, err)
}

func TestRedisStore_BehindResultCache(t *testing.T) {
	store, _ := newTestRedisStore(t)
	c, clock := newTestCache(t, store)
	ctx := context.Background()

	c.Set(ctx, "k", sampleResult())
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "Manage rear temperatures", got.Summary)

	clock.Advance(DefaultTTL)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestNewRedisStore_Errors(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "://bad")
	assert.Error(t, err)

	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisStore(ctx, "redis://"+addr)
	assert.Error(t, err)
}

func TestNewRedisStoreFromClient(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store := NewRedisStoreFromClient(client)
	defer store.Close()

	c := New(store, zaptest.NewLogger(t))
	require.NoError(t, c.Ping(context.Background()))
}
