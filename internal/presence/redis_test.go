package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSinkMirrorsTransitions(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	sink, err := NewRedisSink(ctx, RedisConfig{Addr: mr.Addr(), Prefix: "relay-test:presence"})
	require.NoError(t, err)
	defer sink.Close()

	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Publish(ctx, Change{User: "alice", Status: Online, At: since}))
	require.NoError(t, sink.Publish(ctx, Change{User: "bob", Status: Online, At: since}))
	require.NoError(t, sink.Publish(ctx, Change{User: "alice", Status: Offline, At: since}))

	online, err := sink.Online(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob"}, online)

	got, err := mr.Get("relay-test:presence:bob")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02T03:04:05Z", got)
	assert.False(t, mr.Exists("relay-test:presence:alice"))

	require.NoError(t, sink.Reset(ctx))
	online, err = sink.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
	assert.False(t, mr.Exists("relay-test:presence:bob"))
}

func TestRedisSinkClearsStalePresenceOnConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	_, err := mr.SetAdd("relay:presence:online", "ghost")
	require.NoError(t, err)
	require.NoError(t, mr.Set("relay:presence:ghost", "2025-12-31T00:00:00Z"))
	require.NoError(t, mr.Set("unrelated", "kept"))

	sink, err := NewRedisSink(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer sink.Close()

	assert.False(t, mr.Exists("relay:presence:online"))
	assert.False(t, mr.Exists("relay:presence:ghost"))
	assert.True(t, mr.Exists("unrelated"))
}

func TestRedisSinkRejectsUnknownStatus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sink := newRedisSink(rdb, "")

	assert.Error(t, sink.Publish(context.Background(), Change{User: "alice", Status: "away"}))
	assert.False(t, mr.Exists("relay:presence:alice"))
}

func TestNewRedisSinkFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisSink(ctx, RedisConfig{Addr: addr})
	assert.Error(t, err)
}
