package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := NewRedisCache(mr.Addr(), "", 0, 10, "test", zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestEncodeDecodeThroughHash(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()
	key := cache.Key("rate", "by_src")

	entry := RateEntry{GID: 1, SID: 5000001, Key: "10.0.0.1", Count: 3, Last: time.Unix(1700000000, 0).UTC(), Window: time.Minute}
	data, err := Encode(entry)
	require.NoError(t, err)
	require.NoError(t, cache.Client().HSet(ctx, key, "f", data).Err())

	raw, err := cache.Client().HGet(ctx, key, "f").Bytes()
	require.NoError(t, err)
	var got RateEntry
	require.NoError(t, Decode(raw, &got))
	assert.Equal(t, entry.GID, got.GID)
	assert.Equal(t, entry.SID, got.SID)
	assert.Equal(t, entry.Count, got.Count)
	assert.True(t, entry.Last.Equal(got.Last))
	assert.Equal(t, entry.Window, got.Window)

	assert.Error(t, Decode([]byte{0xc1}, &got))
}

func TestRedisCache_Key(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.Equal(t, "test:xbit:auth_fail", cache.Key("xbit", "auth_fail"))

	bare := NewRedisCache("localhost:0", "", 0, 1, "", zaptest.NewLogger(t).Sugar())
	defer bare.Close()
	assert.Equal(t, "xbit:a", bare.Key("xbit", "a"))
}

func TestRedisCache_WatchIncrements(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	key := cache.Key("counter")

	for i := 0; i < 3; i++ {
		err := cache.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Get(ctx, key).Int()
			if err != nil && err != redis.Nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, n+1, 0)
				return nil
			})
			return err
		}, key)
		require.NoError(t, err)
	}

	v, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestRedisCache_WatchGivesUpOnClosedServer(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	err := cache.Watch(context.Background(), func(tx *redis.Tx) error { return nil }, cache.Key("k"))
	assert.Error(t, err)
}
