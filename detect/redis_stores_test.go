package detect

import (
	"context"
	"testing"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRedisCache(t *testing.T) (*core.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cache := core.NewRedisCache(mr.Addr(), "", 0, 10, "logcorr-test", zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestRedisMarkerStore_Contract(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	store := NewRedisMarkerStore(cache, 100, metrics.NewStats(t0), zaptest.NewLogger(t).Sugar())
	markerStoreContract(t, store)
}

func TestRedisMarkerStore_LayoutAndTTL(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	store := NewRedisMarkerStore(cache, 100, metrics.NewStats(t0), zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	rule := markerRule(t, 1, core.MarkerSet, "auth_fail", core.DirectionNone, 30*time.Second)
	require.NoError(t, store.Set(ctx, rule, "10.0.0.1", "10.0.0.2", t0))

	key := "logcorr-test:xbit:auth_fail"
	require.True(t, mr.Exists(key))
	fields, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1|10.0.0.2"}, fields)
	assert.Equal(t, 30*time.Second, mr.TTL(key))

	mr.FastForward(31 * time.Second)
	assert.False(t, mr.Exists(key), "the key expires with its markers")
}

func TestRedisMarkerStore_TableFull(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	stats := metrics.NewStats(t0)
	store := NewRedisMarkerStore(cache, 1, stats, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	rule := markerRule(t, 1, core.MarkerSet, "scan", core.DirectionNone, 10*time.Second)
	require.NoError(t, store.Set(ctx, rule, "a", "b", t0))
	err := store.Set(ctx, rule, "c", "d", t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, uint64(1), stats.Dropped.Load())

	// the expired pair is reclaimed on the next insertion
	require.NoError(t, store.Set(ctx, rule, "c", "d", t0.Add(11*time.Second)))
}

func TestRedisMarkerStore_CapacitySpansNames(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	stats := metrics.NewStats(t0)
	store := NewRedisMarkerStore(cache, 2, stats, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, markerRule(t, 1, core.MarkerSet, "m1", core.DirectionNone, 10*time.Second), "a", "b", t0))
	require.NoError(t, store.Set(ctx, markerRule(t, 2, core.MarkerSet, "m2", core.DirectionNone, 20*time.Second), "a", "b", t0))

	err := store.Set(ctx, markerRule(t, 3, core.MarkerSet, "m3", core.DirectionNone, 10*time.Second), "a", "b", t0)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, uint64(1), stats.Dropped.Load())

	// refreshing an existing pair needs no free slot
	require.NoError(t, store.Set(ctx, markerRule(t, 1, core.MarkerSet, "m1", core.DirectionNone, 10*time.Second), "a", "b", t0.Add(time.Second)))

	// m1 expired: its slot is reclaimed for m3
	require.NoError(t, store.Set(ctx, markerRule(t, 3, core.MarkerSet, "m3", core.DirectionNone, 10*time.Second), "a", "b", t0.Add(12*time.Second)))
	names, err := mr.Members("logcorr-test:xbit-names")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, names)
	fields, err := mr.HKeys("logcorr-test:xbit:m1")
	if err == nil {
		assert.Empty(t, fields)
	}
}

func TestRedisRateStore_Contract(t *testing.T) {
	cache, _ := newTestRedisCache(t)
	store := NewRedisRateStore(cache, 100, metrics.NewStats(t0), zaptest.NewLogger(t).Sugar())
	rateStoreContract(t, store)
}

func TestRedisRateStore_TableFull(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	stats := metrics.NewStats(t0)
	store := NewRedisRateStore(cache, 1, stats, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	a := RateKey{Track: core.TrackBySrc, Policy: PolicyThreshold, GID: 1, SID: 7, Value: "a"}
	b := RateKey{Track: core.TrackBySrc, Policy: PolicyThreshold, GID: 1, SID: 7, Value: "b"}

	_, err := store.Record(ctx, a, time.Minute, t0)
	require.NoError(t, err)
	fields, err := mr.HKeys("logcorr-test:rate:by_src")
	require.NoError(t, err)
	assert.Equal(t, []string{"threshold|1|7|a"}, fields)

	_, err = store.Record(ctx, b, time.Minute, t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, uint64(1), stats.Dropped.Load())

	n, err := store.Record(ctx, b, time.Minute, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	fields, err = mr.HKeys("logcorr-test:rate:by_src")
	require.NoError(t, err)
	assert.Equal(t, []string{"threshold|1|7|b"}, fields)
}
