package detect

import (
	"context"
	"testing"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func mustExpr(t *testing.T, s string) core.MarkerExpr {
	t.Helper()
	expr, err := core.ParseMarkerExpr(s)
	require.NoError(t, err)
	return expr
}

func markerRule(t *testing.T, sid uint64, op core.MarkerOp, names string, dir core.Direction, expire time.Duration) *core.Rule {
	t.Helper()
	return &core.Rule{
		SID: sid,
		GID: 1,
		Markers: []core.MarkerDirective{{
			Op:        op,
			Expr:      mustExpr(t, names),
			Direction: dir,
			Expire:    expire,
		}},
	}
}

func newTestMarkerStore(t *testing.T, capacity int) (*MemoryMarkerStore, *metrics.Stats) {
	stats := metrics.NewStats(t0)
	return NewMemoryMarkerStore(capacity, stats, zaptest.NewLogger(t).Sugar()), stats
}

// markerStoreContract runs the behaviour every MarkerStore must share.
func markerStoreContract(t *testing.T, store MarkerStore) {
	ctx := context.Background()
	const a, b, c = "10.0.0.1", "10.0.0.2", "10.0.0.3"

	set := markerRule(t, 1, core.MarkerSet, "auth_fail", core.DirectionNone, 30*time.Second)
	require.NoError(t, store.Set(ctx, set, a, b, t0))

	t.Run("both requires the exact pair", func(t *testing.T) {
		rule := markerRule(t, 2, core.MarkerIsSet, "auth_fail", core.DirectionBoth, 0)
		ok, err := store.Test(ctx, rule, a, b, t0.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Test(ctx, rule, a, c, t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("reverse requires the swapped pair", func(t *testing.T) {
		rule := markerRule(t, 3, core.MarkerIsSet, "auth_fail", core.DirectionReverse, 0)
		ok, err := store.Test(ctx, rule, b, a, t0.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Test(ctx, rule, a, b, t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("by_src and by_dst", func(t *testing.T) {
		bySrc := markerRule(t, 4, core.MarkerIsSet, "auth_fail", core.DirectionBySrc, 0)
		ok, _ := store.Test(ctx, bySrc, a, c, t0.Add(time.Second))
		assert.True(t, ok)

		byDst := markerRule(t, 5, core.MarkerIsSet, "auth_fail", core.DirectionByDst, 0)
		ok, _ = store.Test(ctx, byDst, c, b, t0.Add(time.Second))
		assert.True(t, ok)
		ok, _ = store.Test(ctx, byDst, a, c, t0.Add(time.Second))
		assert.False(t, ok)
	})

	t.Run("isnotset holds for an absent name", func(t *testing.T) {
		rule := markerRule(t, 6, core.MarkerIsNotSet, "never_set", core.DirectionNone, 0)
		ok, err := store.Test(ctx, rule, a, b, t0.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		rule = markerRule(t, 7, core.MarkerIsNotSet, "auth_fail", core.DirectionBySrc, 0)
		ok, err = store.Test(ctx, rule, a, b, t0.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("and/or expressions", func(t *testing.T) {
		and := markerRule(t, 8, core.MarkerIsSet, "auth_fail&other", core.DirectionNone, 0)
		ok, _ := store.Test(ctx, and, a, b, t0.Add(time.Second))
		assert.False(t, ok)

		or := markerRule(t, 9, core.MarkerIsSet, "other|auth_fail", core.DirectionNone, 0)
		ok, _ = store.Test(ctx, or, a, b, t0.Add(time.Second))
		assert.True(t, ok)
	})

	t.Run("expired markers do not hold", func(t *testing.T) {
		rule := markerRule(t, 10, core.MarkerIsSet, "auth_fail", core.DirectionNone, 0)
		ok, err := store.Test(ctx, rule, a, b, t0.Add(40*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set refreshes expiry", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, set, a, b, t0.Add(50*time.Second)))
		rule := markerRule(t, 11, core.MarkerIsSet, "auth_fail", core.DirectionBoth, 0)
		ok, _ := store.Test(ctx, rule, a, b, t0.Add(70*time.Second))
		assert.True(t, ok)
	})

	t.Run("unset by direction", func(t *testing.T) {
		unset := markerRule(t, 12, core.MarkerUnset, "auth_fail", core.DirectionBySrc, 0)
		require.NoError(t, store.Unset(ctx, unset, a, c, t0.Add(71*time.Second)))

		rule := markerRule(t, 13, core.MarkerIsSet, "auth_fail", core.DirectionNone, 0)
		ok, _ := store.Test(ctx, rule, a, b, t0.Add(72*time.Second))
		assert.False(t, ok)

		// unset with nothing to match is not an error
		require.NoError(t, store.Unset(ctx, unset, c, c, t0.Add(73*time.Second)))
	})
}

func TestMemoryMarkerStore_Contract(t *testing.T) {
	store, _ := newTestMarkerStore(t, 100)
	markerStoreContract(t, store)
}

func TestMemoryMarkerStore_MultipleConditions(t *testing.T) {
	store, _ := newTestMarkerStore(t, 100)
	ctx := context.Background()

	set := markerRule(t, 1, core.MarkerSet, "recon&login", core.DirectionNone, time.Minute)
	require.NoError(t, store.Set(ctx, set, "10.0.0.1", "10.0.0.2", t0))
	assert.Equal(t, 2, store.Len())

	rule := &core.Rule{SID: 2, Markers: []core.MarkerDirective{
		{Op: core.MarkerIsSet, Expr: mustExpr(t, "recon&login"), Direction: core.DirectionBySrc},
		{Op: core.MarkerIsNotSet, Expr: mustExpr(t, "blocked"), Direction: core.DirectionBySrc},
	}}
	ok, err := store.Test(ctx, rule, "10.0.0.1", "10.0.0.9", t0.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, ok)

	// every condition directive must hold
	require.NoError(t, store.Set(ctx, markerRule(t, 3, core.MarkerSet, "blocked", core.DirectionNone, time.Minute), "10.0.0.1", "x", t0))
	ok, err = store.Test(ctx, rule, "10.0.0.1", "10.0.0.9", t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryMarkerStore_TableFull(t *testing.T) {
	store, stats := newTestMarkerStore(t, 2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, markerRule(t, 1, core.MarkerSet, "m1", core.DirectionNone, 10*time.Second), "a", "b", t0))
	require.NoError(t, store.Set(ctx, markerRule(t, 2, core.MarkerSet, "m2", core.DirectionNone, 10*time.Second), "a", "b", t0))

	err := store.Set(ctx, markerRule(t, 3, core.MarkerSet, "m3", core.DirectionNone, 10*time.Second), "a", "b", t0)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, uint64(1), stats.Dropped.Load())
	assert.Equal(t, 2, store.Len())

	// updating an existing marker never needs a free slot
	require.NoError(t, store.Set(ctx, markerRule(t, 1, core.MarkerSet, "m1", core.DirectionNone, 10*time.Second), "a", "b", t0.Add(time.Second)))

	// once the others expire, compaction frees their slots
	require.NoError(t, store.Set(ctx, markerRule(t, 3, core.MarkerSet, "m3", core.DirectionNone, 10*time.Second), "a", "b", t0.Add(10500*time.Millisecond)))
	assert.Equal(t, 2, store.Len())
}

func TestMemoryMarkerStore_RepeatedNameOneSlot(t *testing.T) {
	store, stats := newTestMarkerStore(t, 2)
	ctx := context.Background()

	rule := markerRule(t, 1, core.MarkerSet, "m1", core.DirectionNone, 10*time.Second)
	rule.Markers = append(rule.Markers, core.MarkerDirective{
		Op: core.MarkerSet, Expr: mustExpr(t, "m1&m2"), Expire: 30 * time.Second,
	})
	require.NoError(t, store.Set(ctx, rule, "a", "b", t0))
	assert.Equal(t, 2, store.Len())
	assert.Zero(t, stats.Dropped.Load())

	// the later directive's expiry applies to the shared name
	ok, err := store.Test(ctx, markerRule(t, 2, core.MarkerIsSet, "m1", core.DirectionBoth, 0), "a", "b", t0.Add(20*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompactMarkers(t *testing.T) {
	now := t0.Add(time.Minute)
	entries := []core.Marker{
		{Name: "a", Active: true, Expires: now.Add(time.Second)},
		{Name: "b", Active: true, Expires: now.Add(-time.Second)},
		{Name: "c", Active: true, Expires: now.Add(time.Hour)},
		{Name: "d", Active: false, Expires: now.Add(time.Hour)},
		{Name: "e", Active: true, Expires: now.Add(2 * time.Second)},
	}
	want := []core.Marker{entries[0], entries[2], entries[4]}

	got := compactMarkers(entries, now)
	assert.Equal(t, want, got)
}
