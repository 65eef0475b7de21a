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

func newTestRateStore(t *testing.T, capacity int) (*MemoryRateStore, *metrics.Stats) {
	stats := metrics.NewStats(t0)
	return NewMemoryRateStore(capacity, stats, zaptest.NewLogger(t).Sugar()), stats
}

// rateStoreContract runs the behaviour every RateStore must share.
func rateStoreContract(t *testing.T, store RateStore) {
	ctx := context.Background()
	key := RateKey{Track: core.TrackBySrc, Policy: PolicyThreshold, GID: 1, SID: 5000001, Value: "10.0.0.1"}

	record := func(at time.Duration) int {
		n, err := store.Record(ctx, key, time.Minute, t0.Add(at))
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, 1, record(0))
	assert.Equal(t, 2, record(10*time.Second))
	assert.Equal(t, 3, record(20*time.Second))
	assert.Equal(t, 4, record(30*time.Second))

	// more than a window since the last update: restart at 1 even past any limit
	assert.Equal(t, 1, record(100*time.Second))
	assert.Equal(t, 2, record(110*time.Second))

	// other policy, rule and key values count separately
	other := key
	other.Policy = PolicyAfter
	n, err := store.Record(ctx, other, time.Minute, t0.Add(110*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other = key
	other.SID = 5000002
	n, err = store.Record(ctx, other, time.Minute, t0.Add(110*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// same sid under another generator is another rule
	other = key
	other.GID = 2
	n, err = store.Record(ctx, other, time.Minute, t0.Add(110*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = store.Record(ctx, key, time.Minute, t0.Add(115*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	other = key
	other.Value = "10.0.0.2"
	n, err = store.Record(ctx, other, time.Minute, t0.Add(110*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other = key
	other.Track = core.TrackByUsername
	n, err = store.Record(ctx, other, time.Minute, t0.Add(115*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryRateStore_Contract(t *testing.T) {
	store, _ := newTestRateStore(t, 100)
	rateStoreContract(t, store)
}

func TestMemoryRateStore_TableFull(t *testing.T) {
	store, stats := newTestRateStore(t, 1)
	ctx := context.Background()
	a := RateKey{Track: core.TrackByDst, Policy: PolicyAfter, SID: 1, Value: "a"}
	b := RateKey{Track: core.TrackByDst, Policy: PolicyAfter, SID: 1, Value: "b"}

	n, err := store.Record(ctx, a, time.Minute, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Record(ctx, b, time.Minute, t0.Add(time.Second))
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, uint64(1), stats.Dropped.Load())

	// each dimension has its own table
	_, err = store.Record(ctx, RateKey{Track: core.TrackBySrc, Policy: PolicyAfter, SID: 1, Value: "b"}, time.Minute, t0)
	require.NoError(t, err)

	// a stale entry is reclaimed by the next insertion
	n, err = store.Record(ctx, b, time.Minute, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len(core.TrackByDst))
}

func TestCompactRates(t *testing.T) {
	now := t0.Add(time.Hour)
	entries := []core.RateEntry{
		{SID: 1, Key: "live1", Count: 7, Last: now.Add(-10 * time.Second), Window: time.Minute},
		{SID: 2, Key: "stale", Count: 3, Last: now.Add(-2 * time.Minute), Window: time.Minute},
		{SID: 3, Key: "live2", Count: 1, Last: now, Window: time.Second},
		{SID: 4, Key: "stale2", Count: 9, Last: now.Add(-2 * time.Second), Window: time.Second},
	}
	want := []core.RateEntry{entries[0], entries[2]}

	assert.Equal(t, want, compactRates(entries, now))
}

func TestTrackValue(t *testing.T) {
	d := &core.Derived{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 1234, DstPort: 22, Username: "root"}
	assert.Equal(t, "10.0.0.1", TrackValue(core.TrackBySrc, d))
	assert.Equal(t, "10.0.0.2", TrackValue(core.TrackByDst, d))
	assert.Equal(t, "1234", TrackValue(core.TrackBySrcPort, d))
	assert.Equal(t, "22", TrackValue(core.TrackByDstPort, d))
	assert.Equal(t, "root", TrackValue(core.TrackByUsername, d))
	assert.Equal(t, "", TrackValue(core.TrackByUsername, &core.Derived{}))
}
