package detect

import (
	"context"
	"strconv"
	"sync"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// Rate-control policies. Each keeps its own counters so a rule may use both.
const (
	PolicyAfter     = "after"
	PolicyThreshold = "threshold"
)

// RateKey identifies one windowed counter.
type RateKey struct {
	Track  core.TrackBy
	Policy string
	GID    uint64
	SID    uint64
	Value  string
}

// RateStore records observations in windowed counters.
type RateStore interface {
	// Record counts one observation of key at now and returns the count within
	// the window. A full table returns ErrTableFull.
	Record(ctx context.Context, key RateKey, window time.Duration, now time.Time) (int, error)
}

// TrackValue extracts the key a track dimension uses from derived fields.
func TrackValue(track core.TrackBy, d *core.Derived) string {
	switch track {
	case core.TrackBySrc:
		return d.SrcIP
	case core.TrackByDst:
		return d.DstIP
	case core.TrackBySrcPort:
		return strconv.Itoa(d.SrcPort)
	case core.TrackByDstPort:
		return strconv.Itoa(d.DstPort)
	case core.TrackByUsername:
		return d.Username
	}
	return ""
}

type rateTable struct {
	name     string
	mu       sync.Mutex
	entries  []core.RateEntry
	capacity int
}

// MemoryRateStore keeps one fixed-capacity table per track dimension, each
// with its own lock.
type MemoryRateStore struct {
	tables map[core.TrackBy]*rateTable
	stats  *metrics.Stats
	logger *zap.SugaredLogger
}

// NewMemoryRateStore creates the five tables, each holding at most capacity entries.
func NewMemoryRateStore(capacity int, stats *metrics.Stats, logger *zap.SugaredLogger) *MemoryRateStore {
	s := &MemoryRateStore{
		tables: make(map[core.TrackBy]*rateTable, len(core.TrackDimensions)),
		stats:  stats,
		logger: logger,
	}
	for _, t := range core.TrackDimensions {
		s.tables[t] = &rateTable{
			name:     t.String(),
			entries:  make([]core.RateEntry, 0, capacity),
			capacity: capacity,
		}
	}
	return s
}

// compactRates drops stale slots, keeping survivors in order.
func compactRates(entries []core.RateEntry, now time.Time) []core.RateEntry {
	kept := entries[:0]
	for _, e := range entries {
		if !e.Stale(now) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = core.RateEntry{}
	}
	return kept
}

func (s *MemoryRateStore) Record(ctx context.Context, key RateKey, window time.Duration, now time.Time) (int, error) {
	t := s.tables[key.Track]

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.SID == key.SID && e.GID == key.GID && e.Policy == key.Policy && e.Key == key.Value {
			e.Window = window
			return e.Touch(now), nil
		}
	}

	t.entries = compactRates(t.entries, now)
	if len(t.entries) >= t.capacity {
		if s.stats != nil {
			s.stats.Dropped.Add(1)
		}
		metrics.StateTableDropped.WithLabelValues(t.name).Inc()
		s.logger.Warnw("Rate table full, entry dropped",
			"table", t.name, "gid", key.GID, "sid", key.SID, "policy", key.Policy, "key", key.Value, "capacity", t.capacity)
		return 0, ErrTableFull
	}
	t.entries = append(t.entries, core.RateEntry{
		GID:    key.GID,
		SID:    key.SID,
		Policy: key.Policy,
		Key:    key.Value,
		Count:  1,
		Last:   now,
		Window: window,
	})
	metrics.StateTableSize.WithLabelValues(t.name).Set(float64(len(t.entries)))
	return 1, nil
}

// Len returns the number of occupied slots of one table.
func (s *MemoryRateStore) Len(track core.TrackBy) int {
	t := s.tables[track]
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
