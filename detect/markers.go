package detect

import (
	"context"
	"errors"
	"sync"
	"time"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// ErrTableFull is returned when a state table has no free slot even after compaction.
var ErrTableFull = errors.New("state table full")

// MarkerStore holds session markers (xbits) shared by all rules.
type MarkerStore interface {
	// Set creates or refreshes every name of the rule's set directives for src->dst.
	Set(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error
	// Unset deactivates stored markers matching the rule's unset directives.
	Unset(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error
	// Test evaluates the rule's isset/isnotset directives.
	Test(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) (bool, error)
}

// MemoryMarkerStore is a fixed-capacity marker table guarded by one mutex.
type MemoryMarkerStore struct {
	mu       sync.Mutex
	entries  []core.Marker
	capacity int
	stats    *metrics.Stats
	logger   *zap.SugaredLogger
}

// NewMemoryMarkerStore creates a table holding at most capacity markers.
func NewMemoryMarkerStore(capacity int, stats *metrics.Stats, logger *zap.SugaredLogger) *MemoryMarkerStore {
	return &MemoryMarkerStore{
		entries:  make([]core.Marker, 0, capacity),
		capacity: capacity,
		stats:    stats,
		logger:   logger,
	}
}

// sweep deactivates expired markers. Must be called with mu held.
func (s *MemoryMarkerStore) sweep(now time.Time) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.Active && !now.Before(e.Expires) {
			e.Active = false
		}
	}
}

// compactMarkers drops every slot that is not live at now, keeping survivors in order.
func compactMarkers(entries []core.Marker, now time.Time) []core.Marker {
	kept := entries[:0]
	for _, e := range entries {
		if e.Live(now) {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(entries); i++ {
		entries[i] = core.Marker{}
	}
	return kept
}

func (s *MemoryMarkerStore) Set(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	var pending []core.Marker
	for _, d := range rule.Markers {
		if d.Op != core.MarkerSet {
			continue
		}
		for _, name := range d.Expr.Names {
			found := false
			for i := range s.entries {
				e := &s.entries[i]
				if e.Name == name && e.Src == src && e.Dst == dst {
					e.Active = true
					e.SetAt = now
					e.Expires = now.Add(d.Expire)
					found = true
				}
			}
			if found {
				continue
			}
			queued := false
			for i := range pending {
				if pending[i].Name == name {
					pending[i].Expires = now.Add(d.Expire)
					queued = true
				}
			}
			if !queued {
				pending = append(pending, core.Marker{
					Name: name, Src: src, Dst: dst,
					Active: true, SetAt: now, Expires: now.Add(d.Expire),
				})
			}
		}
	}
	if len(pending) == 0 {
		return nil
	}

	s.entries = compactMarkers(s.entries, now)
	var err error
	for _, m := range pending {
		if len(s.entries) >= s.capacity {
			s.dropped(rule, m.Name)
			err = ErrTableFull
			continue
		}
		s.entries = append(s.entries, m)
		s.logger.Debugw("Marker created", "name", m.Name, "src", src, "dst", dst, "expires", m.Expires)
	}
	metrics.StateTableSize.WithLabelValues("markers").Set(float64(len(s.entries)))
	return err
}

func (s *MemoryMarkerStore) dropped(rule *core.Rule, name string) {
	if s.stats != nil {
		s.stats.Dropped.Add(1)
	}
	metrics.StateTableDropped.WithLabelValues("markers").Inc()
	s.logger.Warnw("Marker table full, marker dropped", "sid", rule.SID, "name", name, "capacity", s.capacity)
}

func (s *MemoryMarkerStore) Unset(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	for _, d := range rule.Markers {
		if d.Op != core.MarkerUnset {
			continue
		}
		for _, name := range d.Expr.Names {
			hit := false
			for i := range s.entries {
				e := &s.entries[i]
				if e.Name == name && e.Active && d.Direction.Matches(e.Src, e.Dst, src, dst) {
					e.Active = false
					hit = true
				}
			}
			if !hit {
				s.logger.Debugw("Unset found no marker", "sid", rule.SID, "name", name, "direction", d.Direction.String())
			}
		}
	}
	return nil
}

func (s *MemoryMarkerStore) Test(ctx context.Context, rule *core.Rule, src, dst string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	return evalConditions(rule, func(name string, dir core.Direction) bool {
		for i := range s.entries {
			e := &s.entries[i]
			if e.Name == name && e.Live(now) && dir.Matches(e.Src, e.Dst, src, dst) {
				return true
			}
		}
		return false
	}), nil
}

// Len returns the number of occupied slots.
func (s *MemoryMarkerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evalConditions applies the isset/isnotset directives of rule. active reports whether a live marker named name satisfies dir.
func evalConditions(rule *core.Rule, active func(name string, dir core.Direction) bool) bool {
	want := 0
	got := 0
	for _, d := range rule.Markers {
		if !d.Op.IsCondition() {
			continue
		}
		want++

		holds := func(name string) bool {
			set := active(name, d.Direction)
			if d.Op == core.MarkerIsSet {
				return set
			}
			return !set
		}

		ok := d.Expr.Op == core.ExprAnd
		for _, name := range d.Expr.Names {
			h := holds(name)
			if d.Expr.Op == core.ExprAnd && !h {
				ok = false
				break
			}
			if d.Expr.Op == core.ExprOr && h {
				ok = true
				break
			}
		}
		if ok {
			got++
		}
	}
	return got == want
}
