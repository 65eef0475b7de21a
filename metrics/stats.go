package metrics

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// LookupKinds are the indicator kinds tracked per reputation and intel lookup.
var LookupKinds = []string{"ip", "hash", "url", "filename", "domain", "username"}

// KindCounters tracks one lookup kind.
type KindCounters struct {
	Lookups   atomic.Uint64
	CacheHits atomic.Uint64
	Positive  atomic.Uint64
}

// Stats holds the engine counters. All fields are safe for concurrent use.
type Stats struct {
	started time.Time

	EventsProcessed   atomic.Uint64
	SignaturesMatched atomic.Uint64
	Alerts            atomic.Uint64
	After             atomic.Uint64
	Threshold         atomic.Uint64
	Dropped           atomic.Uint64
	LookupErrors      atomic.Uint64
	RegexTimeouts     atomic.Uint64

	FlowTotal   atomic.Uint64
	FlowDropped atomic.Uint64

	GeoIPLookups atomic.Uint64
	GeoIPHits    atomic.Uint64
	GeoIPMisses  atomic.Uint64

	BlacklistLookups atomic.Uint64
	BlacklistHits    atomic.Uint64

	Reputation map[string]*KindCounters
	Intel      map[string]*KindCounters
}

// NewStats creates zeroed counters with the uptime clock started at now.
func NewStats(now time.Time) *Stats {
	s := &Stats{
		started:    now,
		Reputation: make(map[string]*KindCounters, len(LookupKinds)),
		Intel:      make(map[string]*KindCounters, len(LookupKinds)),
	}
	for _, k := range LookupKinds {
		s.Reputation[k] = &KindCounters{}
		s.Intel[k] = &KindCounters{}
	}
	return s
}

// ReputationKind returns the counters for kind, or nil for an unknown kind.
func (s *Stats) ReputationKind(kind string) *KindCounters {
	return s.Reputation[kind]
}

// IntelKind returns the counters for kind, or nil for an unknown kind.
func (s *Stats) IntelKind(kind string) *KindCounters {
	return s.Intel[kind]
}

// KindSnapshot is a point-in-time copy of KindCounters.
type KindSnapshot struct {
	Lookups   uint64 `json:"lookups"`
	CacheHits uint64 `json:"cache_hits"`
	Positive  uint64 `json:"positive_hits"`
}

// Snapshot is a point-in-time copy of Stats, suitable for JSON output.
type Snapshot struct {
	Uptime            time.Duration `json:"uptime_ns"`
	EventsProcessed   uint64        `json:"events_processed"`
	SignaturesMatched uint64        `json:"signatures_matched"`
	Alerts            uint64        `json:"alerts"`
	After             uint64        `json:"after"`
	Threshold         uint64        `json:"threshold"`
	Dropped           uint64        `json:"dropped"`
	LookupErrors      uint64        `json:"lookup_errors"`
	RegexTimeouts     uint64        `json:"regex_timeouts"`
	FlowTotal         uint64        `json:"follow_flow_total"`
	FlowDropped       uint64        `json:"follow_flow_dropped"`
	GeoIPLookups      uint64        `json:"geoip_lookups"`
	GeoIPHits         uint64        `json:"geoip_hits"`
	GeoIPMisses       uint64        `json:"geoip_misses"`
	BlacklistLookups  uint64        `json:"blacklist_lookups"`
	BlacklistHits     uint64        `json:"blacklist_hits"`

	Reputation map[string]KindSnapshot `json:"reputation"`
	Intel      map[string]KindSnapshot `json:"intel"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		Uptime:            now.Sub(s.started),
		EventsProcessed:   s.EventsProcessed.Load(),
		SignaturesMatched: s.SignaturesMatched.Load(),
		Alerts:            s.Alerts.Load(),
		After:             s.After.Load(),
		Threshold:         s.Threshold.Load(),
		Dropped:           s.Dropped.Load(),
		LookupErrors:      s.LookupErrors.Load(),
		RegexTimeouts:     s.RegexTimeouts.Load(),
		FlowTotal:         s.FlowTotal.Load(),
		FlowDropped:       s.FlowDropped.Load(),
		GeoIPLookups:      s.GeoIPLookups.Load(),
		GeoIPHits:         s.GeoIPHits.Load(),
		GeoIPMisses:       s.GeoIPMisses.Load(),
		BlacklistLookups:  s.BlacklistLookups.Load(),
		BlacklistHits:     s.BlacklistHits.Load(),
		Reputation:        make(map[string]KindSnapshot, len(s.Reputation)),
		Intel:             make(map[string]KindSnapshot, len(s.Intel)),
	}
	for k, c := range s.Reputation {
		snap.Reputation[k] = KindSnapshot{Lookups: c.Lookups.Load(), CacheHits: c.CacheHits.Load(), Positive: c.Positive.Load()}
	}
	for k, c := range s.Intel {
		snap.Intel[k] = KindSnapshot{Lookups: c.Lookups.Load(), CacheHits: c.CacheHits.Load(), Positive: c.Positive.Load()}
	}
	return snap
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

// Report renders the snapshot as the human-readable statistics block.
func (snap Snapshot) Report() []string {
	secs := int64(snap.Uptime / time.Second)
	days := secs / 86400
	hours := (secs % 86400) / 3600
	mins := (secs % 3600) / 60
	rem := secs % 60

	var eps uint64
	if secs > 0 {
		eps = snap.EventsProcessed / uint64(secs)
	}

	lines := []string{
		fmt.Sprintf("Events processed         : %d", snap.EventsProcessed),
		fmt.Sprintf("Signatures matched       : %d (%.3f%%)", snap.SignaturesMatched, percent(snap.SignaturesMatched, snap.EventsProcessed)),
		fmt.Sprintf("Alerts                   : %d (%.3f%%)", snap.Alerts, percent(snap.Alerts, snap.EventsProcessed)),
		fmt.Sprintf("After                    : %d (%.3f%%)", snap.After, percent(snap.After, snap.EventsProcessed)),
		fmt.Sprintf("Threshold                : %d (%.3f%%)", snap.Threshold, percent(snap.Threshold, snap.EventsProcessed)),
		fmt.Sprintf("Dropped                  : %d (%.3f%%)", snap.Dropped, percent(snap.Dropped, snap.EventsProcessed)),
		fmt.Sprintf("Lookup errors            : %d", snap.LookupErrors),
		fmt.Sprintf("Regex timeouts           : %d", snap.RegexTimeouts),
		fmt.Sprintf("GeoIP lookups            : %d", snap.GeoIPLookups),
		fmt.Sprintf("GeoIP hits               : %d (%.3f%%)", snap.GeoIPHits, percent(snap.GeoIPHits, snap.GeoIPLookups)),
		fmt.Sprintf("GeoIP misses             : %d", snap.GeoIPMisses),
		fmt.Sprintf("Blacklist lookups        : %d", snap.BlacklistLookups),
		fmt.Sprintf("Blacklist hits           : %d (%.3f%%)", snap.BlacklistHits, percent(snap.BlacklistHits, snap.BlacklistLookups)),
		fmt.Sprintf("follow_flow Total        : %d", snap.FlowTotal),
		fmt.Sprintf("follow_flow Dropped      : %d (%.3f%%)", snap.FlowDropped, percent(snap.FlowDropped, snap.FlowTotal)),
		fmt.Sprintf("Uptime                   : %d days, %d hours, %d minutes, %d seconds.", days, hours, mins, rem),
		fmt.Sprintf("Avg. events per/second   : %d", eps),
	}
	lines = append(lines, kindLines("Reputation", snap.Reputation)...)
	lines = append(lines, kindLines("Intel", snap.Intel)...)
	return lines
}

func kindLines(label string, kinds map[string]KindSnapshot) []string {
	names := make([]string, 0, len(kinds))
	for k, v := range kinds {
		if v.Lookups == 0 {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var lines []string
	for _, k := range names {
		v := kinds[k]
		lines = append(lines,
			fmt.Sprintf("%s %-8s lookups  : %d", label, k, v.Lookups),
			fmt.Sprintf("%s %-8s cache hits: %d (%.3f%%)", label, k, v.CacheHits, percent(v.CacheHits, v.Lookups)),
			fmt.Sprintf("%s %-8s positive : %d (%.3f%%)", label, k, v.Positive, percent(v.Positive, v.Lookups)),
		)
	}
	return lines
}
