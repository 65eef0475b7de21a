package detect

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"logcorr/core"
	"logcorr/metrics"
	"logcorr/threat"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateInput(rule *core.Rule, src, dst, msg string) *GateInput {
	return &GateInput{
		Rule:    rule,
		Event:   &core.Event{Message: msg},
		Derived: &core.Derived{SrcIP: src, DstIP: dst},
		Now:     t0,
	}
}

func addr(s string) core.AddrMatch {
	neg := s[0] == '!'
	if neg {
		s = s[1:]
	}
	return core.AddrMatch{Prefix: netip.MustParsePrefix(s), Negate: neg}
}

func TestFlowGate(t *testing.T) {
	stats := metrics.NewStats(t0)
	g := &flowGate{stats: stats}
	rule := &core.Rule{Flow: &core.FlowSpec{
		Src: []core.AddrMatch{addr("10.0.0.0/8"), addr("!10.0.0.5/32")},
		Dst: []core.AddrMatch{addr("!192.168.0.0/16")},
	}}

	ok, err := g.Check(context.Background(), gateInput(rule, "10.1.2.3", "8.8.8.8", ""))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = g.Check(context.Background(), gateInput(rule, "10.0.0.5", "8.8.8.8", ""))
	assert.False(t, ok, "negated source entry")

	ok, _ = g.Check(context.Background(), gateInput(rule, "172.16.0.1", "8.8.8.8", ""))
	assert.False(t, ok, "source outside every positive entry")

	ok, _ = g.Check(context.Background(), gateInput(rule, "10.1.2.3", "192.168.1.1", ""))
	assert.False(t, ok, "negated destination")

	assert.Equal(t, uint64(4), stats.FlowTotal.Load())
	assert.Equal(t, uint64(3), stats.FlowDropped.Load())

	ok, _ = g.Check(context.Background(), gateInput(&core.Rule{}, "x", "y", ""))
	assert.True(t, ok, "rules without flow pass")
	assert.Equal(t, uint64(4), stats.FlowTotal.Load())
}

type staticCountries map[string]string

func (s staticCountries) Country(ip string) (string, error) {
	if ip == "error" {
		return "", errors.New("lookup failed")
	}
	return s[ip], nil
}

func TestGeoIPGate(t *testing.T) {
	stats := metrics.NewStats(t0)
	g := &geoIPGate{lookup: staticCountries{"203.0.113.1": "CN", "198.51.100.1": "US"}, stats: stats}

	is := &core.Rule{GeoIP: &core.GeoIPSpec{Countries: []string{"CN", "RU"}}}
	isnot := &core.Rule{GeoIP: &core.GeoIPSpec{UseDst: true, Negate: true, Countries: []string{"US"}}}

	ok, _ := g.Check(context.Background(), gateInput(is, "203.0.113.1", "", ""))
	assert.True(t, ok)
	ok, _ = g.Check(context.Background(), gateInput(is, "198.51.100.1", "", ""))
	assert.False(t, ok)

	ok, _ = g.Check(context.Background(), gateInput(isnot, "", "203.0.113.1", ""))
	assert.True(t, ok)
	ok, _ = g.Check(context.Background(), gateInput(isnot, "", "198.51.100.1", ""))
	assert.False(t, ok)

	// unknown country fails both forms
	ok, _ = g.Check(context.Background(), gateInput(is, "10.0.0.1", "", ""))
	assert.False(t, ok)
	ok, _ = g.Check(context.Background(), gateInput(isnot, "", "10.0.0.1", ""))
	assert.False(t, ok)

	_, err := g.Check(context.Background(), gateInput(is, "error", "", ""))
	assert.Error(t, err)

	assert.Equal(t, uint64(7), stats.GeoIPLookups.Load())
	assert.Equal(t, uint64(4), stats.GeoIPHits.Load())
	assert.Equal(t, uint64(2), stats.GeoIPMisses.Load())

	_, err = (&geoIPGate{stats: stats}).Check(context.Background(), gateInput(is, "1.1.1.1", "", ""))
	assert.ErrorIs(t, err, ErrLookupUnavailable)
}

func TestAlertTimeGate(t *testing.T) {
	g := &alertTimeGate{loc: time.UTC}
	// Monday 2026-03-02
	monday := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	office := &core.AlertTimeSpec{Start: 8 * 60, End: 17 * 60}
	office.Days[time.Monday] = true
	night := &core.AlertTimeSpec{Start: 22 * 60, End: 6 * 60}
	night.Days[time.Monday] = true

	check := func(spec *core.AlertTimeSpec, at time.Time) bool {
		in := gateInput(&core.Rule{AlertTime: spec}, "", "", "")
		in.Now = at
		ok, err := g.Check(context.Background(), in)
		require.NoError(t, err)
		return ok
	}

	assert.True(t, check(office, monday(8, 0)))
	assert.True(t, check(office, monday(17, 0)))
	assert.False(t, check(office, monday(17, 1)))
	assert.False(t, check(office, monday(7, 59)))
	assert.False(t, check(office, monday(12, 0).AddDate(0, 0, 1)), "tuesday not selected")

	assert.True(t, check(night, monday(23, 30)))
	assert.True(t, check(night, monday(5, 0)))
	assert.False(t, check(night, monday(12, 0)))
}

type staticList map[string]bool

func (s staticList) Contains(ip string) bool { return s[ip] }

func TestBlacklistGate(t *testing.T) {
	stats := metrics.NewStats(t0)
	g := &blacklistGate{list: staticList{"203.0.113.9": true}, stats: stats}

	bySrc := &core.Rule{Blacklist: &core.BlacklistSpec{Target: core.IPTargetSrc}}
	both := &core.Rule{Blacklist: &core.BlacklistSpec{Target: core.IPTargetBoth}}
	all := &core.Rule{Blacklist: &core.BlacklistSpec{Target: core.IPTargetAll}}

	ok, _ := g.Check(context.Background(), gateInput(bySrc, "10.0.0.1", "203.0.113.9", ""))
	assert.False(t, ok)
	ok, _ = g.Check(context.Background(), gateInput(both, "10.0.0.1", "203.0.113.9", ""))
	assert.True(t, ok)
	ok, _ = g.Check(context.Background(), gateInput(all, "10.0.0.1", "10.0.0.2", "relay via 203.0.113.9 denied"))
	assert.True(t, ok)

	assert.Equal(t, uint64(2), stats.BlacklistHits.Load())
	assert.Equal(t, uint64(4), stats.BlacklistLookups.Load())
}

type scriptedFeed struct {
	bad   map[string][]string
	fail  bool
	calls int
}

func (f *scriptedFeed) Name() string { return "scripted" }

func (f *scriptedFeed) CheckIOC(ctx context.Context, value string, iocType threat.IOCType) (*threat.ThreatIntel, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("service unavailable")
	}
	tags, bad := f.bad[value]
	return &threat.ThreatIntel{IOC: value, Type: iocType, IsMalicious: bad, Tags: tags}, nil
}

func TestReputationGate(t *testing.T) {
	stats := metrics.NewStats(t0)
	feed := &scriptedFeed{bad: map[string][]string{
		"203.0.113.9": {"Scanner"},
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855": {"malware"},
	}}
	g := newReputationGate(threat.NewCachedFeed(feed, 100, time.Minute), time.Second, stats)

	rule := &core.Rule{Reputation: &core.ReputationSpec{IP: core.IPTargetSrc, Categories: []string{"scanner"}}}
	ok, err := g.Check(context.Background(), gateInput(rule, "203.0.113.9", "", ""))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Check(context.Background(), gateInput(rule, "203.0.113.9", "", ""))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, feed.calls, "second lookup served from cache")

	ip := stats.ReputationKind("ip")
	assert.Equal(t, uint64(2), ip.Lookups.Load())
	assert.Equal(t, uint64(1), ip.CacheHits.Load())
	assert.Equal(t, uint64(2), ip.Positive.Load())

	wrongCategory := &core.Rule{Reputation: &core.ReputationSpec{IP: core.IPTargetSrc, Categories: []string{"tor"}}}
	ok, _ = g.Check(context.Background(), gateInput(wrongCategory, "203.0.113.9", "", ""))
	assert.False(t, ok)

	hashRule := &core.Rule{Reputation: &core.ReputationSpec{Hash: true}}
	in := gateInput(hashRule, "", "", "")
	in.Derived.SHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	ok, _ = g.Check(context.Background(), in)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), stats.ReputationKind("hash").Positive.Load())
}

func TestReputationGate_Errors(t *testing.T) {
	stats := metrics.NewStats(t0)
	rule := &core.Rule{Reputation: &core.ReputationSpec{IP: core.IPTargetSrc}}

	g := newReputationGate(&scriptedFeed{fail: true}, time.Second, stats)
	ok, err := g.Check(context.Background(), gateInput(rule, "203.0.113.9", "", ""))
	assert.False(t, ok)
	assert.Error(t, err)

	g = newReputationGate(nil, time.Second, stats)
	_, err = g.Check(context.Background(), gateInput(rule, "203.0.113.9", "", ""))
	assert.ErrorIs(t, err, ErrLookupUnavailable)

	ok, err = g.Check(context.Background(), gateInput(&core.Rule{}, "203.0.113.9", "", ""))
	require.NoError(t, err)
	assert.True(t, ok, "rules without reputation pass even when no feed is configured")
}

func TestIntelGate(t *testing.T) {
	stats := metrics.NewStats(t0)
	feed := &scriptedFeed{bad: map[string][]string{"evil.example.com": nil, "mallory": nil}}
	g := newIntelGate(feed, time.Second, stats)

	domain := &core.Rule{Intel: &core.IntelSpec{Domain: true}}
	ok, err := g.Check(context.Background(), gateInput(domain, "", "", "dns query for EVIL.example.com from 10.0.0.1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), stats.IntelKind("domain").Positive.Load())

	user := &core.Rule{Intel: &core.IntelSpec{Username: true}}
	in := gateInput(user, "", "", "")
	in.Derived.Username = "mallory"
	ok, _ = g.Check(context.Background(), in)
	assert.True(t, ok)

	in.Derived.Username = "alice"
	ok, _ = g.Check(context.Background(), in)
	assert.False(t, ok)
}

func TestDomainCandidates(t *testing.T) {
	in := gateInput(nil, "", "", "GET from 10.0.0.1 to cdn.example.org, version 1.2, file report.pdf")
	in.Derived.URI = "https://login.example.net/path"

	got := domainCandidates(in)
	assert.Equal(t, []string{"login.example.net", "cdn.example.org", "report.pdf"}, got)
}

func TestInTimeWindow(t *testing.T) {
	assert.True(t, inTimeWindow(0, 0, 0))
	assert.True(t, inTimeWindow(23*60+59, 22*60, 2*60))
	assert.False(t, inTimeWindow(3*60, 22*60, 2*60))
}
