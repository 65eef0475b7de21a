package detect

import (
	"context"
	"errors"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"logcorr/core"
	"logcorr/metrics"
	"logcorr/threat"
)

// ErrLookupUnavailable is returned by a gate whose collaborator is not configured.
var ErrLookupUnavailable = errors.New("lookup collaborator not configured")

// GateInput is what a gate sees for one matched rule.
type GateInput struct {
	Rule    *core.Rule
	Event   *core.Event
	Derived *core.Derived
	Now     time.Time
}

// Gate is an independent predicate evaluated after a rule matched. Gates that
// do not apply to a rule pass.
type Gate interface {
	Name() string
	Check(ctx context.Context, in *GateInput) (bool, error)
}

// CountryLookup resolves an address to an ISO country code ("" if unknown).
type CountryLookup interface {
	Country(ip string) (string, error)
}

// AddressList reports membership of an address.
type AddressList interface {
	Contains(ip string) bool
}

type flowGate struct {
	stats *metrics.Stats
}

func (g *flowGate) Name() string { return "flow" }

func (g *flowGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	flow := in.Rule.Flow
	if flow == nil {
		return true, nil
	}
	g.stats.FlowTotal.Add(1)
	if addrIn(flow.Src, in.Derived.SrcIP) && addrIn(flow.Dst, in.Derived.DstIP) {
		return true, nil
	}
	g.stats.FlowDropped.Add(1)
	return false, nil
}

// addrIn applies a flow list: no negated entry may contain ip, and when the
// list has positive entries one of them must.
func addrIn(list []core.AddrMatch, ip string) bool {
	if len(list) == 0 {
		return true
	}
	a, err := netip.ParseAddr(ip)
	valid := err == nil
	if valid {
		a = a.Unmap()
	}

	positives := 0
	hit := false
	for _, m := range list {
		contains := valid && m.Prefix.Contains(a)
		if m.Negate {
			if contains {
				return false
			}
			continue
		}
		positives++
		if contains {
			hit = true
		}
	}
	return positives == 0 || hit
}

type markerGate struct {
	markers MarkerStore
}

func (g *markerGate) Name() string { return "xbit" }

func (g *markerGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	if in.Rule.ConditionCount() == 0 {
		return true, nil
	}
	return g.markers.Test(ctx, in.Rule, in.Derived.SrcIP, in.Derived.DstIP, in.Now)
}

type geoIPGate struct {
	lookup CountryLookup
	stats  *metrics.Stats
}

func (g *geoIPGate) Name() string { return "geoip" }

func (g *geoIPGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	spec := in.Rule.GeoIP
	if spec == nil {
		return true, nil
	}
	if g.lookup == nil {
		return false, ErrLookupUnavailable
	}
	ip := in.Derived.SrcIP
	if spec.UseDst {
		ip = in.Derived.DstIP
	}

	g.stats.GeoIPLookups.Add(1)
	country, err := g.lookup.Country(ip)
	if err != nil {
		return false, err
	}
	if country == "" {
		g.stats.GeoIPMisses.Add(1)
		return false, nil
	}
	g.stats.GeoIPHits.Add(1)

	listed := false
	for _, c := range spec.Countries {
		if strings.EqualFold(c, country) {
			listed = true
			break
		}
	}
	return listed != spec.Negate, nil
}

type alertTimeGate struct {
	loc *time.Location
}

func (g *alertTimeGate) Name() string { return "alert_time" }

func (g *alertTimeGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	spec := in.Rule.AlertTime
	if spec == nil {
		return true, nil
	}
	t := in.Now
	if g.loc != nil {
		t = t.In(g.loc)
	}
	if !spec.Days[int(t.Weekday())] {
		return false, nil
	}
	return inTimeWindow(t.Hour()*60+t.Minute(), spec.Start, spec.End), nil
}

// inTimeWindow reports whether minute m lies in [start, end]; start > end wraps midnight.
func inTimeWindow(m, start, end int) bool {
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

// targetIPs expands an IP target into the addresses to inspect.
func targetIPs(target core.IPTarget, in *GateInput) []string {
	switch target {
	case core.IPTargetSrc:
		return []string{in.Derived.SrcIP}
	case core.IPTargetDst:
		return []string{in.Derived.DstIP}
	case core.IPTargetBoth:
		return []string{in.Derived.SrcIP, in.Derived.DstIP}
	case core.IPTargetAll:
		return ParseAllIPs(in.Event.Message)
	}
	return nil
}

type blacklistGate struct {
	list  AddressList
	stats *metrics.Stats
}

func (g *blacklistGate) Name() string { return "blacklist" }

func (g *blacklistGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	spec := in.Rule.Blacklist
	if spec == nil {
		return true, nil
	}
	if g.list == nil {
		return false, ErrLookupUnavailable
	}
	for _, ip := range targetIPs(spec.Target, in) {
		if ip == "" {
			continue
		}
		g.stats.BlacklistLookups.Add(1)
		if g.list.Contains(ip) {
			g.stats.BlacklistHits.Add(1)
			return true, nil
		}
	}
	return false, nil
}

type indicator struct {
	value string
	kind  threat.IOCType
}

// feedGate asks a threat feed about the rule's indicators and passes on the
// first malicious verdict carrying one of the wanted categories.
type feedGate struct {
	name    string
	feed    threat.ThreatFeed
	timeout time.Duration
	counter func(kind string) *metrics.KindCounters
	spec    func(rule *core.Rule) (indicators func(in *GateInput) []indicator, categories []string)
}

func (g *feedGate) Name() string { return g.name }

func (g *feedGate) Check(ctx context.Context, in *GateInput) (bool, error) {
	indicators, categories := g.spec(in.Rule)
	if indicators == nil {
		return true, nil
	}
	if g.feed == nil {
		return false, ErrLookupUnavailable
	}

	var firstErr error
	for _, ind := range indicators(in) {
		if ind.value == "" {
			continue
		}
		c := g.counter(string(ind.kind))
		if c != nil {
			c.Lookups.Add(1)
		}

		intel, cached, err := g.lookup(ctx, ind)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if cached && c != nil {
			c.CacheHits.Add(1)
		}
		if intel != nil && intel.IsMalicious && intel.HasAnyTag(categories) {
			if c != nil {
				c.Positive.Add(1)
			}
			return true, nil
		}
	}
	return false, firstErr
}

func (g *feedGate) lookup(ctx context.Context, ind indicator) (*threat.ThreatIntel, bool, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	if cf, ok := g.feed.(threat.CachingFeed); ok {
		return cf.Lookup(ctx, ind.value, ind.kind)
	}
	intel, err := g.feed.CheckIOC(ctx, ind.value, ind.kind)
	return intel, false, err
}

func ipIndicators(target core.IPTarget, in *GateInput) []indicator {
	var out []indicator
	for _, ip := range targetIPs(target, in) {
		out = append(out, indicator{value: ip, kind: threat.IOCTypeIP})
	}
	return out
}

func hashIndicators(d *core.Derived) []indicator {
	var out []indicator
	for _, h := range []string{d.SHA256, d.SHA1, d.MD5} {
		if h != "" {
			out = append(out, indicator{value: h, kind: threat.IOCTypeHash})
		}
	}
	return out
}

func newReputationGate(feed threat.ThreatFeed, timeout time.Duration, stats *metrics.Stats) *feedGate {
	return &feedGate{
		name:    "reputation",
		feed:    feed,
		timeout: timeout,
		counter: stats.ReputationKind,
		spec: func(rule *core.Rule) (func(in *GateInput) []indicator, []string) {
			spec := rule.Reputation
			if spec == nil {
				return nil, nil
			}
			return func(in *GateInput) []indicator {
				out := ipIndicators(spec.IP, in)
				if spec.Hash {
					out = append(out, hashIndicators(in.Derived)...)
				}
				if spec.URL {
					out = append(out, indicator{value: in.Derived.URI, kind: threat.IOCTypeURL})
				}
				if spec.Filename {
					out = append(out, indicator{value: in.Derived.Filename, kind: threat.IOCTypeFilename})
				}
				return out
			}, spec.Categories
		},
	}
}

func newIntelGate(feed threat.ThreatFeed, timeout time.Duration, stats *metrics.Stats) *feedGate {
	return &feedGate{
		name:    "intel",
		feed:    feed,
		timeout: timeout,
		counter: stats.IntelKind,
		spec: func(rule *core.Rule) (func(in *GateInput) []indicator, []string) {
			spec := rule.Intel
			if spec == nil {
				return nil, nil
			}
			return func(in *GateInput) []indicator {
				out := ipIndicators(spec.IP, in)
				if spec.Domain {
					for _, d := range domainCandidates(in) {
						out = append(out, indicator{value: d, kind: threat.IOCTypeDomain})
					}
				}
				if spec.Hash {
					out = append(out, hashIndicators(in.Derived)...)
				}
				if spec.URL {
					out = append(out, indicator{value: in.Derived.URI, kind: threat.IOCTypeURL})
				}
				if spec.Username {
					out = append(out, indicator{value: in.Derived.Username, kind: threat.IOCTypeUsername})
				}
				if spec.Filename {
					out = append(out, indicator{value: in.Derived.Filename, kind: threat.IOCTypeFilename})
				}
				return out
			}, nil
		},
	}
}

// maxDomainCandidates bounds the tokens tried as domains per event.
const maxDomainCandidates = 16

// domainCandidates returns the URI host plus dotted, non-address tokens of the message.
func domainCandidates(in *GateInput) []string {
	var out []string
	if in.Derived.URI != "" {
		if u, err := url.Parse(in.Derived.URI); err == nil && u.Hostname() != "" {
			out = append(out, u.Hostname())
		}
	}
	for _, tok := range tokenize(in.Event.Message) {
		if len(out) >= maxDomainCandidates {
			break
		}
		tok = strings.Trim(tok, ".:")
		if !strings.Contains(tok, ".") {
			continue
		}
		if _, _, isAddr := parseAddrToken(tok); isAddr {
			continue
		}
		if looksLikeDomain(tok) {
			out = append(out, strings.ToLower(tok))
		}
	}
	return out
}

func looksLikeDomain(s string) bool {
	letters := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			letters = true
		case c >= '0' && c <= '9', c == '-', c == '.':
		default:
			return false
		}
	}
	return letters
}
