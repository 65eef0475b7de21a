package core

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Direction constrains which stored src/dst pairs a marker operation applies to.
type Direction int

const (
	// DirectionNone ignores addresses
	DirectionNone Direction = iota
	// DirectionBoth requires stored src and dst to equal the query pair
	DirectionBoth
	// DirectionBySrc requires the stored src to equal the query src
	DirectionBySrc
	// DirectionByDst requires the stored dst to equal the query dst
	DirectionByDst
	// DirectionReverse requires the stored pair to be the query pair swapped
	DirectionReverse
)

var directionNames = map[string]Direction{
	"none":    DirectionNone,
	"both":    DirectionBoth,
	"by_src":  DirectionBySrc,
	"by_dst":  DirectionByDst,
	"reverse": DirectionReverse,
}

// ParseDirection converts a direction keyword. Unknown keywords are an error.
func ParseDirection(s string) (Direction, error) {
	if s == "" {
		return DirectionNone, nil
	}
	d, ok := directionNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return DirectionNone, fmt.Errorf("unknown direction %q (expected none, both, by_src, by_dst or reverse)", s)
	}
	return d, nil
}

func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "none"
	case DirectionBoth:
		return "both"
	case DirectionBySrc:
		return "by_src"
	case DirectionByDst:
		return "by_dst"
	case DirectionReverse:
		return "reverse"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// Matches reports whether a marker stored for storedSrc->storedDst satisfies
// the direction for a query of src->dst.
func (d Direction) Matches(storedSrc, storedDst, src, dst string) bool {
	switch d {
	case DirectionNone:
		return true
	case DirectionBoth:
		return storedSrc == src && storedDst == dst
	case DirectionBySrc:
		return storedSrc == src
	case DirectionByDst:
		return storedDst == dst
	case DirectionReverse:
		return storedSrc == dst && storedDst == src
	}
	return false
}

// MarkerOp is the operation a marker directive performs.
type MarkerOp string

const (
	MarkerSet      MarkerOp = "set"
	MarkerUnset    MarkerOp = "unset"
	MarkerIsSet    MarkerOp = "isset"
	MarkerIsNotSet MarkerOp = "isnotset"
)

// IsCondition reports whether the op tests marker state rather than changing it.
func (op MarkerOp) IsCondition() bool {
	return op == MarkerIsSet || op == MarkerIsNotSet
}

// ExprOp joins the names of a marker expression.
type ExprOp int

const (
	ExprAnd ExprOp = iota
	ExprOr
)

// MarkerExpr is a marker name list parsed once at load time.
type MarkerExpr struct {
	Op    ExprOp
	Names []string
}

// ParseMarkerExpr parses "a", "a&b&c" or "a|b". Mixing & and | is rejected.
func ParseMarkerExpr(s string) (MarkerExpr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return MarkerExpr{}, fmt.Errorf("empty marker name")
	}
	hasAnd := strings.Contains(s, "&")
	hasOr := strings.Contains(s, "|")
	if hasAnd && hasOr {
		return MarkerExpr{}, fmt.Errorf("marker expression %q mixes '&' and '|'", s)
	}
	expr := MarkerExpr{Op: ExprAnd}
	sep := "&"
	if hasOr {
		expr.Op = ExprOr
		sep = "|"
	}
	for _, name := range strings.Split(s, sep) {
		name = strings.TrimSpace(name)
		if name == "" {
			return MarkerExpr{}, fmt.Errorf("marker expression %q has an empty name", s)
		}
		expr.Names = append(expr.Names, name)
	}
	return expr, nil
}

func (e MarkerExpr) String() string {
	if e.Op == ExprOr {
		return strings.Join(e.Names, "|")
	}
	return strings.Join(e.Names, "&")
}

// MarkerDirective is one xbit operation of a rule.
type MarkerDirective struct {
	Op        MarkerOp
	Expr      MarkerExpr
	Direction Direction
	Expire    time.Duration
}

// TrackBy selects the key dimension of a rate-control directive.
type TrackBy int

const (
	TrackBySrc TrackBy = iota
	TrackByDst
	TrackBySrcPort
	TrackByDstPort
	TrackByUsername
)

// TrackDimensions lists every rate-control dimension.
var TrackDimensions = []TrackBy{TrackBySrc, TrackByDst, TrackBySrcPort, TrackByDstPort, TrackByUsername}

// ParseTrackBy converts a track keyword such as "by_src".
func ParseTrackBy(s string) (TrackBy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "by_src", "src":
		return TrackBySrc, nil
	case "by_dst", "dst":
		return TrackByDst, nil
	case "by_srcport", "by_src_port", "srcport":
		return TrackBySrcPort, nil
	case "by_dstport", "by_dst_port", "dstport":
		return TrackByDstPort, nil
	case "by_username", "username":
		return TrackByUsername, nil
	}
	return TrackBySrc, fmt.Errorf("unknown track %q (expected by_src, by_dst, by_srcport, by_dstport or by_username)", s)
}

func (t TrackBy) String() string {
	switch t {
	case TrackBySrc:
		return "by_src"
	case TrackByDst:
		return "by_dst"
	case TrackBySrcPort:
		return "by_srcport"
	case TrackByDstPort:
		return "by_dstport"
	case TrackByUsername:
		return "by_username"
	}
	return fmt.Sprintf("track(%d)", int(t))
}

// RateLimit is a threshold or after directive.
type RateLimit struct {
	Track  TrackBy
	Count  int
	Window time.Duration
}

// Window holds positional modifiers of content and field terms. Zero means unset.
type Window struct {
	Offset   int
	Depth    int
	Distance int
	Within   int
}

// ContentTerm is a literal substring test.
type ContentTerm struct {
	Text   string
	NoCase bool
	Negate bool
	Window
}

// PatternTerm is a compiled regular expression tested against the whole message.
type PatternTerm struct {
	Source string
	Negate bool
	Re     *regexp2.Regexp
}

// FieldTerm is a named-capture pattern evaluated on a content-style window.
type FieldTerm struct {
	Source string
	Negate bool
	Re     *regexp2.Regexp
	Window
}

// HashKind selects the hash a parse_hash directive looks for.
type HashKind int

const (
	HashNone HashKind = iota
	HashMD5
	HashSHA1
	HashSHA256
)

// ParseHashKind converts md5/sha1/sha256.
func ParseHashKind(s string) (HashKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return HashNone, nil
	case "md5":
		return HashMD5, nil
	case "sha1":
		return HashSHA1, nil
	case "sha256":
		return HashSHA256, nil
	}
	return HashNone, fmt.Errorf("unknown hash type %q", s)
}

// AddrMatch is one entry of a flow list, e.g. "10.0.0.0/8" or "!192.168.1.5".
type AddrMatch struct {
	Prefix netip.Prefix
	Negate bool
}

// FlowSpec restricts a rule to source/destination address sets.
type FlowSpec struct {
	Src []AddrMatch
	Dst []AddrMatch
}

// GeoIPSpec tests the country of one side of the event.
type GeoIPSpec struct {
	UseDst    bool
	Negate    bool // "isnot": fire when the country is NOT in the list
	Countries []string
}

// AlertTimeSpec limits firing to weekdays and a time-of-day window.
// Start > End wraps midnight.
type AlertTimeSpec struct {
	Days  [7]bool
	Start int // minutes after midnight
	End   int
}

// IPTarget selects which addresses an IP lookup inspects.
type IPTarget int

const (
	IPTargetNone IPTarget = iota
	IPTargetSrc
	IPTargetDst
	IPTargetBoth // src or dst
	IPTargetAll  // every address found in the message
)

// ParseIPTarget converts src/dst/both/all.
func ParseIPTarget(s string) (IPTarget, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return IPTargetNone, nil
	case "src", "by_src", "ipsrc":
		return IPTargetSrc, nil
	case "dst", "by_dst", "ipdst":
		return IPTargetDst, nil
	case "both", "both_ip", "ipboth":
		return IPTargetBoth, nil
	case "all", "all_ip", "ipall":
		return IPTargetAll, nil
	}
	return IPTargetNone, fmt.Errorf("unknown ip target %q", s)
}

// BlacklistSpec enables the blacklist gate.
type BlacklistSpec struct {
	Target IPTarget
}

// ReputationSpec enables reputation lookups and restricts them to categories.
type ReputationSpec struct {
	IP         IPTarget
	Hash       bool
	URL        bool
	Filename   bool
	Categories []string
}

// IntelSpec enables intel indicator lookups.
type IntelSpec struct {
	IP       IPTarget
	Domain   bool
	Hash     bool
	URL      bool
	Username bool
	Filename bool
}

// Rule is a compiled detection rule. It is never modified after load.
type Rule struct {
	SID        uint64
	GID        uint64
	Rev        int
	Msg        string
	Classtype  string
	Priority   int
	References []string

	Program        []string
	Facility       []string
	SyslogPriority []string
	Level          []string
	Tag            []string

	Content  []ContentTerm
	Patterns []PatternTerm
	Fields   []FieldTerm

	Markers []MarkerDirective
	NoAlert bool

	After     *RateLimit
	Threshold *RateLimit

	Normalize         bool
	ParseSrcIP        int
	ParseDstIP        int
	ParsePort         bool
	ParseHash         HashKind
	ParseProto        bool
	ParseProtoProgram bool
	Proto             int
	DstPort           int

	Flow                 *FlowSpec
	GeoIP                *GeoIPSpec
	AlertTime            *AlertTimeSpec
	Blacklist            *BlacklistSpec
	Reputation           *ReputationSpec
	Intel                *IntelSpec
	TolerateLookupErrors bool

	File string
	Line int
}

// TermCount is the number of checks a rule must satisfy to match.
func (r *Rule) TermCount() int {
	return len(r.Content) + len(r.Patterns) + len(r.Fields)
}

// ConditionCount is the number of isset/isnotset directives.
func (r *Rule) ConditionCount() int {
	n := 0
	for _, m := range r.Markers {
		if m.Op.IsCondition() {
			n++
		}
	}
	return n
}

// HasMarkerUpdates reports whether the rule sets or unsets markers.
func (r *Rule) HasMarkerUpdates() bool {
	for _, m := range r.Markers {
		if m.Op == MarkerSet || m.Op == MarkerUnset {
			return true
		}
	}
	return false
}

// ID is the "gid:sid" form used in logs and output.
func (r *Rule) ID() string {
	return fmt.Sprintf("%d:%d", r.GID, r.SID)
}
