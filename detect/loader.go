package detect

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"logcorr/core"

	"gopkg.in/yaml.v3"
)

// RuleError describes a rejected rule or rule file.
type RuleError struct {
	File string
	Line int
	SID  uint64
	Err  error
}

func (e *RuleError) Error() string {
	loc := e.File
	if e.Line > 0 {
		loc = fmt.Sprintf("%s:%d", e.File, e.Line)
	}
	if e.SID > 0 {
		return fmt.Sprintf("%s: sid %d: %v", loc, e.SID, e.Err)
	}
	return fmt.Sprintf("%s: %v", loc, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// LoadError collects every RuleError of a load.
type LoadError struct {
	Errors []*RuleError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d rule errors, first: %v", len(e.Errors), e.Errors[0])
}

func (e *LoadError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, re := range e.Errors {
		errs[i] = re
	}
	return errs
}

// RuleLoader compiles YAML rule files.
type RuleLoader struct {
	RegexTimeout time.Duration
}

// LoadRules loads rule files, directories of *.yaml/*.yml files, or globs,
// using the default regex timeout. Rules keep file order.
func LoadRules(paths ...string) ([]*core.Rule, error) {
	return (&RuleLoader{RegexTimeout: DefaultRegexTimeout}).Load(paths...)
}

// Load compiles every rule found under paths. Any invalid rule makes the
// load fail with a *LoadError listing all problems.
func (l *RuleLoader) Load(paths ...string) ([]*core.Rule, error) {
	files, err := expandRulePaths(paths)
	if err != nil {
		return nil, err
	}

	var rules []*core.Rule
	var problems []*RuleError
	seen := make(map[string]string)

	for _, file := range files {
		loaded, errs := l.loadFile(file)
		problems = append(problems, errs...)
		for _, r := range loaded {
			if prev, dup := seen[r.ID()]; dup {
				problems = append(problems, &RuleError{
					File: r.File, Line: r.Line, SID: r.SID,
					Err: fmt.Errorf("duplicate rule %s, first defined at %s", r.ID(), prev),
				})
				continue
			}
			seen[r.ID()] = fmt.Sprintf("%s:%d", r.File, r.Line)
			rules = append(rules, r)
		}
	}

	if len(problems) > 0 {
		return rules, &LoadError{Errors: problems}
	}
	return rules, nil
}

func expandRulePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no rule files configured")
	}
	var files []string
	for _, p := range paths {
		matches := []string{p}
		if strings.ContainsAny(p, "*?[") {
			var err error
			matches, err = filepath.Glob(p)
			if err != nil {
				return nil, fmt.Errorf("invalid rule path pattern %q: %w", p, err)
			}
			if len(matches) == 0 {
				return nil, fmt.Errorf("rule path pattern %q matched no files", p)
			}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				return nil, fmt.Errorf("failed to read rules path: %w", err)
			}
			if !info.IsDir() {
				files = append(files, m)
				continue
			}
			entries, err := os.ReadDir(m)
			if err != nil {
				return nil, fmt.Errorf("failed to read rules directory: %w", err)
			}
			var names []string
			for _, e := range entries {
				ext := filepath.Ext(e.Name())
				if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
					names = append(names, filepath.Join(m, e.Name()))
				}
			}
			sort.Strings(names)
			files = append(files, names...)
		}
	}
	return files, nil
}

// loadFile parses one file. The document is either a sequence of rules or a
// mapping with a "rules" sequence.
func (l *RuleLoader) loadFile(file string) ([]*core.Rule, []*RuleError) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, []*RuleError{{File: file, Err: fmt.Errorf("failed to read rules file: %w", err)}}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, []*RuleError{{File: file, Err: fmt.Errorf("failed to parse rules file: %w", err)}}
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	list := doc.Content[0]
	if list.Kind == yaml.MappingNode {
		list = mappingValue(list, "rules")
		if list == nil {
			return nil, []*RuleError{{File: file, Line: doc.Content[0].Line, Err: errors.New("missing top-level 'rules' list")}}
		}
	}
	if list.Kind != yaml.SequenceNode {
		return nil, []*RuleError{{File: file, Line: list.Line, Err: errors.New("rules must be a list")}}
	}

	var rules []*core.Rule
	var errs []*RuleError
	for _, item := range list.Content {
		rule, err := l.compileNode(file, item)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, errs
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func keyLine(n *yaml.Node, key string) int {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == key {
				return n.Content[i].Line
			}
		}
	}
	return n.Line
}

// orList accepts "a|b", "a,b" or a YAML sequence.
type orList []string

func (o *orList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*o = splitList(n.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := n.Decode(&items); err != nil {
			return err
		}
		var out []string
		for _, it := range items {
			out = append(out, splitList(it)...)
		}
		*o = out
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list", n.Line)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type windowYAML struct {
	Offset   int `yaml:"offset"`
	Depth    int `yaml:"depth"`
	Distance int `yaml:"distance"`
	Within   int `yaml:"within"`
}

type contentYAML struct {
	Text       string `yaml:"text"`
	NoCase     bool   `yaml:"nocase"`
	Negate     bool   `yaml:"negate"`
	windowYAML `yaml:",inline"`
}

func (c *contentYAML) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		c.Text = n.Value
		return nil
	}
	type plain contentYAML
	return n.Decode((*plain)(c))
}

type patternYAML struct {
	Pattern    string `yaml:"pattern"`
	NoCase     bool   `yaml:"nocase"`
	Negate     bool   `yaml:"negate"`
	windowYAML `yaml:",inline"`
}

func (p *patternYAML) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		p.Pattern = n.Value
		return nil
	}
	type plain patternYAML
	return n.Decode((*plain)(p))
}

type xbitYAML struct {
	Op        string `yaml:"op"`
	Names     string `yaml:"names"`
	Direction string `yaml:"direction"`
	Expire    int    `yaml:"expire"`
}

type rateYAML struct {
	Track   string `yaml:"track"`
	Count   int    `yaml:"count"`
	Seconds int    `yaml:"seconds"`
}

type flowYAML struct {
	Src orList `yaml:"src"`
	Dst orList `yaml:"dst"`
}

type geoIPYAML struct {
	Track     string `yaml:"track"`
	Op        string `yaml:"op"`
	Countries orList `yaml:"countries"`
}

type alertTimeYAML struct {
	Days  string `yaml:"days"`
	Hours string `yaml:"hours"`
}

type reputationYAML struct {
	IP         string `yaml:"ip"`
	Hash       bool   `yaml:"hash"`
	URL        bool   `yaml:"url"`
	Filename   bool   `yaml:"filename"`
	Categories orList `yaml:"categories"`
}

type intelYAML struct {
	IP       string `yaml:"ip"`
	Domain   bool   `yaml:"domain"`
	Hash     bool   `yaml:"hash"`
	URL      bool   `yaml:"url"`
	Username bool   `yaml:"username"`
	Filename bool   `yaml:"filename"`
}

type ruleYAML struct {
	SID        uint64   `yaml:"sid"`
	GID        uint64   `yaml:"gid"`
	Rev        int      `yaml:"rev"`
	Msg        string   `yaml:"msg"`
	Classtype  string   `yaml:"classtype"`
	Priority   int      `yaml:"priority"`
	References []string `yaml:"reference"`

	Program        orList `yaml:"program"`
	Facility       orList `yaml:"facility"`
	SyslogPriority orList `yaml:"priority_level"`
	Level          orList `yaml:"level"`
	Tag            orList `yaml:"tag"`

	Content []contentYAML `yaml:"content"`
	PCRE    []patternYAML `yaml:"pcre"`
	Field   []patternYAML `yaml:"field"`

	Xbits       []xbitYAML `yaml:"xbits"`
	XbitNoAlert bool       `yaml:"xbit_noalert"`

	Threshold *rateYAML `yaml:"threshold"`
	After     *rateYAML `yaml:"after"`

	Normalize         bool   `yaml:"normalize"`
	ParseSrcIP        int    `yaml:"parse_src_ip"`
	ParseDstIP        int    `yaml:"parse_dst_ip"`
	ParsePort         bool   `yaml:"parse_port"`
	ParseHash         string `yaml:"parse_hash"`
	ParseProto        bool   `yaml:"parse_proto"`
	ParseProtoProgram bool   `yaml:"parse_proto_program"`
	Proto             string `yaml:"proto"`
	DstPort           int    `yaml:"dst_port"`

	Flow                 *flowYAML       `yaml:"flow"`
	GeoIP                *geoIPYAML      `yaml:"geoip"`
	AlertTime            *alertTimeYAML  `yaml:"alert_time"`
	Blacklist            string          `yaml:"blacklist"`
	Reputation           *reputationYAML `yaml:"reputation"`
	Intel                *intelYAML      `yaml:"intel"`
	TolerateLookupErrors bool            `yaml:"tolerate_lookup_errors"`
}

var ruleKeys = map[string]bool{
	"sid": true, "gid": true, "rev": true, "msg": true, "classtype": true, "priority": true, "reference": true,
	"program": true, "facility": true, "priority_level": true, "level": true, "tag": true,
	"content": true, "pcre": true, "field": true, "xbits": true, "xbit_noalert": true,
	"threshold": true, "after": true,
	"normalize": true, "parse_src_ip": true, "parse_dst_ip": true, "parse_port": true, "parse_hash": true,
	"parse_proto": true, "parse_proto_program": true, "proto": true, "dst_port": true,
	"flow": true, "geoip": true, "alert_time": true, "blacklist": true, "reputation": true, "intel": true,
	"tolerate_lookup_errors": true,
}

func (l *RuleLoader) compileNode(file string, item *yaml.Node) (*core.Rule, *RuleError) {
	fail := func(line int, sid uint64, err error) *RuleError {
		return &RuleError{File: file, Line: line, SID: sid, Err: err}
	}
	if item.Kind != yaml.MappingNode {
		return nil, fail(item.Line, 0, errors.New("rule must be a mapping"))
	}

	var sid uint64
	if v := mappingValue(item, "sid"); v != nil {
		sid, _ = strconv.ParseUint(v.Value, 10, 64)
	}
	for i := 0; i+1 < len(item.Content); i += 2 {
		k := item.Content[i]
		if !ruleKeys[k.Value] {
			return nil, fail(k.Line, sid, fmt.Errorf("unknown rule option %q", k.Value))
		}
	}

	var ry ruleYAML
	if err := item.Decode(&ry); err != nil {
		return nil, fail(item.Line, sid, err)
	}

	rule, key, err := l.compile(&ry)
	if err != nil {
		return nil, fail(keyLine(item, key), ry.SID, err)
	}
	rule.File = file
	rule.Line = item.Line
	return rule, nil
}

// compile turns a decoded rule into a core.Rule. On error it returns the
// option key the error belongs to.
func (l *RuleLoader) compile(ry *ruleYAML) (*core.Rule, string, error) {
	if ry.SID == 0 {
		return nil, "sid", errors.New("sid is required")
	}
	if strings.TrimSpace(ry.Msg) == "" {
		return nil, "msg", errors.New("msg is required")
	}

	r := &core.Rule{
		SID:                  ry.SID,
		GID:                  ry.GID,
		Rev:                  ry.Rev,
		Msg:                  ry.Msg,
		Classtype:            ry.Classtype,
		Priority:             ry.Priority,
		References:           ry.References,
		Program:              ry.Program,
		Facility:             ry.Facility,
		SyslogPriority:       ry.SyslogPriority,
		Level:                ry.Level,
		Tag:                  ry.Tag,
		NoAlert:              ry.XbitNoAlert,
		Normalize:            ry.Normalize,
		ParsePort:            ry.ParsePort,
		ParseProto:           ry.ParseProto,
		ParseProtoProgram:    ry.ParseProtoProgram,
		TolerateLookupErrors: ry.TolerateLookupErrors,
	}
	if r.GID == 0 {
		r.GID = 1
	}
	if r.Rev == 0 {
		r.Rev = 1
	}

	for _, c := range ry.Content {
		if c.Text == "" {
			return nil, "content", errors.New("content text is empty")
		}
		w, err := c.windowYAML.compile()
		if err != nil {
			return nil, "content", err
		}
		r.Content = append(r.Content, core.ContentTerm{Text: c.Text, NoCase: c.NoCase, Negate: c.Negate, Window: w})
	}

	for _, p := range ry.PCRE {
		if p.windowYAML != (windowYAML{}) {
			return nil, "pcre", errors.New("pcre does not take offset/depth/distance/within")
		}
		re, err := CompilePattern(p.Pattern, p.NoCase, l.RegexTimeout)
		if err != nil {
			return nil, "pcre", err
		}
		r.Patterns = append(r.Patterns, core.PatternTerm{Source: p.Pattern, Negate: p.Negate, Re: re})
	}

	for _, f := range ry.Field {
		re, err := CompilePattern(f.Pattern, f.NoCase, l.RegexTimeout)
		if err != nil {
			return nil, "field", err
		}
		w, err := f.windowYAML.compile()
		if err != nil {
			return nil, "field", err
		}
		r.Fields = append(r.Fields, core.FieldTerm{Source: f.Pattern, Negate: f.Negate, Re: re, Window: w})
	}

	for _, x := range ry.Xbits {
		d, err := compileXbit(x)
		if err != nil {
			return nil, "xbits", err
		}
		r.Markers = append(r.Markers, d)
	}
	if r.NoAlert && !r.HasMarkerUpdates() {
		return nil, "xbit_noalert", errors.New("xbit_noalert requires an xbit set or unset")
	}

	var err error
	if r.Threshold, err = compileRate(ry.Threshold); err != nil {
		return nil, "threshold", err
	}
	if r.After, err = compileRate(ry.After); err != nil {
		return nil, "after", err
	}

	if ry.ParseSrcIP < 0 || ry.ParseDstIP < 0 {
		return nil, "parse_src_ip", errors.New("parse_src_ip/parse_dst_ip position must be positive")
	}
	r.ParseSrcIP = ry.ParseSrcIP
	r.ParseDstIP = ry.ParseDstIP
	if r.ParseHash, err = core.ParseHashKind(ry.ParseHash); err != nil {
		return nil, "parse_hash", err
	}
	if r.Proto, err = parseProto(ry.Proto); err != nil {
		return nil, "proto", err
	}
	if ry.DstPort < 0 || ry.DstPort > 65535 {
		return nil, "dst_port", fmt.Errorf("invalid dst_port %d", ry.DstPort)
	}
	r.DstPort = ry.DstPort

	if ry.Flow != nil {
		flow := &core.FlowSpec{}
		if flow.Src, err = compileAddrList(ry.Flow.Src); err != nil {
			return nil, "flow", err
		}
		if flow.Dst, err = compileAddrList(ry.Flow.Dst); err != nil {
			return nil, "flow", err
		}
		r.Flow = flow
	}
	if ry.GeoIP != nil {
		if r.GeoIP, err = compileGeoIP(ry.GeoIP); err != nil {
			return nil, "geoip", err
		}
	}
	if ry.AlertTime != nil {
		if r.AlertTime, err = compileAlertTime(ry.AlertTime); err != nil {
			return nil, "alert_time", err
		}
	}
	if ry.Blacklist != "" {
		target, err := core.ParseIPTarget(ry.Blacklist)
		if err != nil {
			return nil, "blacklist", err
		}
		r.Blacklist = &core.BlacklistSpec{Target: target}
	}
	if ry.Reputation != nil {
		target, err := core.ParseIPTarget(ry.Reputation.IP)
		if err != nil {
			return nil, "reputation", err
		}
		spec := &core.ReputationSpec{
			IP:         target,
			Hash:       ry.Reputation.Hash,
			URL:        ry.Reputation.URL,
			Filename:   ry.Reputation.Filename,
			Categories: ry.Reputation.Categories,
		}
		if spec.IP == core.IPTargetNone && !spec.Hash && !spec.URL && !spec.Filename {
			return nil, "reputation", errors.New("reputation needs at least one of ip, hash, url, filename")
		}
		r.Reputation = spec
	}
	if ry.Intel != nil {
		target, err := core.ParseIPTarget(ry.Intel.IP)
		if err != nil {
			return nil, "intel", err
		}
		spec := &core.IntelSpec{
			IP:       target,
			Domain:   ry.Intel.Domain,
			Hash:     ry.Intel.Hash,
			URL:      ry.Intel.URL,
			Username: ry.Intel.Username,
			Filename: ry.Intel.Filename,
		}
		if spec.IP == core.IPTargetNone && !spec.Domain && !spec.Hash && !spec.URL && !spec.Username && !spec.Filename {
			return nil, "intel", errors.New("intel needs at least one indicator kind")
		}
		r.Intel = spec
	}

	return r, "", nil
}

func (w windowYAML) compile() (core.Window, error) {
	if w.Offset < 0 || w.Depth < 0 || w.Distance < 0 || w.Within < 0 {
		return core.Window{}, errors.New("offset, depth, distance and within must not be negative")
	}
	return core.Window{Offset: w.Offset, Depth: w.Depth, Distance: w.Distance, Within: w.Within}, nil
}

func compileXbit(x xbitYAML) (core.MarkerDirective, error) {
	op := core.MarkerOp(strings.ToLower(strings.TrimSpace(x.Op)))
	switch op {
	case core.MarkerSet, core.MarkerUnset, core.MarkerIsSet, core.MarkerIsNotSet:
	default:
		return core.MarkerDirective{}, fmt.Errorf("unknown xbit op %q", x.Op)
	}
	expr, err := core.ParseMarkerExpr(x.Names)
	if err != nil {
		return core.MarkerDirective{}, err
	}
	if !op.IsCondition() && expr.Op == core.ExprOr {
		return core.MarkerDirective{}, fmt.Errorf("xbit %s names must be joined with '&'", op)
	}
	dir, err := core.ParseDirection(x.Direction)
	if err != nil {
		return core.MarkerDirective{}, err
	}
	d := core.MarkerDirective{Op: op, Expr: expr, Direction: dir}
	if op == core.MarkerSet {
		if x.Expire <= 0 {
			return core.MarkerDirective{}, fmt.Errorf("xbit set %s needs a positive expire", expr)
		}
		d.Expire = time.Duration(x.Expire) * time.Second
	}
	return d, nil
}

func compileRate(ry *rateYAML) (*core.RateLimit, error) {
	if ry == nil {
		return nil, nil
	}
	track, err := core.ParseTrackBy(ry.Track)
	if err != nil {
		return nil, err
	}
	if ry.Count < 1 {
		return nil, fmt.Errorf("count must be at least 1, got %d", ry.Count)
	}
	if ry.Seconds < 1 {
		return nil, fmt.Errorf("seconds must be at least 1, got %d", ry.Seconds)
	}
	return &core.RateLimit{Track: track, Count: ry.Count, Window: time.Duration(ry.Seconds) * time.Second}, nil
}

var protoNames = map[string]int{"icmp": core.ProtoICMP, "tcp": core.ProtoTCP, "udp": core.ProtoUDP}

func parseProto(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	if p, ok := protoNames[s]; ok {
		return p, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 255 {
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
	return p, nil
}

func compileAddrList(items []string) ([]core.AddrMatch, error) {
	var out []core.AddrMatch
	for _, it := range items {
		neg := strings.HasPrefix(it, "!")
		it = strings.TrimSpace(strings.TrimPrefix(it, "!"))
		if strings.EqualFold(it, "any") {
			if neg {
				return nil, errors.New("'!any' never matches")
			}
			continue
		}
		var prefix netip.Prefix
		if strings.Contains(it, "/") {
			p, err := netip.ParsePrefix(it)
			if err != nil {
				return nil, fmt.Errorf("invalid flow address %q: %w", it, err)
			}
			prefix = p.Masked()
		} else {
			a, err := netip.ParseAddr(it)
			if err != nil {
				return nil, fmt.Errorf("invalid flow address %q: %w", it, err)
			}
			a = a.Unmap()
			prefix = netip.PrefixFrom(a, a.BitLen())
		}
		out = append(out, core.AddrMatch{Prefix: prefix, Negate: neg})
	}
	return out, nil
}

func compileGeoIP(g *geoIPYAML) (*core.GeoIPSpec, error) {
	spec := &core.GeoIPSpec{}
	switch strings.ToLower(strings.TrimSpace(g.Track)) {
	case "", "src", "by_src":
	case "dst", "by_dst":
		spec.UseDst = true
	default:
		return nil, fmt.Errorf("unknown geoip track %q", g.Track)
	}
	switch strings.ToLower(strings.TrimSpace(g.Op)) {
	case "", "is":
	case "isnot":
		spec.Negate = true
	default:
		return nil, fmt.Errorf("unknown geoip op %q (expected is or isnot)", g.Op)
	}
	if len(g.Countries) == 0 {
		return nil, errors.New("geoip needs a country list")
	}
	for _, c := range g.Countries {
		spec.Countries = append(spec.Countries, strings.ToUpper(c))
	}
	return spec, nil
}

var dayNames = map[string]int{"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6}

func compileAlertTime(a *alertTimeYAML) (*core.AlertTimeSpec, error) {
	spec := &core.AlertTimeSpec{End: 24*60 - 1}

	days := strings.TrimSpace(a.Days)
	switch {
	case days == "":
		for i := range spec.Days {
			spec.Days[i] = true
		}
	case strings.Trim(days, "0123456") == "":
		for _, c := range days {
			spec.Days[c-'0'] = true
		}
	default:
		for _, name := range splitList(days) {
			n, ok := dayNames[strings.ToLower(name)[:min(3, len(name))]]
			if !ok {
				return nil, fmt.Errorf("unknown day %q", name)
			}
			spec.Days[n] = true
		}
	}

	if hours := strings.TrimSpace(a.Hours); hours != "" {
		from, to, ok := strings.Cut(hours, "-")
		if !ok {
			return nil, fmt.Errorf("hours %q must be HHMM-HHMM", hours)
		}
		var err error
		if spec.Start, err = parseClock(from); err != nil {
			return nil, err
		}
		if spec.End, err = parseClock(to); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

// parseClock accepts HHMM or HH:MM and returns minutes after midnight.
func parseClock(s string) (int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	h, m := n/100, n%100
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return h*60 + m, nil
}
