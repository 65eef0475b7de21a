package detect

import (
	"sort"
	"strconv"
	"strings"

	"logcorr/core"
)

// FieldConfig holds the engine-wide defaults used when deriving per-rule fields.
type FieldConfig struct {
	// Host replaces loopback addresses in derived src/dst.
	Host string
	// Port is the default source port.
	Port int
	// Proto is the protocol used when neither parsing nor the rule sets one.
	Proto int
	// ProgramProto maps a program name to a protocol number.
	ProgramProto map[string]int
	// MessageProto maps a keyword found in the message to a protocol number.
	MessageProto map[string]int
}

type protoKeyword struct {
	word  string
	proto int
}

// FieldResolver derives the per-rule view of an event. It is read-only after
// construction and shared by all workers.
type FieldResolver struct {
	cfg      FieldConfig
	programs map[string]int
	keywords []protoKeyword
}

// NewFieldResolver prepares lookup tables from cfg.
func NewFieldResolver(cfg FieldConfig) *FieldResolver {
	fr := &FieldResolver{cfg: cfg, programs: make(map[string]int, len(cfg.ProgramProto))}
	for k, v := range cfg.ProgramProto {
		fr.programs[strings.ToLower(k)] = v
	}
	for k, v := range cfg.MessageProto {
		fr.keywords = append(fr.keywords, protoKeyword{word: strings.ToLower(k), proto: v})
	}
	// longest keyword first so "tcp6" wins over "tcp"
	sort.Slice(fr.keywords, func(i, j int) bool {
		if len(fr.keywords[i].word) != len(fr.keywords[j].word) {
			return len(fr.keywords[i].word) > len(fr.keywords[j].word)
		}
		return fr.keywords[i].word < fr.keywords[j].word
	})
	return fr
}

// Resolve builds the derived fields for rule. Normalization output wins over
// the rule's parse directives unless the rule does not ask for it or it
// produced nothing. The event is never modified.
func (fr *FieldResolver) Resolve(event *core.Event, rule *core.Rule, extracted map[string]string) *core.Derived {
	d := &core.Derived{Extracted: extracted}
	msg := event.Message

	if rule.Normalize && !event.Normalized.Empty() {
		n := event.Normalized
		d.SrcIP = n.SrcIP
		d.DstIP = n.DstIP
		d.SrcPort = n.SrcPort
		d.DstPort = n.DstPort
		d.Username = n.Username
		d.URI = n.URI
		d.Filename = n.Filename
		d.MD5 = n.MD5
		d.SHA1 = n.SHA1
		d.SHA256 = n.SHA256
	} else {
		if rule.ParseSrcIP > 0 {
			d.SrcIP = ParseIP(msg, rule.ParseSrcIP)
		}
		if rule.ParseDstIP > 0 {
			d.DstIP = ParseIP(msg, rule.ParseDstIP)
		}
		if rule.ParsePort {
			d.SrcPort, d.DstPort = ParsePorts(msg)
		}
		switch rule.ParseHash {
		case core.HashMD5:
			d.MD5 = ParseHash(msg, core.HashMD5)
		case core.HashSHA1:
			d.SHA1 = ParseHash(msg, core.HashSHA1)
		case core.HashSHA256:
			d.SHA256 = ParseHash(msg, core.HashSHA256)
		}
	}

	applyCaptures(d, extracted)

	if rule.ParseProtoProgram {
		d.Proto = fr.programs[strings.ToLower(event.Program)]
	}
	if rule.ParseProto && d.Proto == 0 {
		d.Proto = fr.messageProto(msg)
	}
	if d.Proto == 0 {
		d.Proto = rule.Proto
	}
	if d.Proto == 0 {
		d.Proto = fr.cfg.Proto
	}

	if d.SrcIP == "" || strings.HasPrefix(d.SrcIP, "0") {
		d.SrcIP = event.Host
	}
	if d.DstIP == "" || strings.HasPrefix(d.DstIP, "0") {
		d.DstIP = event.Host
	}
	if d.SrcPort == 0 {
		d.SrcPort = fr.cfg.Port
	}
	if d.DstPort == 0 {
		d.DstPort = rule.DstPort
	}
	if isLoopback(d.SrcIP) {
		d.SrcIP = fr.cfg.Host
	}
	if isLoopback(d.DstIP) {
		d.DstIP = fr.cfg.Host
	}
	return d
}

func (fr *FieldResolver) messageProto(msg string) int {
	if len(fr.keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(msg)
	for _, k := range fr.keywords {
		if strings.Contains(lower, k.word) {
			return k.proto
		}
	}
	return 0
}

func isLoopback(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}

// applyCaptures copies well-known named captures into fields that are still empty.
func applyCaptures(d *core.Derived, caps map[string]string) {
	if len(caps) == 0 {
		return
	}
	setStr := func(dst *string, key string) {
		if *dst == "" {
			*dst = caps[key]
		}
	}
	setPort := func(dst *int, key string) {
		if *dst != 0 {
			return
		}
		if p, err := strconv.Atoi(caps[key]); err == nil && validPort(p) {
			*dst = p
		}
	}
	setStr(&d.SrcIP, "src_ip")
	setStr(&d.DstIP, "dst_ip")
	setPort(&d.SrcPort, "src_port")
	setPort(&d.DstPort, "dst_port")
	setStr(&d.Username, "username")
	setStr(&d.URI, "uri")
	setStr(&d.Filename, "filename")
	setStr(&d.MD5, "md5")
	setStr(&d.SHA1, "sha1")
	setStr(&d.SHA256, "sha256")
}
