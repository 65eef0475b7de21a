package detect

import (
	"net/netip"
	"strconv"
	"strings"
	"unicode"

	"logcorr/core"
)

// tokenize splits a log message on the separators that surround addresses,
// ports and hashes in free-form text. ':' is kept so IPv6 and ip:port survive.
func tokenize(msg string) []string {
	return strings.FieldsFunc(msg, func(r rune) bool {
		if unicode.IsSpace(r) {
			return true
		}
		switch r {
		case ',', ';', '"', '\'', '(', ')', '[', ']', '<', '>', '=', '{', '}', '|', '/', '\\':
			return true
		}
		return false
	})
}

// parseAddrToken recognizes "ip", "ip:port", "[v6]:port" and "ip#port" tokens.
func parseAddrToken(tok string) (string, int, bool) {
	tok = strings.TrimRight(tok, ".:")
	if tok == "" {
		return "", 0, false
	}
	if a, err := netip.ParseAddr(tok); err == nil {
		return a.Unmap().String(), 0, true
	}
	if ap, err := netip.ParseAddrPort(tok); err == nil {
		return ap.Addr().Unmap().String(), int(ap.Port()), true
	}
	if i := strings.LastIndexAny(tok, "#."); i > 0 {
		if a, err := netip.ParseAddr(tok[:i]); err == nil && a.Is4() {
			if p, err := strconv.Atoi(tok[i+1:]); err == nil && validPort(p) {
				return a.String(), p, true
			}
		}
	}
	return "", 0, false
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// ParseIP returns the pos-th (1-based) IP address found in msg, or "".
func ParseIP(msg string, pos int) string {
	if pos <= 0 {
		return ""
	}
	n := 0
	for _, tok := range tokenize(msg) {
		addr, _, ok := parseAddrToken(tok)
		if !ok {
			continue
		}
		n++
		if n == pos {
			return addr
		}
	}
	return ""
}

// ParseAllIPs returns every distinct IP address in msg, in order of appearance.
func ParseAllIPs(msg string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, tok := range tokenize(msg) {
		addr, _, ok := parseAddrToken(tok)
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// ParsePorts finds port mentions ("port 22", "10.0.0.1:22", "10.0.0.1#22").
// The first mention is the source port and the second the destination port.
func ParsePorts(msg string) (src, dst int) {
	var ports []int
	toks := tokenize(msg)
	for i := 0; i < len(toks) && len(ports) < 2; i++ {
		tok := toks[i]
		if strings.EqualFold(tok, "port") && i+1 < len(toks) {
			if p, err := strconv.Atoi(strings.TrimRight(toks[i+1], ".:")); err == nil && validPort(p) {
				ports = append(ports, p)
				i++
			}
			continue
		}
		if _, p, ok := parseAddrToken(tok); ok && p != 0 {
			ports = append(ports, p)
		}
	}
	if len(ports) > 0 {
		src = ports[0]
	}
	if len(ports) > 1 {
		dst = ports[1]
	}
	return src, dst
}

func hashLen(kind core.HashKind) int {
	switch kind {
	case core.HashMD5:
		return 32
	case core.HashSHA1:
		return 40
	case core.HashSHA256:
		return 64
	}
	return 0
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// ParseHash returns the first hex token in msg with the length of kind.
func ParseHash(msg string, kind core.HashKind) string {
	want := hashLen(kind)
	if want == 0 {
		return ""
	}
	for _, tok := range tokenize(msg) {
		tok = strings.TrimRight(tok, ".:")
		if len(tok) == want && isHex(tok) {
			return strings.ToLower(tok)
		}
	}
	return ""
}
