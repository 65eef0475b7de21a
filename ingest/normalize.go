package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"logcorr/core"
	"logcorr/detect"
	"logcorr/metrics"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"
)

// NormalizePattern is one extraction pattern. Named groups src_ip, dst_ip,
// src_port, dst_port, username, uri, filename, md5, sha1 and sha256 fill the
// matching Normalized field; other names are ignored.
type NormalizePattern struct {
	// Program limits the pattern to events from these programs. Empty means any.
	Program []string
	Pattern string
}

type compiledNormalizer struct {
	programs map[string]struct{}
	re       *regexp2.Regexp
	source   string
}

// Normalizer fills Event.Normalized from the first pattern that yields at
// least one field. It is read-only after construction.
type Normalizer struct {
	patterns []compiledNormalizer
	logger   *zap.SugaredLogger
}

// NewNormalizer compiles patterns. Every pattern must declare at least one
// recognised named group.
func NewNormalizer(patterns []NormalizePattern, timeout time.Duration, logger *zap.SugaredLogger) (*Normalizer, error) {
	n := &Normalizer{logger: logger}
	for i, p := range patterns {
		re, err := detect.CompilePattern(p.Pattern, false, timeout)
		if err != nil {
			return nil, fmt.Errorf("normalize pattern %d: %w", i, err)
		}
		if !hasNormalizedGroup(re) {
			return nil, fmt.Errorf("normalize pattern %d: no recognised named group in %q", i, p.Pattern)
		}
		c := compiledNormalizer{re: re, source: p.Pattern}
		if len(p.Program) > 0 {
			c.programs = make(map[string]struct{}, len(p.Program))
			for _, prog := range p.Program {
				c.programs[strings.ToLower(prog)] = struct{}{}
			}
		}
		n.patterns = append(n.patterns, c)
	}
	return n, nil
}

// Len returns the number of compiled patterns.
func (n *Normalizer) Len() int {
	if n == nil {
		return 0
	}
	return len(n.patterns)
}

// Normalize sets event.Normalized. Events no pattern extracts anything from
// are left untouched.
func (n *Normalizer) Normalize(event *core.Event) {
	if n == nil {
		return
	}
	program := strings.ToLower(event.Program)
	for _, p := range n.patterns {
		if p.programs != nil {
			if _, ok := p.programs[program]; !ok {
				continue
			}
		}
		groups, ok, err := detect.CaptureNamed(p.re, event.Message)
		if err != nil {
			if errors.Is(err, detect.ErrRegexTimeout) {
				metrics.RegexTimeouts.Inc()
			}
			n.logger.Warnw("Normalize pattern failed",
				"pattern", p.source,
				"event_id", event.EventID,
				"error", err)
			continue
		}
		if !ok {
			continue
		}
		if norm := toNormalized(groups); !norm.Empty() {
			event.Normalized = norm
			return
		}
	}
}

func toNormalized(groups map[string]string) *core.Normalized {
	n := &core.Normalized{}
	for name, v := range groups {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		switch name {
		case "src_ip":
			n.SrcIP = v
		case "dst_ip":
			n.DstIP = v
		case "src_port":
			n.SrcPort = atoiPort(v)
		case "dst_port":
			n.DstPort = atoiPort(v)
		case "username":
			n.Username = v
		case "uri":
			n.URI = v
		case "filename":
			n.Filename = v
		case "md5":
			n.MD5 = strings.ToLower(v)
		case "sha1":
			n.SHA1 = strings.ToLower(v)
		case "sha256":
			n.SHA256 = strings.ToLower(v)
		}
	}
	return n
}

func atoiPort(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > MaxPort {
		return 0
	}
	return p
}

func hasNormalizedGroup(re *regexp2.Regexp) bool {
	for _, name := range re.GetGroupNames() {
		switch name {
		case "src_ip", "dst_ip", "src_port", "dst_port", "username", "uri", "filename", "md5", "sha1", "sha256":
			return true
		}
	}
	return false
}
