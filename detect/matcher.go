package detect

import (
	"errors"
	"strings"

	"logcorr/core"
	"logcorr/metrics"

	"go.uber.org/zap"
)

// Matcher runs the per-rule matching pipeline: coarse filters, content terms,
// patterns and structured-field terms. Each stage runs only when every check
// of the previous stage succeeded.
type Matcher struct {
	stats  *metrics.Stats
	logger *zap.SugaredLogger
}

// NewMatcher creates a Matcher. stats may be nil.
func NewMatcher(stats *metrics.Stats, logger *zap.SugaredLogger) *Matcher {
	return &Matcher{stats: stats, logger: logger}
}

// Match reports whether rule matches event and returns the named captures of
// its field terms. A rule with no terms matches when its coarse filters pass.
func (m *Matcher) Match(event *core.Event, rule *core.Rule) (bool, map[string]string) {
	if !m.coarse(event, rule) {
		return false, nil
	}

	satisfied := matchContent(event.Message, rule.Content)
	if satisfied != len(rule.Content) {
		return false, nil
	}

	for i := range rule.Patterns {
		p := &rule.Patterns[i]
		ok, err := MatchPattern(p.Re, event.Message)
		if err != nil {
			m.patternError(rule, p.Source, err)
			return false, nil
		}
		if ok == p.Negate {
			return false, nil
		}
		satisfied++
	}

	var extracted map[string]string
	for i := range rule.Fields {
		f := &rule.Fields[i]
		var prev *core.Window
		if i > 0 {
			prev = &rule.Fields[i-1].Window
		}
		caps, ok, err := CaptureNamed(f.Re, window(event.Message, f.Window, prev))
		if err != nil {
			m.patternError(rule, f.Source, err)
			return false, nil
		}
		if ok == f.Negate {
			return false, nil
		}
		if !f.Negate {
			for k, v := range caps {
				if extracted == nil {
					extracted = make(map[string]string, len(caps))
				}
				extracted[k] = v
			}
		}
		satisfied++
	}

	return satisfied == rule.TermCount(), extracted
}

func (m *Matcher) patternError(rule *core.Rule, source string, err error) {
	if errors.Is(err, ErrRegexTimeout) {
		metrics.RegexTimeouts.Inc()
		if m.stats != nil {
			m.stats.RegexTimeouts.Add(1)
		}
		m.logger.Warnw("Regex timeout, term treated as failed", "sid", rule.SID, "pattern", source)
		return
	}
	if m.stats != nil {
		m.stats.LookupErrors.Add(1)
	}
	metrics.EngineLookupErrors.WithLabelValues("regex").Inc()
	m.logger.Errorw("Regex evaluation failed", "sid", rule.SID, "pattern", source, "error", err)
}

func (m *Matcher) coarse(event *core.Event, rule *core.Rule) bool {
	if len(rule.Program) > 0 && !anyWildcard(rule.Program, event.Program) {
		return false
	}
	return inList(rule.Facility, event.Facility) &&
		inList(rule.SyslogPriority, event.Priority) &&
		inList(rule.Level, event.Level) &&
		inList(rule.Tag, event.Tag)
}

// inList is true for an empty list or an exact member.
func inList(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func anyWildcard(patterns []string, v string) bool {
	for _, p := range patterns {
		if wildcardMatch(p, v) {
			return true
		}
	}
	return false
}

// wildcardMatch matches v against p where '*' is any run and '?' any single byte.
func wildcardMatch(p, v string) bool {
	if !strings.ContainsAny(p, "*?") {
		return p == v
	}
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
