package detect

import (
	"strings"

	"logcorr/core"
)

// window returns the slice of msg a positional term inspects.
//
// offset drops the first N characters, depth keeps the first N characters of
// what is left. distance anchors the term N characters after the end of the
// previous term's depth window (prev.Offset + prev.Depth) and within caps that
// anchored window to N characters. Arithmetic past the end of msg yields "".
func window(msg string, w core.Window, prev *core.Window) string {
	start := 0
	limit := 0

	if prev != nil && (w.Distance > 0 || w.Within > 0) {
		start = prev.Offset + prev.Depth + w.Distance
		limit = w.Within
	} else {
		start = w.Offset
		limit = w.Depth
	}

	if start < 0 {
		start = 0
	}
	if start >= len(msg) {
		return ""
	}
	text := msg[start:]
	if limit > 0 && limit < len(text) {
		text = text[:limit]
	}
	return text
}

func containsText(haystack, needle string, nocase bool) bool {
	if nocase {
		return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}
	return strings.Contains(haystack, needle)
}

// matchContent evaluates content terms in order and returns how many were
// satisfied. It stops at the first failing term.
func matchContent(msg string, terms []core.ContentTerm) int {
	satisfied := 0
	for i := range terms {
		t := &terms[i]
		var prev *core.Window
		if i > 0 {
			prev = &terms[i-1].Window
		}

		found := containsText(window(msg, t.Window, prev), t.Text, t.NoCase)
		if found == t.Negate {
			return satisfied
		}
		satisfied++
	}
	return satisfied
}
