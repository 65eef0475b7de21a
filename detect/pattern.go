package detect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultRegexTimeout bounds a single pattern evaluation.
const DefaultRegexTimeout = 500 * time.Millisecond

// ErrRegexTimeout is returned when a pattern hits its match timeout.
var ErrRegexTimeout = errors.New("regex evaluation timeout")

// CompilePattern compiles a PCRE-style pattern. Both "expr" and the delimited
// "/expr/flags" forms are accepted; flags i, s, m and x map onto regexp2 options.
func CompilePattern(source string, nocase bool, timeout time.Duration) (*regexp2.Regexp, error) {
	if source == "" {
		return nil, fmt.Errorf("regex pattern cannot be empty")
	}
	expr, opts, err := splitDelimited(source)
	if err != nil {
		return nil, err
	}
	if nocase {
		opts |= regexp2.IgnoreCase
	}

	re, err := regexp2.Compile(expr, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern %q: %w", source, err)
	}
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	re.MatchTimeout = timeout
	return re, nil
}

func splitDelimited(source string) (string, regexp2.RegexOptions, error) {
	if len(source) < 2 || source[0] != '/' {
		return source, regexp2.None, nil
	}
	end := strings.LastIndexByte(source, '/')
	if end == 0 {
		return source, regexp2.None, nil
	}

	var opts regexp2.RegexOptions
	for _, f := range source[end+1:] {
		switch f {
		case 'i':
			opts |= regexp2.IgnoreCase
		case 's':
			opts |= regexp2.Singleline
		case 'm':
			opts |= regexp2.Multiline
		case 'x':
			opts |= regexp2.IgnorePatternWhitespace
		default:
			return "", regexp2.None, fmt.Errorf("unsupported regex flag %q in %q", f, source)
		}
	}
	return source[1:end], opts, nil
}

// MatchPattern reports whether re matches input. A timeout is reported as ErrRegexTimeout.
func MatchPattern(re *regexp2.Regexp, input string) (bool, error) {
	ok, err := re.MatchString(input)
	if err != nil {
		return false, classifyRegexError(err)
	}
	return ok, nil
}

// CaptureNamed runs re against input and returns its named groups.
// Unnamed (numbered) groups are skipped; nil is returned when re does not match.
func CaptureNamed(re *regexp2.Regexp, input string) (map[string]string, bool, error) {
	m, err := re.FindStringMatch(input)
	if err != nil {
		return nil, false, classifyRegexError(err)
	}
	if m == nil {
		return nil, false, nil
	}

	var out map[string]string
	for _, name := range re.GetGroupNames() {
		if _, err := strconv.Atoi(name); err == nil {
			continue
		}
		g := m.GroupByName(name)
		if g == nil || len(g.Captures) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = g.String()
	}
	return out, true, nil
}

func classifyRegexError(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return ErrRegexTimeout
	}
	return fmt.Errorf("regex matching error: %w", err)
}
