// ABOUTME: Extraction of TAKE_INPUT values with optional /pattern/flags expressions
// ABOUTME: A missing pattern captures the whole text; a failed match captures ""

package vars

import (
	"regexp"
	"strings"
)

// Capture returns the value to store for a TAKE_INPUT answer. With an empty
// pattern the whole text is captured. Otherwise the first match of the
// pattern is captured, and "" when the pattern is invalid or doesn't match.
func Capture(text, pattern string) string {
	if strings.TrimSpace(pattern) == "" {
		return text
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return ""
	}
	return re.FindString(text)
}

// CompilePattern accepts either a bare expression or the /body/flags form.
// Flags i, m and s are honored; g, u and y have no effect on a first match.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	body, flags := splitPattern(pattern)

	var prefix strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			prefix.WriteRune(f)
		}
	}
	if prefix.Len() > 0 {
		body = "(?" + prefix.String() + ")" + body
	}
	return regexp.Compile(body)
}

func splitPattern(pattern string) (string, string) {
	if len(pattern) < 2 || pattern[0] != '/' {
		return pattern, ""
	}
	end := strings.LastIndex(pattern, "/")
	if end == 0 {
		return pattern, ""
	}
	flags := pattern[end+1:]
	if strings.Trim(flags, "gimsuy") != "" {
		return pattern, ""
	}
	return pattern[1:end], flags
}
