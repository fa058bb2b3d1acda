// Package matcher extracts the correlation tag from request subjects.
package matcher

import (
	"fmt"
	"regexp"
)

// DefaultPrefix is the subject token residents put on code requests.
const DefaultPrefix = "REQ-CODE"

// Tag is the correlation tag extracted from a subject: the requested CPF
// with all formatting stripped.
type Tag struct {
	CPF string
}

// Matcher recognizes tagged request subjects. The vast majority of inbox
// traffic does not match; that is the expected outcome, not an error.
type Matcher struct {
	pattern *regexp.Regexp
}

// New builds a matcher for the given prefix token. The token must appear in
// the subject (case-insensitive), followed by an optional ":", "-", or
// space separator and a run of digits with CPF punctuation.
func New(prefix string) *Matcher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Matcher{
		pattern: regexp.MustCompile(fmt.Sprintf(`(?i)%s[:\- ]*([0-9.\-]+)`, regexp.QuoteMeta(prefix))),
	}
}

// Match extracts the tag from a subject. The second return is false when
// the subject is not a request, or when the captured run holds no digits.
func (m *Matcher) Match(subject string) (Tag, bool) {
	groups := m.pattern.FindStringSubmatch(subject)
	if groups == nil {
		return Tag{}, false
	}
	cpf := normalizeDigits(groups[1])
	if cpf == "" {
		return Tag{}, false
	}
	return Tag{CPF: cpf}, true
}

func normalizeDigits(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}
