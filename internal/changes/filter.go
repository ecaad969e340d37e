package changes

import (
	"regexp"
)

// Matcher holds compiled path filters. Each filter is a regular expression
// matched anywhere in the path; a filter that is not a valid expression is
// matched as a literal substring.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles filters.
func NewMatcher(filters []string) *Matcher {
	m := &Matcher{patterns: make([]*regexp.Regexp, 0, len(filters))}
	for _, f := range filters {
		re, err := regexp.Compile(f)
		if err != nil {
			re = regexp.MustCompile(regexp.QuoteMeta(f))
		}
		m.patterns = append(m.patterns, re)
	}
	return m
}

// MatchAny reports whether path matches at least one filter. Force-sync
// selection uses this rule.
func (m *Matcher) MatchAny(path string) bool {
	for _, re := range m.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// MatchAll reports whether path matches every filter. Listings use this
// rule; with no filters every path matches.
func (m *Matcher) MatchAll(path string) bool {
	for _, re := range m.patterns {
		if !re.MatchString(path) {
			return false
		}
	}
	return true
}
