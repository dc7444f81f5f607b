package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// BranchMatcher is a set of branch glob patterns compiled down to
// anchored regular expressions. Compilation happens once at definition
// load; events are matched against the compiled form only.
type BranchMatcher struct {
	patterns []string
	res      []*regexp.Regexp
}

// glob syntax: '*' matches within a path segment, '**' matches across
// segments, '?' matches a single character. Everything else is literal.
func CompileBranchPatterns(patterns []string) (*BranchMatcher, error) {
	m := &BranchMatcher{patterns: patterns}

	for _, p := range patterns {
		if p == "" {
			return nil, fmt.Errorf("empty branch pattern")
		}
		re, err := regexp.Compile(globToRegexp(p))
		if err != nil {
			return nil, fmt.Errorf("invalid branch pattern %q: %w", p, err)
		}
		m.res = append(m.res, re)
	}

	return m, nil
}

func (m *BranchMatcher) Match(branch string) bool {
	for _, re := range m.res {
		if re.MatchString(branch) {
			return true
		}
	}
	return false
}

func (m *BranchMatcher) Patterns() []string {
	return m.patterns
}

func globToRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")

	for i := 0; i < len(glob); i++ {
		switch glob[i] {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(glob[i])))
		}
	}

	b.WriteString("$")
	return b.String()
}
