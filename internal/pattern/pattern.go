// Package pattern matches file names against simple wildcard patterns where
// '*' is the only metacharacter.
package pattern

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Matcher is a pre-compiled pattern set. The zero value matches everything.
type Matcher struct {
	exprs []*regexp.Regexp
}

func Compile(patterns []string) Matcher {
	exprs := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		exprs = append(exprs, compileOne(pattern))
	}
	return Matcher{exprs: exprs}
}

func compileOne(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	// Names may contain newlines, so '.' must match them.
	return regexp.MustCompile("(?s)^" + strings.Join(parts, ".*") + "$")
}

// Match reports whether the base name of filename matches any pattern.
func (m Matcher) Match(filename string) bool {
	if len(m.exprs) == 0 {
		return true
	}
	name := filepath.Base(filename)
	for _, expr := range m.exprs {
		if expr.MatchString(name) {
			return true
		}
	}
	return false
}

func Match(filename string, patterns []string) bool {
	return Compile(patterns).Match(filename)
}

// Split breaks a comma separated query value into trimmed patterns.
func Split(values ...string) []string {
	var patterns []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				patterns = append(patterns, trimmed)
			}
		}
	}
	return patterns
}
