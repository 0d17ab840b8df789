// Package match selects report keys with doublestar include/exclude globs.
package match

import (
	"errors"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Errors returned by New.
var (
	// ErrNoIncludes is returned when no include pattern is configured.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern does not compile.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError names the offending pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Config configures a Matcher.
type Config struct {
	// Includes are globs a key must match at least one of.
	Includes []string

	// Excludes are globs a key must match none of.
	Excludes []string

	// IncludeHidden admits keys with a path segment starting with ".".
	IncludeHidden bool
}

// Matcher evaluates keys against compiled patterns. It is safe for
// concurrent use.
type Matcher struct {
	includes      []string
	excludes      []string
	prefix        string
	includeHidden bool
}

// New validates and normalizes the configured patterns.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		prefix:        commonPrefix(includes),
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		n := NormalizePattern(p)
		if !doublestar.ValidatePattern(n) {
			return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
		}
		out = append(out, n)
	}
	return out, nil
}

// Match reports whether key is included, not excluded, and not hidden.
func (m *Matcher) Match(key string) bool {
	if !m.includeHidden && IsHidden(key) {
		return false
	}
	if !anyMatch(m.includes, key) {
		return false
	}
	return !anyMatch(m.excludes, key)
}

// Prefix is the longest literal directory prefix shared by all includes.
// Listing under it visits every key Match could accept.
func (m *Matcher) Prefix() string {
	return m.prefix
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

func anyMatch(patterns []string, key string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, key); err == nil && ok {
			return true
		}
	}
	return false
}

// NormalizePattern converts backslash separators to slashes while keeping
// escapes of glob metacharacters such as `\*`.
func NormalizePattern(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(pattern) && strings.IndexByte(`*?[]{}\`, pattern[i+1]) >= 0 {
			b.WriteByte('\\')
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}

// DerivePrefix returns the literal directory portion of a pattern before its
// first unescaped metacharacter. A pattern without metacharacters is its own
// prefix.
func DerivePrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '*', '?', '[', '{':
			lit := pattern[:i]
			if j := strings.LastIndex(lit, "/"); j >= 0 {
				return unescape(lit[:j+1])
			}
			return ""
		}
	}
	return unescape(pattern)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func commonPrefix(patterns []string) string {
	prefixes := make([]string, len(patterns))
	for i, p := range patterns {
		prefixes[i] = DerivePrefix(p)
	}
	sort.Strings(prefixes)
	first, last := prefixes[0], prefixes[len(prefixes)-1]
	if first == last {
		return first
	}
	n := 0
	for n < len(first) && n < len(last) && first[n] == last[n] {
		n++
	}
	if j := strings.LastIndex(first[:n], "/"); j >= 0 {
		return first[:j+1]
	}
	return ""
}

// IsHidden reports whether any path segment of key starts with ".".
func IsHidden(key string) bool {
	for _, seg := range strings.Split(key, "/") {
		if strings.HasPrefix(seg, ".") && seg != "." && seg != ".." {
			return true
		}
	}
	return false
}
