// Package topic implements the dot-segmented topic syntax: normalization,
// pattern compilation, and hierarchy helpers (spec §4.1).
//
// Patterns are compiled to regex once and cached, the same approach the
// teacher's bus.compilePattern takes for NATS-style `*`/`>` subjects
// (internal/events/bus/memory.go), generalized to `*`/`**` dot-segment
// wildcards and a strict topic character class.
package topic

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// topicPattern is the validation regex for a normalized topic (spec §3).
var topicPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)

const maxTopicLength = 256

// InvalidTopicError describes why a topic failed normalization.
type InvalidTopicError struct {
	Topic  string
	Reason string
}

func (e *InvalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic %q: %s", e.Topic, e.Reason)
}

// Normalize trims and lowercases a topic and validates it against spec §3's
// character class and length bound. It never mutates the input string (Go
// strings are immutable) and never partially validates: either the result
// is fully valid or an *InvalidTopicError is returned.
func Normalize(t string) (string, error) {
	trimmed := strings.TrimSpace(t)
	lower := strings.ToLower(trimmed)

	if lower == "" {
		return "", &InvalidTopicError{Topic: t, Reason: "empty topic"}
	}
	if len(lower) > maxTopicLength {
		return "", &InvalidTopicError{Topic: t, Reason: fmt.Sprintf("exceeds %d characters", maxTopicLength)}
	}
	if !topicPattern.MatchString(lower) {
		return "", &InvalidTopicError{Topic: t, Reason: "must match ^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$"}
	}
	return lower, nil
}

// Levels splits a normalized topic into its dot-separated segments.
func Levels(t string) []string {
	return strings.Split(t, ".")
}

// Parent returns the topic with its last segment removed, or "" if t has
// only one segment.
func Parent(t string) string {
	idx := strings.LastIndex(t, ".")
	if idx < 0 {
		return ""
	}
	return t[:idx]
}

// IsChild reports whether child is exactly one level below parent
// ("a.b" is a child of "a"; "a.b.c" is not).
func IsChild(parent, child string) bool {
	return Parent(child) == parent
}

// Matcher is a compiled topic pattern. It is safe for concurrent use by
// multiple goroutines once compiled (regexp.Regexp is read-only after
// compilation).
type Matcher struct {
	pattern string
	literal string // set when the pattern has no wildcards, for fast-path comparisons
	re      *regexp.Regexp
}

// Compile turns a pattern into a Matcher, caching the compiled regex the
// way the teacher caches one regex per subscription at Subscribe time
// rather than recompiling per-event.
//
// Pattern syntax (spec §4.1):
//   - a literal dot-segment matches itself exactly
//   - "*" matches any run of characters, including none, and may span
//     further segments (the spec mandates ".*"-style regex matching for
//     both single- and multi-level semantics)
//   - "**" matches any run of characters, including across segments
func Compile(pattern string) (*Matcher, error) {
	if pattern == "" {
		return nil, &InvalidTopicError{Topic: pattern, Reason: "empty pattern"}
	}

	if !strings.Contains(pattern, "*") {
		if _, err := Normalize(pattern); err != nil {
			return nil, err
		}
		lower := strings.ToLower(pattern)
		return &Matcher{pattern: pattern, literal: lower}, nil
	}

	re, err := compileWildcard(pattern)
	if err != nil {
		return nil, &InvalidTopicError{Topic: pattern, Reason: err.Error()}
	}
	return &Matcher{pattern: pattern, re: re}, nil
}

// MustCompile panics on an invalid pattern; used for constants.
func MustCompile(pattern string) *Matcher {
	m, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return m
}

// Pattern returns the original, uncompiled pattern string.
func (m *Matcher) Pattern() string { return m.pattern }

// IsLiteral reports whether the pattern contains no wildcards, letting
// callers take a fast exact-match/index path (spec §4.2 query planner).
func (m *Matcher) IsLiteral() bool { return m.re == nil }

// Literal returns the normalized literal topic this matcher matches, valid
// only when IsLiteral() is true.
func (m *Matcher) Literal() string { return m.literal }

// Match reports whether topic (already normalized) satisfies the pattern.
func (m *Matcher) Match(topic string) bool {
	if m.re == nil {
		return topic == m.literal
	}
	return m.re.MatchString(topic)
}

// Matches is the one-shot convenience form of Compile+Match, for callers
// that don't need the cached Matcher (e.g. test helpers). Production
// hot paths (registry, rules) must use Compile once and reuse the Matcher.
func Matches(t, pattern string) bool {
	m, err := Compile(pattern)
	if err != nil {
		return false
	}
	return m.Match(t)
}

var wildcardCompileCache sync.Map // string -> *regexp.Regexp

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	if cached, ok := wildcardCompileCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	segments := strings.Split(pattern, ".")
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range segments {
		if i > 0 {
			b.WriteString(`\.`)
		}
		switch seg {
		case "**", "*":
			// Spec §4.1: "*" documents as single-level but the matcher
			// uses .*-style regex for both "*" and "**" — both match any
			// run of characters, including across further dot segments.
			b.WriteString(`.*`)
		default:
			if strings.Contains(seg, "*") {
				// mixed literal+wildcard segment, e.g. "order*"
				parts := strings.Split(seg, "*")
				for j, p := range parts {
					if j > 0 {
						b.WriteString(`.*`)
					}
					b.WriteString(regexp.QuoteMeta(p))
				}
			} else {
				b.WriteString(regexp.QuoteMeta(seg))
			}
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	wildcardCompileCache.Store(pattern, re)
	return re, nil
}
