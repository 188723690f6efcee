// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package policy

import (
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// matcherKind distinguishes how Matcher.Value is interpreted.
type matcherKind string

const (
	matcherLiteral matcherKind = "literal"
	matcherGlob    matcherKind = "glob"
	matcherRegex   matcherKind = "regex"
)

// maxRegexPatternLength and maxRegexInputLength bound the cost of an
// opt-in regex matcher: the server compiles no regex the config author
// did not explicitly request,
// and even then caps pattern and input size rather than imposing a
// managed-backtracking runtime this codebase does not have.
const (
	maxRegexPatternLength = 512
	maxRegexInputLength   = 4096
)

// Matcher is one element of a rule predicate list: a literal string, a
// glob containing `*`, or an explicit regex opt-in. The bare string `*`
// always matches anything regardless of kind.
type Matcher struct {
	Kind  matcherKind
	Value string

	compiled *regexp.Regexp
}

// Literal builds a matcher compared by exact string equality.
func Literal(value string) Matcher { return Matcher{Kind: matcherLiteral, Value: value} }

// Glob builds a matcher compared with doublestar glob semantics.
func Glob(pattern string) Matcher { return Matcher{Kind: matcherGlob, Value: pattern} }

// Regex builds an opt-in regex matcher. The pattern is compiled lazily on
// first Match call and rejected if it exceeds maxRegexPatternLength.
func Regex(pattern string) Matcher { return Matcher{Kind: matcherRegex, Value: pattern} }

// Match reports whether candidate satisfies m. A literal `*` value always
// matches, independent of Kind.
func (m *Matcher) Match(candidate string) bool {
	if m.Value == "*" {
		return true
	}
	switch m.Kind {
	case matcherGlob:
		ok, err := doublestar.Match(m.Value, candidate)
		return err == nil && ok
	case matcherRegex:
		if len(m.Value) > maxRegexPatternLength || len(candidate) > maxRegexInputLength {
			return false
		}
		if m.compiled == nil {
			re, err := regexp.Compile(m.Value)
			if err != nil {
				return false
			}
			m.compiled = re
		}
		return m.compiled.MatchString(candidate)
	default:
		return m.Value == candidate
	}
}

// UnmarshalYAML decodes a policy author's plain string into a Matcher: a
// "glob:" or "regex:" prefix selects that kind, otherwise the whole
// string is a literal. This is the only place a policy bundle author
// writes a matcher, so the YAML shape stays a bare string list rather
// than an object per entry.
func (m *Matcher) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(s, "glob:"):
		*m = Glob(strings.TrimPrefix(s, "glob:"))
	case strings.HasPrefix(s, "regex:"):
		*m = Regex(strings.TrimPrefix(s, "regex:"))
	default:
		*m = Literal(s)
	}
	return nil
}

// MarshalYAML renders a Matcher back into the prefixed-string form
// UnmarshalYAML accepts, for dtbrokerctl's policy round-tripping.
func (m Matcher) MarshalYAML() (any, error) {
	switch m.Kind {
	case matcherGlob:
		return "glob:" + m.Value, nil
	case matcherRegex:
		return "regex:" + m.Value, nil
	default:
		return m.Value, nil
	}
}

// anyMatch reports whether candidate matches at least one matcher in ms.
// An empty or nil list is vacuously satisfied (predicate not specified).
func anyMatch(ms []Matcher, candidate string) bool {
	if len(ms) == 0 {
		return true
	}
	for i := range ms {
		if ms[i].Match(candidate) {
			return true
		}
	}
	return false
}

// allMatch reports whether every entry of candidates matches at least one
// matcher in ms (connectorsAll semantics). An empty ms list is vacuously
// satisfied.
func allMatch(ms []Matcher, candidates []string) bool {
	if len(ms) == 0 {
		return true
	}
	for _, c := range candidates {
		if !anyMatch(ms, c) {
			return false
		}
	}
	return true
}

// anyOfMatch reports whether at least one of candidates matches at least
// one matcher in ms (connectorsAny / selectFieldsAny / rolesAny / ... ).
func anyOfMatch(ms []Matcher, candidates []string) bool {
	if len(ms) == 0 {
		return true
	}
	for _, c := range candidates {
		if anyMatch(ms, c) {
			return true
		}
	}
	return false
}

// trimmedLower normalizes a field name for masking comparisons per spec
// §4.3: "field-name matching is trimmed-lowercase".
func trimmedLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
