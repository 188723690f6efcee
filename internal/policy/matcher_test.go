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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_Literal(t *testing.T) {
	m := Literal("read_records")
	assert.True(t, m.Match("read_records"))
	assert.False(t, m.Match("write_records"))
}

func TestMatcher_Wildcard(t *testing.T) {
	m := Literal("*")
	assert.True(t, m.Match("anything"))
}

func TestMatcher_Glob(t *testing.T) {
	m := Glob("pg-*")
	assert.True(t, m.Match("pg-invoices"))
	assert.False(t, m.Match("csv-users"))
}

func TestMatcher_Regex(t *testing.T) {
	m := Regex("^pg-[a-z]+$")
	assert.True(t, m.Match("pg-invoices"))
	assert.False(t, m.Match("pg-123"))
}

func TestMatcher_Regex_RejectsOversizedPattern(t *testing.T) {
	m := Regex(strings.Repeat("a", maxRegexPatternLength+1))
	assert.False(t, m.Match("aaa"))
}

func TestMatcher_Regex_RejectsOversizedInput(t *testing.T) {
	m := Regex(".*")
	assert.False(t, m.Match(strings.Repeat("a", maxRegexInputLength+1)))
}

func TestGateAllows(t *testing.T) {
	tests := []struct {
		name         string
		deny         []Matcher
		allow        []Matcher
		candidate    string
		defaultAllow bool
		want         bool
	}{
		{"deny wins over allow", []Matcher{Literal("x")}, []Matcher{Literal("*")}, "x", true, false},
		{"explicit allow wins", nil, []Matcher{Literal("read_records")}, "read_records", false, true},
		{"falls through to default allow", nil, []Matcher{Literal("other")}, "read_records", true, true},
		{"falls through to default deny", nil, []Matcher{Literal("other")}, "read_records", false, false},
		{"no lists uses default", nil, nil, "read_records", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gateAllows(tt.deny, tt.allow, tt.candidate, tt.defaultAllow))
		})
	}
}

func TestAllMatchAndAnyOfMatch(t *testing.T) {
	ms := []Matcher{Literal("a"), Literal("b")}

	assert.True(t, allMatch(ms, []string{"a", "b"}))
	assert.False(t, allMatch(ms, []string{"a", "c"}))
	assert.True(t, allMatch(nil, []string{"anything"}))

	assert.True(t, anyOfMatch(ms, []string{"z", "a"}))
	assert.False(t, anyOfMatch(ms, []string{"z", "y"}))
	assert.True(t, anyOfMatch(nil, []string{"z"}))
}
