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

// Package reconcile implements the Reconciliation Engine trust primitive:
// greedy one-to-one pairing of source and target records under a weighted
// rule list, for the reconcile_records tool.
package reconcile

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	defaultMinConfidence  = 50.0
	defaultThreshold      = 0.85
	maxRegexUnsafeLen     = 200
	regexGuardedInputSize = 10_000
)

// Operator names the comparison a rule applies to one field pair.
type Operator string

const (
	OpEquals          Operator = "equals"
	OpEqualsTolerance Operator = "equals_tolerance"
	OpContains        Operator = "contains"
	OpRegex           Operator = "regex"
	OpSimilarity      Operator = "similarity"
	OpDateRange       Operator = "date_range"
)

// BlockingMode selects how candidate pairs are pruned before the full
// rule evaluation, to avoid an O(n*m) cross-product on large datasets.
type BlockingMode string

const (
	BlockingAuto       BlockingMode = "auto"
	BlockingConfigured BlockingMode = "configured"
	BlockingOff        BlockingMode = "off"
)

// BlockingAlgorithm names the key-derivation function used in configured
// blocking mode.
type BlockingAlgorithm string

const (
	BlockExact           BlockingAlgorithm = "exact"
	BlockPrefix          BlockingAlgorithm = "prefix"
	BlockColognePhonetic BlockingAlgorithm = "cologne_phonetic"
	BlockSoundex         BlockingAlgorithm = "soundex"
)

const maxBlockingKeyLen = 256

// Rule describes one field-pair comparison contributing to a candidate
// pairing's confidence score.
type Rule struct {
	Name        string
	SourceField string
	TargetField string
	Operator    Operator
	Weight      int
	Required    bool

	// equals
	CaseInsensitive bool

	// equals_tolerance
	Tolerance float64

	// regex
	UnsafeRegex bool

	// similarity
	Algorithm   SimilarityAlgorithm
	Threshold   float64
	PrefixScale float64
	PrefixCap   float64
	NGram       int

	// date_range
	ToleranceDays float64
}

// BlockingConfig configures the optional candidate-pruning pass.
type BlockingConfig struct {
	Mode        BlockingMode
	SourceField string
	TargetField string
	Algorithm   BlockingAlgorithm
	PrefixLen   int
}

// Options configures a single reconcile_records invocation.
type Options struct {
	Rules         []Rule
	MinConfidence float64
	MaxRecords    *int
	Blocking      BlockingConfig
}

const (
	defaultMaxRecords  = 100_000
	absoluteMaxRecords = 1_000_000
)

func (o Options) minConfidence() float64 {
	if o.MinConfidence <= 0 {
		return defaultMinConfidence
	}
	return o.MinConfidence
}

func (o Options) maxRecords() int {
	if o.MaxRecords == nil {
		return defaultMaxRecords
	}
	n := *o.MaxRecords
	if n < 0 {
		return 0
	}
	if n > absoluteMaxRecords {
		return absoluteMaxRecords
	}
	return n
}

// Match is one admissible pairing between a source and a target record.
type Match struct {
	SourceIndex  int           `json:"sourceIndex"`
	TargetIndex  int           `json:"targetIndex"`
	Confidence   float64       `json:"confidence"`
	MatchedRules []string      `json:"matchedRules,omitempty"`
	Source       record.Record `json:"source"`
	Target       record.Record `json:"target"`
}

// Report summarizes a reconcile_records run.
type Report struct {
	Matches         []Match `json:"matches"`
	UnmatchedSource []int   `json:"unmatchedSource"`
	UnmatchedTarget []int   `json:"unmatchedTarget"`
	SourceCount     int     `json:"sourceCount"`
	TargetCount     int     `json:"targetCount"`
	AvgConfidence   float64 `json:"avgConfidence"`
}

// Reconcile pairs records read from source and target under opts.Rules.
func Reconcile(ctx context.Context, source, target connector.Connector, opts Options) (Report, error) {
	if len(opts.Rules) == 0 {
		return Report{}, errors.New(errors.KindInvalidRule, "reconcile_records requires at least one rule")
	}
	for _, r := range opts.Rules {
		if r.SourceField == "" || r.TargetField == "" {
			return Report{}, errors.Newf(errors.KindInvalidRule, "rule %q requires sourceField and targetField", r.Name)
		}
		if r.Weight < 1 || r.Weight > 100 {
			return Report{}, errors.Newf(errors.KindInvalidRule, "rule %q weight must be in 1..100", r.Name)
		}
	}

	limit := opts.maxRecords()
	if limit == 0 {
		return Report{}, nil
	}

	sourceRecords, err := loadAll(ctx, source, limit)
	if err != nil {
		return Report{}, err
	}
	targetRecords, err := loadAll(ctx, target, limit)
	if err != nil {
		return Report{}, err
	}

	report := Report{SourceCount: len(sourceRecords), TargetCount: len(targetRecords)}

	index := buildBlockIndex(targetRecords, opts)

	claimedTargets := make(map[int]struct{}, len(targetRecords))
	var totalConfidence float64

	for si, src := range sourceRecords {
		candidates := candidateTargets(si, src, targetRecords, index, opts)

		bestIdx := -1
		var bestConfidence float64
		var bestMatchedRules []string

		for _, ti := range candidates {
			if _, claimed := claimedTargets[ti]; claimed {
				continue
			}
			tgt := targetRecords[ti]

			confidence, matchedRules, allRequiredMatched, evalErr := evaluate(src, tgt, opts.Rules)
			if evalErr != nil {
				return Report{}, evalErr
			}
			if !allRequiredMatched || confidence < opts.minConfidence() {
				continue
			}
			if bestIdx == -1 || confidence > bestConfidence {
				bestIdx = ti
				bestConfidence = confidence
				bestMatchedRules = matchedRules
			}
		}

		if bestIdx == -1 {
			report.UnmatchedSource = append(report.UnmatchedSource, si)
			continue
		}

		claimedTargets[bestIdx] = struct{}{}
		totalConfidence += bestConfidence
		report.Matches = append(report.Matches, Match{
			SourceIndex:  si,
			TargetIndex:  bestIdx,
			Confidence:   bestConfidence,
			MatchedRules: bestMatchedRules,
			Source:       src,
			Target:       targetRecords[bestIdx],
		})
	}

	for ti := range targetRecords {
		if _, claimed := claimedTargets[ti]; !claimed {
			report.UnmatchedTarget = append(report.UnmatchedTarget, ti)
		}
	}

	if len(report.Matches) > 0 {
		report.AvgConfidence = totalConfidence / float64(len(report.Matches))
	}

	return report, nil
}

func loadAll(ctx context.Context, c connector.Connector, limit int) ([]record.Record, error) {
	out := make([]record.Record, 0, limit)
	offset := 0
	const pageSize = 1000

	for len(out) < limit {
		remaining := limit - len(out)
		pageLimit := pageSize
		if remaining < pageLimit {
			pageLimit = remaining
		}
		result, err := c.ReadRecords(ctx, record.FilterOptions{Offset: &offset, Limit: &pageLimit})
		if err != nil {
			return nil, err
		}
		out = append(out, result.Records...)
		if !result.HasMore || len(result.Records) == 0 {
			break
		}
		offset += len(result.Records)
	}
	return out, nil
}

// evaluate scores a single source/target candidate pair against every
// rule, returning the scaled 0..100 confidence, the names of matched
// rules, and whether every required rule matched.
func evaluate(src, tgt record.Record, rules []Rule) (confidence float64, matched []string, allRequiredMatched bool, err error) {
	var totalWeight, matchedWeight float64
	allRequiredMatched = true

	for _, r := range rules {
		totalWeight += float64(r.Weight)

		sv, sok := src[r.SourceField]
		tv, tok := tgt[r.TargetField]
		if !sok || !tok || sv == nil || tv == nil {
			if r.Required {
				allRequiredMatched = false
			}
			continue
		}

		ok, evalErr := applyOperator(r, sv, tv)
		if evalErr != nil {
			return 0, nil, false, evalErr
		}
		if ok {
			matchedWeight += float64(r.Weight)
			matched = append(matched, r.Name)
		} else if r.Required {
			allRequiredMatched = false
		}
	}

	if totalWeight == 0 {
		return 0, matched, allRequiredMatched, nil
	}
	return (matchedWeight / totalWeight) * 100, matched, allRequiredMatched, nil
}

func applyOperator(r Rule, sv, tv any) (bool, error) {
	switch r.Operator {
	case OpEquals:
		return equalsOp(sv, tv, r.CaseInsensitive), nil
	case OpEqualsTolerance:
		sf, sok := parseLocaleNumber(sv)
		tf, tok := parseLocaleNumber(tv)
		if !sok || !tok {
			return false, nil
		}
		diff := sf - tf
		if diff < 0 {
			diff = -diff
		}
		return diff <= r.Tolerance, nil
	case OpContains:
		return containsOp(toText(sv), toText(tv)), nil
	case OpRegex:
		return regexOp(toText(sv), toText(tv), r.UnsafeRegex), nil
	case OpSimilarity:
		threshold := r.Threshold
		if threshold <= 0 {
			threshold = defaultThreshold
		}
		score, ok := similarityScore(r.Algorithm, toText(sv), toText(tv), r.PrefixScale, r.PrefixCap, r.NGram)
		if !ok {
			return false, nil
		}
		return score >= threshold, nil
	case OpDateRange:
		st, sok := coerceTime(sv)
		tt, tok := coerceTime(tv)
		if !sok || !tok {
			return false, nil
		}
		diffMillis := st.UnixMilli() - tt.UnixMilli()
		if diffMillis < 0 {
			diffMillis = -diffMillis
		}
		toleranceMillis := int64(r.ToleranceDays * 86_400_000)
		return diffMillis <= toleranceMillis, nil
	default:
		return false, errors.Newf(errors.KindInvalidRule, "rule %q uses unknown operator %q", r.Name, r.Operator)
	}
}

// equalsOp compares two field values. It never applies Go's == operator
// directly to the any-typed values, since a JSON-decoded array or object
// field holds an uncomparable dynamic type ([]any or map[string]any) and
// would panic.
func equalsOp(sv, tv any, caseInsensitive bool) bool {
	if caseInsensitive {
		return strings.EqualFold(toText(sv), toText(tv))
	}
	if sf, sok := parseLocaleNumber(sv); sok {
		if tf, tok := parseLocaleNumber(tv); tok {
			return sf == tf
		}
	}
	return toText(sv) == toText(tv)
}

func containsOp(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// regexOp treats tv as a literal substring of sv unless unsafeRegex is
// set, in which case tv is compiled as a regular expression matched
// against sv. Oversized patterns against oversized input are refused as
// a non-match rather than evaluated, and a compilation failure is a
// non-match rather than an error.
func regexOp(sv, pattern string, unsafeRegex bool) bool {
	if !unsafeRegex {
		return strings.Contains(strings.ToLower(sv), strings.ToLower(pattern))
	}
	if len(pattern) > maxRegexUnsafeLen && len(sv) > regexGuardedInputSize {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(sv)
}

func toText(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case time.Time:
		return tv.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 32)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case bool:
		return strconv.FormatBool(tv)
	case nil:
		return ""
	default:
		return ""
	}
}

// parseLocaleNumber coerces v to a float64, tolerating both
// thousands-separator conventions (1,234.56 and 1.234,56) and stripping
// common currency symbols and whitespace.
func parseLocaleNumber(v any) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case string:
		return parseLocaleNumberString(tv)
	default:
		return 0, false
	}
}

var currencyStripper = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", " ", "")

func parseLocaleNumberString(s string) (float64, bool) {
	s = currencyStripper.Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')

	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.234,56 -> European: dot is thousands, comma is decimal.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// 1,234.56 -> US: comma is thousands, dot is decimal.
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		// Only a comma present: treat as decimal separator when exactly
		// two digits follow it, otherwise as a thousands separator.
		if len(s)-lastComma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func coerceTime(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, tv); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.UnixMilli(int64(tv)).UTC(), true
	default:
		return time.Time{}, false
	}
}
