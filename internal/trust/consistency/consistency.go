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

// Package consistency implements the Consistency Monitor trust primitive:
// a field-by-field comparison of two connectors under an explicit mapping
// and key configuration, used by the compare_records tool.
package consistency

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	defaultMaxRecords = 100_000
	absoluteMaxRecords = 1_000_000
)

// Transform names a value normalization applied to a mapped field before
// comparison.
type Transform string

const (
	TransformNone                Transform = ""
	TransformLowercase           Transform = "lowercase"
	TransformUppercase           Transform = "uppercase"
	TransformTrim                Transform = "trim"
	TransformNormalizeWhitespace Transform = "normalizeWhitespace"
	TransformParseDate           Transform = "parseDate"
	TransformParseNumber         Transform = "parseNumber"
	TransformToString            Transform = "toString"
)

// FieldMapping pairs a source field with its corresponding target field,
// with an optional transform and comparator applied before comparison.
type FieldMapping struct {
	SourceField string
	TargetField string
	Transform   Transform
	Comparator  string
}

// KeyConfig names the fields, on each side, whose values together form the
// join key used to pair a source record with a target record.
type KeyConfig struct {
	SourceFields []string
	TargetFields []string
}

// Options configures a single compare_records invocation. MaxRecords is a
// pointer so that an explicit 0 (meaning "return nothing") is
// distinguishable from an unset field (meaning "apply the default cap").
type Options struct {
	Mapping    []FieldMapping
	Key        KeyConfig
	MaxRecords *int
}

func (o Options) maxRecords() int {
	if o.MaxRecords == nil {
		return defaultMaxRecords
	}
	n := *o.MaxRecords
	if n < 0 {
		n = 0
	}
	if n > absoluteMaxRecords {
		n = absoluteMaxRecords
	}
	return n
}

// DifferenceType classifies why a mapped field did not match.
type DifferenceType string

const (
	DiffValueMismatch   DifferenceType = "value_mismatch"
	DiffMissingInSource DifferenceType = "missing_in_source"
	DiffMissingInTarget DifferenceType = "missing_in_target"
	DiffTypeMismatch    DifferenceType = "type_mismatch"
)

// FieldDifference reports one mapped field that failed to match between
// the paired source and target record.
type FieldDifference struct {
	SourceField string         `json:"sourceField"`
	TargetField string         `json:"targetField"`
	Type        DifferenceType `json:"type"`
	SourceValue any            `json:"sourceValue,omitempty"`
	TargetValue any            `json:"targetValue,omitempty"`
}

// RecordStatus classifies the outcome of comparing one key across sides.
type RecordStatus string

const (
	StatusMatch      RecordStatus = "match"
	StatusDifference RecordStatus = "difference"
	StatusSourceOnly RecordStatus = "source_only"
	StatusTargetOnly RecordStatus = "target_only"
)

// RecordResult is the comparison outcome for one join key.
type RecordResult struct {
	Key         string             `json:"key"`
	Status      RecordStatus       `json:"status"`
	Differences []FieldDifference  `json:"differences,omitempty"`
	Source      record.Record      `json:"source,omitempty"`
	Target      record.Record      `json:"target,omitempty"`
}

// Report summarizes a full comparison run.
type Report struct {
	Results        []RecordResult `json:"results"`
	MatchCount     int            `json:"matchCount"`
	DifferenceCount int           `json:"differenceCount"`
	SourceOnlyCount int           `json:"sourceOnlyCount"`
	TargetOnlyCount int           `json:"targetOnlyCount"`
}

// Compare loads records from source and target (bounded by opts.MaxRecords),
// indexes target by its key config, and compares each source record against
// its paired target under opts.Mapping.
func Compare(ctx context.Context, source, target connector.Connector, opts Options) (Report, error) {
	if source == nil {
		return Report{}, errors.New(errors.KindSourceNotConnected, "compare_records requires a source connector")
	}
	if target == nil {
		return Report{}, errors.New(errors.KindTargetNotConnected, "compare_records requires a target connector")
	}
	if len(opts.Key.SourceFields) == 0 || len(opts.Key.TargetFields) == 0 {
		return Report{}, errors.New(errors.KindKeyFieldMissing, "compare_records requires a key field on both source and target")
	}
	if len(opts.Key.SourceFields) != len(opts.Key.TargetFields) {
		return Report{}, errors.New(errors.KindMappingError, "source and target key field lists must be the same length")
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

	targetIndex := make(map[string]record.Record, len(targetRecords))
	for _, r := range targetRecords {
		key, ok := joinKey(r, opts.Key.TargetFields)
		if !ok {
			continue
		}
		targetIndex[key] = r
	}

	claimed := make(map[string]struct{}, len(targetRecords))
	report := Report{}

	for _, src := range sourceRecords {
		key, ok := joinKey(src, opts.Key.SourceFields)
		if !ok {
			continue
		}
		tgt, found := targetIndex[key]
		if !found {
			report.Results = append(report.Results, RecordResult{Key: key, Status: StatusSourceOnly, Source: src})
			report.SourceOnlyCount++
			continue
		}
		claimed[key] = struct{}{}

		diffs, err := compareFields(src, tgt, opts.Mapping)
		if err != nil {
			return Report{}, err
		}
		if len(diffs) == 0 {
			report.Results = append(report.Results, RecordResult{Key: key, Status: StatusMatch})
			report.MatchCount++
		} else {
			report.Results = append(report.Results, RecordResult{Key: key, Status: StatusDifference, Differences: diffs, Source: src, Target: tgt})
			report.DifferenceCount++
		}
	}

	for key, tgt := range targetIndex {
		if _, ok := claimed[key]; ok {
			continue
		}
		report.Results = append(report.Results, RecordResult{Key: key, Status: StatusTargetOnly, Target: tgt})
		report.TargetOnlyCount++
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

func joinKey(r record.Record, fields []string) (string, bool) {
	values := make([]any, len(fields))
	for i, f := range fields {
		v, ok := r[f]
		if !ok {
			return "", false
		}
		values[i] = v
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}

func compareFields(src, tgt record.Record, mapping []FieldMapping) ([]FieldDifference, error) {
	var diffs []FieldDifference
	for _, m := range mapping {
		sv, sok := src[m.SourceField]
		tv, tok := tgt[m.TargetField]

		if !sok && !tok {
			continue
		}
		if !sok {
			diffs = append(diffs, FieldDifference{SourceField: m.SourceField, TargetField: m.TargetField, Type: DiffMissingInSource, TargetValue: tv})
			continue
		}
		if !tok {
			diffs = append(diffs, FieldDifference{SourceField: m.SourceField, TargetField: m.TargetField, Type: DiffMissingInTarget, SourceValue: sv})
			continue
		}

		sv = applyTransform(m.Transform, sv)
		tv = applyTransform(m.Transform, tv)

		match, typeMismatch, err := compareValues(m.Comparator, sv, tv)
		if err != nil {
			return nil, err
		}
		if typeMismatch {
			diffs = append(diffs, FieldDifference{SourceField: m.SourceField, TargetField: m.TargetField, Type: DiffTypeMismatch, SourceValue: sv, TargetValue: tv})
			continue
		}
		if !match {
			diffs = append(diffs, FieldDifference{SourceField: m.SourceField, TargetField: m.TargetField, Type: DiffValueMismatch, SourceValue: sv, TargetValue: tv})
		}
	}
	return diffs, nil
}

func applyTransform(t Transform, v any) any {
	switch t {
	case TransformLowercase:
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
	case TransformUppercase:
		if s, ok := v.(string); ok {
			return strings.ToUpper(s)
		}
	case TransformTrim:
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	case TransformNormalizeWhitespace:
		if s, ok := v.(string); ok {
			return strings.Join(strings.Fields(s), " ")
		}
	case TransformParseDate:
		if s, ok := v.(string); ok {
			if ts, ok := parseDate(s); ok {
				return ts
			}
		}
	case TransformParseNumber:
		if s, ok := v.(string); ok {
			if f, ok := toFloat(s); ok {
				return f
			}
		}
	case TransformToString:
		return toStringValue(v)
	}
	return v
}

var dateLayouts = []string{time.RFC3339, "2006-01-02", "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
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
		f, err := strconv.ParseFloat(strings.TrimSpace(tv), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toStringValue(v any) string {
	switch tv := v.(type) {
	case string:
		return tv
	case time.Time:
		return tv.Format(time.RFC3339)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return strings.Trim(string(encoded), `"`)
	}
}

// compareValues dispatches to the named comparator. An empty name defaults
// to exact. typeMismatch is reported rather than match=false when the two
// values' underlying kinds (after transform) are incompatible for the
// requested comparator, e.g. a non-numeric string under numericTolerance.
func compareValues(name string, a, b any) (match bool, typeMismatch bool, err error) {
	if a == nil && b == nil {
		return true, false, nil
	}

	switch name {
	case "", "exact":
		return a == b || toStringValue(a) == toStringValue(b), false, nil
	case "caseInsensitive":
		return strings.EqualFold(toStringValue(a), toStringValue(b)), false, nil
	case "numericTolerance":
		af, aok := toFloat(a)
		bf, bok := toFloat(b)
		if !aok || !bok {
			return false, true, nil
		}
		return math.Abs(af-bf) < 0.001, false, nil
	case "dateOnly":
		at, aok := coerceDate(a)
		bt, bok := coerceDate(b)
		if !aok || !bok {
			return false, true, nil
		}
		ay, am, ad := at.Date()
		by, bm, bd := bt.Date()
		return ay == by && am == bm && ad == bd, false, nil
	case "trimmedString":
		return strings.TrimSpace(toStringValue(a)) == strings.TrimSpace(toStringValue(b)), false, nil
	default:
		return false, false, errors.Newf(errors.KindMappingError, "unknown comparator %q", name)
	}
}

func coerceDate(v any) (time.Time, bool) {
	switch tv := v.(type) {
	case time.Time:
		return tv, true
	case string:
		return parseDate(tv)
	default:
		return time.Time{}, false
	}
}
