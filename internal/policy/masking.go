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

import "github.com/dtbroker/dtbroker/internal/record"

// MaskFields returns the union of the policy's global masking fields, its
// per-connector fields for connectorID, and the fields a matched rule
// recorded in decision.MaskFields.
func MaskFields(pol Policy, connectorID string, decision Decision) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(fields []string) {
		for _, f := range fields {
			key := trimmedLower(f)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	add(pol.Masking.Fields)
	add(pol.Masking.PerConnector[connectorID])
	add(decision.MaskFields)
	return out
}

// Mask returns a copy of records with every field named in maskFields
// (trimmed-lowercase) replaced by the configured replacement text.
// Nested object and array-of-object values are masked recursively so
// before/after images and reconciliation pairs are covered uniformly.
func Mask(records []record.Record, maskFields []string, replacement string) []record.Record {
	if len(maskFields) == 0 {
		return records
	}
	if replacement == "" {
		replacement = DefaultReplacement
	}
	maskSet := make(map[string]struct{}, len(maskFields))
	for _, f := range maskFields {
		maskSet[trimmedLower(f)] = struct{}{}
	}

	out := make([]record.Record, len(records))
	for i, r := range records {
		out[i] = maskRecord(r, maskSet, replacement)
	}
	return out
}

func maskRecord(r record.Record, maskSet map[string]struct{}, replacement string) record.Record {
	out := make(record.Record, len(r))
	for k, v := range r {
		if _, masked := maskSet[trimmedLower(k)]; masked {
			out[k] = replacement
			continue
		}
		out[k] = maskValue(v, maskSet, replacement)
	}
	return out
}

func maskValue(v any, maskSet map[string]struct{}, replacement string) any {
	switch tv := v.(type) {
	case map[string]any:
		return maskRecord(record.Record(tv), maskSet, replacement)
	case record.Record:
		return maskRecord(tv, maskSet, replacement)
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = maskValue(item, maskSet, replacement)
		}
		return out
	default:
		return v
	}
}
