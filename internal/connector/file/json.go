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

package file

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// parseJSON decodes content as a JSON document and navigates recordsPath
// (dot-separated, own-property lookup only) to locate the record array.
// An empty recordsPath expects content to decode directly to an array.
func parseJSON(content []byte, recordsPath string) ([]record.Record, error) {
	var doc any
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "parsing JSON content")
	}

	node := doc
	if recordsPath != "" {
		var err error
		node, err = navigate(node, strings.Split(recordsPath, "."))
		if err != nil {
			return nil, err
		}
	}

	arr, ok := node.([]any)
	if !ok {
		return nil, errors.Newf(errors.KindSchemaMismatch, "recordsPath %q does not resolve to an array", recordsPath)
	}

	records := make([]record.Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New(errors.KindSchemaMismatch, "JSON record array must contain only objects")
		}
		rec, err := record.New(obj)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// navigate walks doc by successive own-property map lookups, one per
// path segment. It never consults prototype chains because the decoded
// value is a plain map[string]any, and it rejects a forbidden segment
// before ever indexing into the map.
func navigate(doc any, segments []string) (any, error) {
	cur := doc
	for _, seg := range segments {
		if record.IsForbiddenKey(seg) {
			return nil, errors.Newf(errors.KindConfigurationError, "recordsPath segment %q is a forbidden key", seg)
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, errors.Newf(errors.KindSchemaMismatch, "recordsPath segment %q does not resolve to an object", seg)
		}
		next, present := m[seg]
		if !present {
			return nil, errors.Newf(errors.KindNotFound, "recordsPath segment %q not found", seg)
		}
		cur = next
	}
	return cur, nil
}

// writeJSON serializes records back into content, re-wrapping them at
// recordsPath when one is configured so a write never disturbs sibling
// keys in the surrounding document.
func writeJSON(existing []byte, recordsPath string, records []record.Record) ([]byte, error) {
	arr := make([]any, len(records))
	for i, r := range records {
		arr[i] = map[string]any(r)
	}

	if recordsPath == "" {
		out, err := json.MarshalIndent(arr, "", "  ")
		if err != nil {
			return nil, errors.WrapErr(errors.KindWriteFailed, err, "encoding JSON content")
		}
		return out, nil
	}

	var doc any = map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			doc = map[string]any{}
		}
	}

	if err := setAtPath(&doc, strings.Split(recordsPath, "."), arr); err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.WrapErr(errors.KindWriteFailed, err, "encoding JSON content")
	}
	return out, nil
}

func setAtPath(doc *any, segments []string, value any) error {
	if len(segments) == 0 {
		*doc = value
		return nil
	}
	m, ok := (*doc).(map[string]any)
	if !ok {
		m = map[string]any{}
	}
	seg := segments[0]
	if record.IsForbiddenKey(seg) {
		return errors.Newf(errors.KindConfigurationError, "recordsPath segment %q is a forbidden key", seg)
	}
	if len(segments) == 1 {
		m[seg] = value
	} else {
		child := m[seg]
		if err := setAtPath(&child, segments[1:], value); err != nil {
			return err
		}
		m[seg] = child
	}
	*doc = m
	return nil
}

func inferJSONSchema(name string, records []record.Record) record.Schema {
	fieldSet := make(map[string]record.FieldType)
	for _, r := range records {
		for k, v := range r {
			if _, ok := fieldSet[k]; ok {
				continue
			}
			fieldSet[k] = inferFieldType(v)
		}
	}
	names := make([]string, 0, len(fieldSet))
	for n := range fieldSet {
		names = append(names, n)
	}
	sort.Strings(names)

	fields := make([]record.FieldDefinition, len(names))
	for i, n := range names {
		fields[i] = record.FieldDefinition{Name: n, Type: fieldSet[n]}
	}
	return record.Schema{Name: name, Fields: fields, Inferred: true}
}

func inferFieldType(v any) record.FieldType {
	switch v.(type) {
	case bool:
		return record.FieldTypeBoolean
	case float64, int, int64:
		return record.FieldTypeNumber
	case []any:
		return record.FieldTypeArray
	case map[string]any:
		return record.FieldTypeObject
	default:
		return record.FieldTypeString
	}
}
