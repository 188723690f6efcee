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

package saas

import (
	"encoding/json"

	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// envelopeKeys lists the collection keys tried, in order, when a response
// body is a JSON object rather than a bare array and no recordsPath option
// names the field explicitly. Odoo and HubSpot both wrap list responses
// this way, under different key names.
var envelopeKeys = []string{"results", "records", "data", "value", "items"}

// decodeCollection extracts the page of records from a REST collection
// response body, which may be a bare JSON array or an object wrapping the
// array under recordsPath or one of envelopeKeys.
func decodeCollection(body []byte, recordsPath string) ([]record.Record, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "parsing response body")
	}

	node := doc
	switch v := doc.(type) {
	case []any:
		// bare array, use as-is
	case map[string]any:
		if recordsPath != "" {
			found, ok := v[recordsPath]
			if !ok {
				return nil, errors.Newf(errors.KindSchemaMismatch, "recordsPath %q not present in response", recordsPath)
			}
			node = found
		} else {
			resolved, ok := resolveEnvelope(v)
			if !ok {
				return nil, errors.New(errors.KindSchemaMismatch, "response body is not a recognized collection shape")
			}
			node = resolved
		}
	default:
		return nil, errors.New(errors.KindSchemaMismatch, "response body is neither an array nor an object")
	}

	arr, ok := node.([]any)
	if !ok {
		return nil, errors.New(errors.KindSchemaMismatch, "resolved collection field is not an array")
	}

	records := make([]record.Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New(errors.KindSchemaMismatch, "collection array must contain only objects")
		}
		rec, err := record.New(obj)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func resolveEnvelope(obj map[string]any) (any, bool) {
	for _, key := range envelopeKeys {
		if v, ok := obj[key]; ok {
			if _, isArray := v.([]any); isArray {
				return v, true
			}
		}
	}
	return nil, false
}
