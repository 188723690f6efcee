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
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"

	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// parseCSV decodes content into records keyed by its header row. Duplicate
// headers are disambiguated with a _2, _3, ... suffix, matching the
// convention the rest of the file-adapter family uses. A header that
// collides with a forbidden record key fails the whole parse with
// SCHEMA_MISMATCH, since that column can never be represented safely.
func parseCSV(content []byte, delimiter string) ([]record.Record, []string, error) {
	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = rune(delimiter[0])
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, errors.WrapErr(errors.KindReadFailed, err, "parsing CSV content")
	}
	if len(rows) == 0 {
		return []record.Record{}, nil, nil
	}

	headers := rows[0]
	if len(headers) == 0 {
		return nil, nil, errors.New(errors.KindSchemaMismatch, "CSV has no columns")
	}

	seen := make(map[string]int, len(headers))
	unique := make([]string, len(headers))
	for i, h := range headers {
		if record.IsForbiddenKey(h) {
			return nil, nil, errors.Newf(errors.KindSchemaMismatch, "CSV header %q is a forbidden record key", h)
		}
		n := seen[h]
		seen[h] = n + 1
		if n == 0 {
			unique[i] = h
		} else {
			unique[i] = fmt.Sprintf("%s_%d", h, n+1)
		}
	}

	records := make([]record.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		fields := make(map[string]any, len(unique))
		for i, h := range unique {
			if i < len(row) {
				fields[h] = row[i]
			} else {
				fields[h] = ""
			}
		}
		rec, err := record.New(fields)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}

	return records, unique, nil
}

// writeCSV serializes records into CSV content, deriving the header row
// from the union of all record keys in stable sorted order. A string cell
// matching the spreadsheet-formula prefix class is escaped when
// sanitizeFormulas is set, by prepending escapeChar.
func writeCSV(records []record.Record, delimiter, escapeChar string, sanitizeFormulas bool) ([]byte, error) {
	headerSet := make(map[string]struct{})
	for _, r := range records {
		for k := range r {
			headerSet[k] = struct{}{}
		}
	}
	headers := make([]string, 0, len(headerSet))
	for h := range headerSet {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = rune(delimiter[0])

	if err := w.Write(headers); err != nil {
		return nil, errors.WrapErr(errors.KindWriteFailed, err, "writing CSV header")
	}

	for _, r := range records {
		row := make([]string, len(headers))
		for i, h := range headers {
			cell := formatValue(r[h])
			if sanitizeFormulas {
				cell = formulaSanitize(escapeChar, cell)
			}
			row[i] = cell
		}
		if err := w.Write(row); err != nil {
			return nil, errors.WrapErr(errors.KindWriteFailed, err, "writing CSV row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.WrapErr(errors.KindWriteFailed, err, "flushing CSV content")
	}
	return buf.Bytes(), nil
}

func inferCSVSchema(name string, fieldNames []string) record.Schema {
	fields := make([]record.FieldDefinition, len(fieldNames))
	for i, n := range fieldNames {
		fields[i] = record.FieldDefinition{Name: n, Type: record.FieldTypeString}
	}
	return record.Schema{Name: name, Fields: fields, Inferred: true}
}
