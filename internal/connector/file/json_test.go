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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func TestParseJSONTopLevelArray(t *testing.T) {
	content := `[{"id":1,"name":"Ada"},{"id":2,"name":"Grace"}]`
	records, err := parseJSON([]byte(content), "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.EqualValues(t, 1, records[0]["id"])
}

func TestParseJSONRecordsPath(t *testing.T) {
	content := `{"data":{"rows":[{"id":1}]}}`
	records, err := parseJSON([]byte(content), "data.rows")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 1, records[0]["id"])
}

func TestParseJSONRecordsPathForbiddenSegment(t *testing.T) {
	content := `{"__proto__":{"rows":[]}}`
	_, err := parseJSON([]byte(content), "__proto__.rows")
	require.Error(t, err)

	var dtErr *dtbrokererrors.Error
	require.ErrorAs(t, err, &dtErr)
	assert.Equal(t, dtbrokererrors.KindConfigurationError, dtErr.Kind)
}

func TestParseJSONRecordsPathMissingSegment(t *testing.T) {
	content := `{"data":{}}`
	_, err := parseJSON([]byte(content), "data.rows")
	require.Error(t, err)

	var dtErr *dtbrokererrors.Error
	require.ErrorAs(t, err, &dtErr)
	assert.Equal(t, dtbrokererrors.KindNotFound, dtErr.Kind)
}

func TestParseJSONNonArrayFails(t *testing.T) {
	content := `{"id":1}`
	_, err := parseJSON([]byte(content), "")
	require.Error(t, err)

	var dtErr *dtbrokererrors.Error
	require.ErrorAs(t, err, &dtErr)
	assert.Equal(t, dtbrokererrors.KindSchemaMismatch, dtErr.Kind)
}

func TestWriteJSONTopLevelRoundTrip(t *testing.T) {
	recs := mustRecords(t, map[string]any{"id": float64(1), "name": "Ada"})
	out, err := writeJSON(nil, "", recs)
	require.NoError(t, err)

	parsed, err := parseJSON(out, "")
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.Equal(t, "Ada", parsed[0]["name"])
}

func TestWriteJSONPreservesSiblingKeysAtRecordsPath(t *testing.T) {
	existing := []byte(`{"meta":{"version":1},"data":{"rows":[{"id":1}]}}`)
	recs := mustRecords(t, map[string]any{"id": float64(2)})

	out, err := writeJSON(existing, "data.rows", recs)
	require.NoError(t, err)

	parsed, err := parseJSON(out, "data.rows")
	require.NoError(t, err)
	require.Len(t, parsed, 1)
	assert.EqualValues(t, 2, parsed[0]["id"])

	var metaCheck map[string]any
	require.NoError(t, json.Unmarshal(out, &metaCheck))
	meta := metaCheck["meta"].(map[string]any)
	assert.EqualValues(t, 1, meta["version"])
}

func TestInferJSONSchemaTypes(t *testing.T) {
	recs := mustRecords(t, map[string]any{
		"id":     float64(1),
		"active": true,
		"name":   "Ada",
		"tags":   []any{"a", "b"},
	})
	schema := inferJSONSchema("test", recs)
	names := schema.FieldNames()
	assert.ElementsMatch(t, []string{"id", "active", "name", "tags"}, names)
	assert.True(t, schema.Inferred)
}
