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

package consistency

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/connector/file"
)

func newJSONConnector(t *testing.T, id, content string) connector.Connector {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := file.New(connector.Config{ID: id, Name: id, Type: "json", Options: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestCompareIdenticalDatasetsAllMatch(t *testing.T) {
	content := `[{"id":"A","amount":100},{"id":"B","amount":50}]`
	source := newJSONConnector(t, "source", content)
	target := newJSONConnector(t, "target", content)

	report, err := Compare(context.Background(), source, target, Options{
		Key:     KeyConfig{SourceFields: []string{"id"}, TargetFields: []string{"id"}},
		Mapping: []FieldMapping{{SourceField: "amount", TargetField: "amount"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.MatchCount)
	assert.Equal(t, 0, report.DifferenceCount)
	assert.Equal(t, 0, report.SourceOnlyCount)
	assert.Equal(t, 0, report.TargetOnlyCount)
}

func TestCompareDetectsValueMismatch(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A","amount":100}]`)
	target := newJSONConnector(t, "target", `[{"id":"A","amount":150}]`)

	report, err := Compare(context.Background(), source, target, Options{
		Key:     KeyConfig{SourceFields: []string{"id"}, TargetFields: []string{"id"}},
		Mapping: []FieldMapping{{SourceField: "amount", TargetField: "amount"}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.DifferenceCount)
	require.Len(t, report.Results[0].Differences, 1)
	assert.Equal(t, DiffValueMismatch, report.Results[0].Differences[0].Type)
}

func TestCompareNumericToleranceComparator(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A","amount":100.00}]`)
	target := newJSONConnector(t, "target", `[{"id":"A","amount":100.0005}]`)

	report, err := Compare(context.Background(), source, target, Options{
		Key:     KeyConfig{SourceFields: []string{"id"}, TargetFields: []string{"id"}},
		Mapping: []FieldMapping{{SourceField: "amount", TargetField: "amount", Comparator: "numericTolerance"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchCount)
}

func TestCompareSourceOnlyAndTargetOnly(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A"},{"id":"B"}]`)
	target := newJSONConnector(t, "target", `[{"id":"A"},{"id":"C"}]`)

	report, err := Compare(context.Background(), source, target, Options{
		Key: KeyConfig{SourceFields: []string{"id"}, TargetFields: []string{"id"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchCount)
	assert.Equal(t, 1, report.SourceOnlyCount)
	assert.Equal(t, 1, report.TargetOnlyCount)
}

func TestCompareRequiresKeyConfig(t *testing.T) {
	source := newJSONConnector(t, "source", `[]`)
	target := newJSONConnector(t, "target", `[]`)

	_, err := Compare(context.Background(), source, target, Options{})
	require.Error(t, err)
}

func TestCompareMaxRecordsZeroReturnsEmptyWithoutError(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A"}]`)
	target := newJSONConnector(t, "target", `[{"id":"A"}]`)

	zero := 0
	report, err := Compare(context.Background(), source, target, Options{
		Key:        KeyConfig{SourceFields: []string{"id"}, TargetFields: []string{"id"}},
		MaxRecords: &zero,
	})
	require.NoError(t, err)
	assert.Empty(t, report.Results)
}

func TestApplyTransformLowercase(t *testing.T) {
	assert.Equal(t, "ada", applyTransform(TransformLowercase, "ADA"))
}

func TestCompareValuesUnknownComparatorErrors(t *testing.T) {
	_, _, err := compareValues("bogus", "a", "a")
	require.Error(t, err)
}
