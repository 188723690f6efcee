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

package reconcile

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

func TestReconcileExactMatchOnIdenticalDatasets(t *testing.T) {
	content := `[{"id":"A","amount":100},{"id":"B","amount":50}]`
	source := newJSONConnector(t, "source", content)
	target := newJSONConnector(t, "target", content)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 100, Required: true}},
	})
	require.NoError(t, err)
	assert.Len(t, report.Matches, 2)
	assert.Empty(t, report.UnmatchedSource)
	assert.Empty(t, report.UnmatchedTarget)
	assert.InDelta(t, 100, report.AvgConfidence, 0.001)
}

func TestReconcileToleranceMatchesNearAmounts(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"name":"Acme Corp","amount":"1,234.56"}]`)
	target := newJSONConnector(t, "target", `[{"name":"Acme Corp","amount":"1.234,60"}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{
			{Name: "name", SourceField: "name", TargetField: "name", Operator: OpEquals, Weight: 50, Required: true},
			{Name: "amount", SourceField: "amount", TargetField: "amount", Operator: OpEqualsTolerance, Weight: 50, Tolerance: 0.1},
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)
	assert.InDelta(t, 100, report.Matches[0].Confidence, 0.001)
}

func TestReconcileRequiredRuleFailingIsInadmissibleRegardlessOfOtherWeights(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A","name":"Alice"}]`)
	target := newJSONConnector(t, "target", `[{"id":"B","name":"Alice"}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{
			{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 10, Required: true},
			{Name: "name", SourceField: "name", TargetField: "name", Operator: OpEquals, Weight: 90},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Matches)
	assert.Equal(t, []int{0}, report.UnmatchedSource)
}

func TestReconcileBelowMinConfidenceIsInadmissible(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A","name":"Alice","city":"X"}]`)
	target := newJSONConnector(t, "target", `[{"id":"A","name":"Bob","city":"Y"}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		MinConfidence: 90,
		Rules: []Rule{
			{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 34},
			{Name: "name", SourceField: "name", TargetField: "name", Operator: OpEquals, Weight: 33},
			{Name: "city", SourceField: "city", TargetField: "city", Operator: OpEquals, Weight: 33},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Matches)
}

func TestReconcileGreedyBestScoreWinsOverFirstAdmissible(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A","amount":100}]`)
	target := newJSONConnector(t, "target", `[{"id":"A","amount":90},{"id":"A","amount":100}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{
			{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 50, Required: true},
			{Name: "amount", SourceField: "amount", TargetField: "amount", Operator: OpEquals, Weight: 50},
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)
	assert.Equal(t, 1, report.Matches[0].TargetIndex)
	assert.Equal(t, []int{0}, report.UnmatchedTarget)
}

func TestReconcileSimilarityFuzzyMatchesNames(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"name":"Jonathan Smith"}]`)
	target := newJSONConnector(t, "target", `[{"name":"Jon Smith"}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{{Name: "name", SourceField: "name", TargetField: "name", Operator: OpSimilarity, Weight: 100, Algorithm: SimJaroWinkler, Threshold: 0.7}},
	})
	require.NoError(t, err)
	assert.Len(t, report.Matches, 1)
}

func TestReconcileRegexIsSafeByDefault(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"code":"XAB.*Y"}]`)
	target := newJSONConnector(t, "target", `[{"code":"AB.*"}]`)

	report, err := Reconcile(context.Background(), source, target, Options{
		Rules: []Rule{{Name: "code", SourceField: "code", TargetField: "code", Operator: OpRegex, Weight: 100}},
	})
	require.NoError(t, err)
	assert.Len(t, report.Matches, 1)
}

func TestReconcileRejectsNoRules(t *testing.T) {
	source := newJSONConnector(t, "source", `[]`)
	target := newJSONConnector(t, "target", `[]`)

	_, err := Reconcile(context.Background(), source, target, Options{})
	require.Error(t, err)
}

func TestReconcileMaxRecordsZeroReturnsEmptyWithoutError(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"id":"A"}]`)
	target := newJSONConnector(t, "target", `[{"id":"A"}]`)

	zero := 0
	report, err := Reconcile(context.Background(), source, target, Options{
		MaxRecords: &zero,
		Rules:      []Rule{{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 100}},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Matches)
}

func TestReconcileAutoBlockingNarrowsCandidatesButSameResultAsOff(t *testing.T) {
	source := newJSONConnector(t, "source", `[{"region":"EU","id":"1"},{"region":"US","id":"2"}]`)
	target := newJSONConnector(t, "target", `[{"region":"US","id":"2"},{"region":"EU","id":"1"}]`)

	rules := []Rule{
		{Name: "region", SourceField: "region", TargetField: "region", Operator: OpEquals, Weight: 50, Required: true},
		{Name: "id", SourceField: "id", TargetField: "id", Operator: OpEquals, Weight: 50, Required: true},
	}

	withBlocking, err := Reconcile(context.Background(), source, target, Options{Rules: rules, Blocking: BlockingConfig{Mode: BlockingAuto}})
	require.NoError(t, err)

	withoutBlocking, err := Reconcile(context.Background(), source, target, Options{Rules: rules, Blocking: BlockingConfig{Mode: BlockingOff}})
	require.NoError(t, err)

	assert.Equal(t, len(withoutBlocking.Matches), len(withBlocking.Matches))
}

func TestParseLocaleNumberHandlesBothSeparatorConventions(t *testing.T) {
	us, ok := parseLocaleNumberString("1,234.56")
	require.True(t, ok)
	assert.InDelta(t, 1234.56, us, 0.001)

	eu, ok := parseLocaleNumberString("1.234,56")
	require.True(t, ok)
	assert.InDelta(t, 1234.56, eu, 0.001)

	currency, ok := parseLocaleNumberString("$1,234.56")
	require.True(t, ok)
	assert.InDelta(t, 1234.56, currency, 0.001)
}

func TestSoundexMatchesKnownPair(t *testing.T) {
	assert.Equal(t, soundex("Robert"), soundex("Rupert"))
}

func TestLevenshteinSimilarityIdenticalStringsIsOne(t *testing.T) {
	assert.Equal(t, 1.0, levenshteinSimilarity("same", "same"))
}
