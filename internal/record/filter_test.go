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

package record_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/record"
)

func TestFilterOptions_Validate(t *testing.T) {
	t.Run("rejects forbidden field in condition", func(t *testing.T) {
		f := record.FilterOptions{
			Conditions: []record.FilterCondition{{Field: "__proto__", Operator: record.OpEquals, Value: "x"}},
		}
		require.Error(t, f.Validate())
	})

	t.Run("rejects unknown operator", func(t *testing.T) {
		f := record.FilterOptions{
			Conditions: []record.FilterCondition{{Field: "status", Operator: "startsWith", Value: "a"}},
		}
		require.Error(t, f.Validate())
	})

	t.Run("rejects in operator with non-array value", func(t *testing.T) {
		f := record.FilterOptions{
			Conditions: []record.FilterCondition{{Field: "status", Operator: record.OpIn, Value: "open"}},
		}
		require.Error(t, f.Validate())
	})

	t.Run("rejects cursor and offset together", func(t *testing.T) {
		offset := 10
		cursor := "abc"
		f := record.FilterOptions{Offset: &offset, Cursor: &cursor}
		require.Error(t, f.Validate())
	})

	t.Run("accepts well formed filter", func(t *testing.T) {
		limit := 25
		f := record.FilterOptions{
			Conditions: []record.FilterCondition{{Field: "status", Operator: record.OpIn, Value: []any{"open", "pending"}}},
			Select:     []string{"id", "status"},
			OrderBy:    []record.OrderBy{{Field: "created_at", Direction: record.SortDescending}},
			Limit:      &limit,
		}
		assert.NoError(t, f.Validate())
	})
}

func TestFilterOptions_Matches(t *testing.T) {
	r := record.Record{"status": "open", "priority": int64(3), "title": "Widget recall"}

	tests := []struct {
		name string
		cond record.FilterCondition
		want bool
	}{
		{"equals match", record.FilterCondition{Field: "status", Operator: record.OpEquals, Value: "open"}, true},
		{"equals mismatch", record.FilterCondition{Field: "status", Operator: record.OpEquals, Value: "closed"}, false},
		{"notEquals", record.FilterCondition{Field: "status", Operator: record.OpNotEquals, Value: "closed"}, true},
		{"greaterThan numeric", record.FilterCondition{Field: "priority", Operator: record.OpGreaterThan, Value: float64(2)}, true},
		{"lessThanOrEqual numeric", record.FilterCondition{Field: "priority", Operator: record.OpLessThanOrEqual, Value: float64(3)}, true},
		{"contains case-insensitive", record.FilterCondition{Field: "title", Operator: record.OpContains, Value: "WIDGET"}, true},
		{"in membership", record.FilterCondition{Field: "status", Operator: record.OpIn, Value: []any{"open", "pending"}}, true},
		{"in no membership", record.FilterCondition{Field: "status", Operator: record.OpIn, Value: []any{"closed"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := record.FilterOptions{Conditions: []record.FilterCondition{tt.cond}}
			assert.Equal(t, tt.want, f.Matches(r))
		})
	}
}

func TestSort(t *testing.T) {
	records := []record.Record{
		{"name": "c", "rank": float64(1)},
		{"name": "a", "rank": float64(1)},
		{"name": "b", "rank": float64(2)},
	}

	record.Sort(records, []record.OrderBy{
		{Field: "rank", Direction: record.SortAscending},
		{Field: "name", Direction: record.SortAscending},
	})

	assert.Equal(t, "a", records[0]["name"])
	assert.Equal(t, "c", records[1]["name"])
	assert.Equal(t, "b", records[2]["name"])
}

func TestProject(t *testing.T) {
	r := record.Record{"id": "1", "name": "Ada", "ssn": "secret"}

	projected := record.Project(r, []string{"id", "name"})

	assert.Equal(t, record.Record{"id": "1", "name": "Ada"}, projected)
	assert.NotContains(t, projected, "ssn")
}

func TestProject_EmptySelectReturnsOriginal(t *testing.T) {
	r := record.Record{"id": "1"}
	assert.Equal(t, r, record.Project(r, nil))
}
