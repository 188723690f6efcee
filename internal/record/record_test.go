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
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func TestNew_RejectsForbiddenKeys(t *testing.T) {
	t.Run("top level", func(t *testing.T) {
		_, err := record.New(map[string]any{"__proto__": "x"})
		require.Error(t, err)
		var typed *dtbrokererrors.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, dtbrokererrors.KindValidationError, typed.Kind)
	})

	t.Run("nested map", func(t *testing.T) {
		_, err := record.New(map[string]any{
			"profile": map[string]any{"constructor": "x"},
		})
		require.Error(t, err)
	})

	t.Run("nested array of maps", func(t *testing.T) {
		_, err := record.New(map[string]any{
			"items": []any{map[string]any{"prototype": "x"}},
		})
		require.Error(t, err)
	})

	t.Run("accepts ordinary fields", func(t *testing.T) {
		r, err := record.New(map[string]any{"name": "Ada", "age": int64(36)})
		require.NoError(t, err)
		assert.Equal(t, "Ada", r["name"])
	})
}

func TestRecord_Clone(t *testing.T) {
	r, err := record.New(map[string]any{"a": 1})
	require.NoError(t, err)

	clone := r.Clone()
	clone["a"] = 2

	assert.Equal(t, 1, r["a"])
	assert.Equal(t, 2, clone["a"])
}

func TestSchema_Validate(t *testing.T) {
	t.Run("rejects forbidden field name", func(t *testing.T) {
		s := record.Schema{
			Name:   "users",
			Fields: []record.FieldDefinition{{Name: "__proto__", Type: record.FieldTypeString}},
		}
		err := s.Validate()
		require.Error(t, err)
	})

	t.Run("rejects undeclared primary key field", func(t *testing.T) {
		s := record.Schema{
			Name:       "users",
			Fields:     []record.FieldDefinition{{Name: "id", Type: record.FieldTypeString}},
			PrimaryKey: []string{"id", "tenant_id"},
		}
		err := s.Validate()
		require.Error(t, err)
	})

	t.Run("accepts composite primary key", func(t *testing.T) {
		s := record.Schema{
			Name: "order_lines",
			Fields: []record.FieldDefinition{
				{Name: "order_id", Type: record.FieldTypeString},
				{Name: "line_no", Type: record.FieldTypeInteger},
			},
			PrimaryKey: []string{"order_id", "line_no"},
		}
		assert.NoError(t, s.Validate())
	})
}

func TestSchema_FieldNamesAndHasField(t *testing.T) {
	s := record.Schema{
		Fields: []record.FieldDefinition{{Name: "id"}, {Name: "email"}},
	}
	assert.Equal(t, []string{"id", "email"}, s.FieldNames())
	assert.True(t, s.HasField("email"))
	assert.False(t, s.HasField("ssn"))
}
