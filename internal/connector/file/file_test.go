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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
)

func newTestCSVConnector(t *testing.T, content string) *Connector {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := New(connector.Config{ID: "c1", Name: "c1", Type: "csv", Options: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestFileConnectorConnectCreatesMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.csv")

	c, err := New(connector.Config{ID: "c1", Name: "c1", Type: "csv", Options: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, connector.StateConnected, c.State())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestFileConnectorReadRecordsFiltersAndPaginates(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n2,Grace\n3,Alan\n")

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{
		Conditions: []record.FilterCondition{{Field: "name", Operator: record.OpContains, Value: "a"}},
		OrderBy:    []record.OrderBy{{Field: "name", Direction: record.SortAscending}},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)
	assert.Equal(t, "Ada", result.Records[0]["name"])
	assert.False(t, result.HasMore)
}

func TestFileConnectorReadRecordsProjectsSelectedFields(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{Select: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	_, hasID := result.Records[0]["id"]
	assert.False(t, hasID)
	assert.Equal(t, "Ada", result.Records[0]["name"])
}

func TestFileConnectorReadRecordsPaginatesWithOffsetLimit(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,A\n2,B\n3,C\n")
	offset, limit := 1, 1

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{
		OrderBy: []record.OrderBy{{Field: "id", Direction: record.SortAscending}},
		Offset:  &offset,
		Limit:   &limit,
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "2", result.Records[0]["id"])
	assert.True(t, result.HasMore)
}

func TestFileConnectorWriteRecordsInsertThenRead(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	newRec, err := record.New(map[string]any{"id": "2", "name": "Grace"})
	require.NoError(t, err)

	wr, err := c.WriteRecords(context.Background(), []record.Record{newRec}, connector.WriteModeInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Success)
	assert.Equal(t, 0, wr.Failed)

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
}

func TestFileConnectorWriteRecordsInsertDuplicateKeyFails(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	dup, err := record.New(map[string]any{"id": "1", "name": "Someone Else"})
	require.NoError(t, err)

	wr, err := c.WriteRecords(context.Background(), []record.Record{dup}, connector.WriteModeInsert)
	require.NoError(t, err)
	assert.Equal(t, 0, wr.Success)
	assert.Equal(t, 1, wr.Failed)
}

func TestFileConnectorWriteRecordsUpdateMergesFields(t *testing.T) {
	c := newTestCSVConnector(t, "id,name,email\n1,Ada,a@x\n")

	patch, err := record.New(map[string]any{"id": "1", "email": "ada@newdomain"})
	require.NoError(t, err)

	wr, err := c.WriteRecords(context.Background(), []record.Record{patch}, connector.WriteModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Success)

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "ada@newdomain", result.Records[0]["email"])
	assert.Equal(t, "Ada", result.Records[0]["name"])
}

func TestFileConnectorWriteRecordsUpdateMissingKeyFails(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	patch, err := record.New(map[string]any{"id": "999", "name": "Nobody"})
	require.NoError(t, err)

	wr, err := c.WriteRecords(context.Background(), []record.Record{patch}, connector.WriteModeUpdate)
	require.NoError(t, err)
	assert.Equal(t, 0, wr.Success)
	assert.Equal(t, 1, wr.Failed)
}

func TestFileConnectorWriteRecordsUpsertInsertsWhenAbsent(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	rec, err := record.New(map[string]any{"id": "2", "name": "Grace"})
	require.NoError(t, err)

	wr, err := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Success)

	result, err := c.ReadRecords(context.Background(), record.FilterOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Records, 2)
}

func TestFileConnectorReadOnlyRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,Ada\n"), 0o600))

	c, err := New(connector.Config{ID: "c1", Name: "c1", Type: "csv", ReadOnly: true, Options: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))

	rec, err := record.New(map[string]any{"id": "2"})
	require.NoError(t, err)

	_, err = c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.Error(t, err)
}

func TestFileConnectorSchemaCacheInvalidatedAfterWrite(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "name"}, schema.FieldNames())

	rec, err := record.New(map[string]any{"id": "2", "name": "Grace", "email": "g@x"})
	require.NoError(t, err)
	_, err = c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.NoError(t, err)

	schema2, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "name", "email"}, schema2.FieldNames())
}

func TestFileConnectorValidateRecordsRejectsForbiddenKeys(t *testing.T) {
	c := newTestCSVConnector(t, "id,name\n1,Ada\n")

	bad := record.Record{"__proto__": "x"}
	verrs, err := c.ValidateRecords(context.Background(), []record.Record{bad})
	require.NoError(t, err)
	require.Len(t, verrs, 1)
	assert.Equal(t, "__proto__", verrs[0].Field)
}

var _ connector.Connector = (*Connector)(nil)
