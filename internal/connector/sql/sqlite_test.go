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

package sql

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
)

// sqliteCfg points at a fresh file under the test's temp dir, exercised
// end to end against the real modernc.org/sqlite driver rather than a
// mock, since sqlite has no network protocol to mock in the first place.
func sqliteCfg(t *testing.T) connector.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "local.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE contacts (id TEXT PRIMARY KEY, name TEXT NOT NULL, email TEXT)`)
	require.NoError(t, err)

	return connector.Config{
		ID:   "local-contacts",
		Name: "Local Contacts",
		Type: dialectSQLite,
		Options: map[string]any{
			"dsn":        path,
			"table":      "contacts",
			"primaryKey": "id",
		},
	}
}

func TestSQLiteConnectorRoundTripsReadAndWrite(t *testing.T) {
	c, err := New(sqliteCfg(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	schema, err := c.GetSchema(ctx, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"email", "id", "name"}, schema.FieldNames())

	rec, err := record.New(map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)
	wr, err := c.WriteRecords(ctx, []record.Record{rec}, connector.WriteModeInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Success)

	result, err := c.ReadRecords(ctx, record.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Ada Lovelace", result.Records[0]["name"])
	assert.False(t, result.HasMore)
}

func TestSQLiteConnectorUpsertUsesOnConflict(t *testing.T) {
	c, err := New(sqliteCfg(t))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect(ctx)

	rec, err := record.New(map[string]any{"id": 1, "name": "Ada", "email": "ada@example.com"})
	require.NoError(t, err)
	_, err = c.WriteRecords(ctx, []record.Record{rec}, connector.WriteModeUpsert)
	require.NoError(t, err)

	updated, err := record.New(map[string]any{"id": 1, "name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)
	wr, err := c.WriteRecords(ctx, []record.Record{updated}, connector.WriteModeUpsert)
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Success)

	result, err := c.ReadRecords(ctx, record.FilterOptions{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Ada Lovelace", result.Records[0]["name"])
}

func TestSQLiteConnectorTestConnectionRequiresConnect(t *testing.T) {
	c, err := New(sqliteCfg(t))
	require.NoError(t, err)

	err = c.TestConnection(context.Background())
	require.Error(t, err)
}
