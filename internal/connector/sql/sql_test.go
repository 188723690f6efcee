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
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func newTestConnector(t *testing.T, cfg connector.Config) (*Connector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := newWithDB(cfg, db)
	require.NoError(t, err)
	return c, mock
}

func postgresCfg() connector.Config {
	return connector.Config{
		ID:   "crm-db",
		Name: "CRM Database",
		Type: dialectPostgres,
		Options: map[string]any{
			"dsn":        "postgres://localhost/crm",
			"table":      "contacts",
			"primaryKey": "id",
		},
	}
}

func expectColumnFetch(mock sqlmock.Sqlmock) {
	rows := sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
		AddRow("id", "integer", false).
		AddRow("name", "text", true).
		AddRow("email", "text", true)
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.columns")).WillReturnRows(rows)
}

func TestSQLConnectorGetSchemaCachesColumns(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	schema, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "id", "name"}, schema.FieldNames())
	assert.Equal(t, []string{"id"}, schema.PrimaryKey)

	// second call must not re-issue the column query
	schema2, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, schema.FieldNames(), schema2.FieldNames())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorGetSchemaForceRefreshRefetches(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)
	expectColumnFetch(mock)

	_, err := c.GetSchema(context.Background(), false)
	require.NoError(t, err)
	_, err = c.GetSchema(context.Background(), true)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorReadRecordsBuildsParameterizedQuery(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	rows := sqlmock.NewRows([]string{"id", "name", "email"}).
		AddRow(1, "Ada Lovelace", "ada@example.com")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "contacts" WHERE "name" = $1 ORDER BY "id" ASC LIMIT $2 OFFSET $3`)).
		WithArgs("Ada Lovelace", 11, 0).
		WillReturnRows(rows)

	filter := record.FilterOptions{
		Conditions: []record.FilterCondition{{Field: "name", Operator: record.OpEquals, Value: "Ada Lovelace"}},
		OrderBy:    []record.OrderBy{{Field: "id", Direction: record.SortAscending}},
		Limit:      intPtr(10),
		Offset:     intPtr(0),
	}

	result, err := c.ReadRecords(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Ada Lovelace", result.Records[0]["name"])
	assert.False(t, result.HasMore)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorReadRecordsDetectsHasMore(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	rows := sqlmock.NewRows([]string{"id", "name", "email"}).
		AddRow(1, "A", "a@example.com").
		AddRow(2, "B", "b@example.com")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "contacts" LIMIT $1 OFFSET $2`)).
		WithArgs(2, 0).
		WillReturnRows(rows)

	filter := record.FilterOptions{Limit: intPtr(1), Offset: intPtr(0)}
	result, err := c.ReadRecords(context.Background(), filter)
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.True(t, result.HasMore)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorReadRecordsRejectsUnknownColumn(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	filter := record.FilterOptions{
		Conditions: []record.FilterCondition{{Field: "ssn", Operator: record.OpEquals, Value: "x"}},
	}
	_, err := c.ReadRecords(context.Background(), filter)
	require.Error(t, err)
	var derr *dtbrokererrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dtbrokererrors.KindReadFailed, derr.Kind)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorReadRecordsRejectsInjectionAttemptAsUnknownColumn(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	filter := record.FilterOptions{
		Conditions: []record.FilterCondition{{Field: "id; DROP TABLE contacts;--", Operator: record.OpEquals, Value: 1}},
	}
	_, err := c.ReadRecords(context.Background(), filter)
	require.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsInsertGeneratesKeyWhenAbsent(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "contacts"`)).
		WithArgs("ada@example.com", sqlmock.AnyArg(), "Ada").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := record.New(map[string]any{"name": "Ada", "email": "ada@example.com"})
	require.NoError(t, err)

	result, err := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)
	assert.NotEmpty(t, result.IDs[0])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsUpdateMissingKeyFails(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	rec, err := record.New(map[string]any{"name": "Ada"})
	require.NoError(t, err)

	result, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeUpdate)
	require.NoError(t, werr)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Success)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsUpdateNoRowsAffectedFails(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "contacts" SET`)).
		WithArgs("Ada Lovelace", 99).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec, err := record.New(map[string]any{"id": 99, "name": "Ada Lovelace"})
	require.NoError(t, err)

	result, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeUpdate)
	require.NoError(t, werr)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsUpsertUsesOnConflict(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "contacts" ("email", "id", "name") VALUES ($1, $2, $3) ON CONFLICT ("id") DO UPDATE SET "email" = EXCLUDED."email", "name" = EXCLUDED."name"`)).
		WithArgs("ada@example.com", 1, "Ada").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := record.New(map[string]any{"id": 1, "name": "Ada", "email": "ada@example.com"})
	require.NoError(t, err)

	result, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeUpsert)
	require.NoError(t, werr)
	assert.Equal(t, 1, result.Success)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsRejectsUnknownColumn(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	rec, err := record.New(map[string]any{"id": 1, "ssn": "123-45-6789"})
	require.NoError(t, err)

	result, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.NoError(t, werr)
	assert.Equal(t, 1, result.Failed)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorWriteRecordsReadOnlyRejects(t *testing.T) {
	cfg := postgresCfg()
	cfg.ReadOnly = true
	c, _ := newTestConnector(t, cfg)

	rec, err := record.New(map[string]any{"id": 1})
	require.NoError(t, err)

	_, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.Error(t, werr)
	var derr *dtbrokererrors.Error
	require.ErrorAs(t, werr, &derr)
	assert.Equal(t, dtbrokererrors.KindUnsupportedOperation, derr.Kind)
}

func TestSQLConnectorWriteInvalidatesColumnCache(t *testing.T) {
	c, mock := newTestConnector(t, postgresCfg())
	expectColumnFetch(mock)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "contacts"`)).
		WithArgs("ada@example.com", sqlmock.AnyArg(), "Ada").
		WillReturnResult(sqlmock.NewResult(1, 1))
	expectColumnFetch(mock)

	rec, err := record.New(map[string]any{"name": "Ada", "email": "ada@example.com"})
	require.NoError(t, err)

	_, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeInsert)
	require.NoError(t, werr)

	_, serr := c.GetSchema(context.Background(), false)
	require.NoError(t, serr)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorMySQLDialectUsesOnDuplicateKeyUpdate(t *testing.T) {
	cfg := connector.Config{
		ID:   "erp-db",
		Name: "ERP Database",
		Type: dialectMySQL,
		Options: map[string]any{
			"dsn":        "user:pass@tcp(localhost:3306)/erp",
			"table":      "orders",
			"primaryKey": "id",
		},
	}
	c, mock := newTestConnector(t, cfg)
	rows := sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
		AddRow("id", "integer", false).
		AddRow("total", "numeric", true)
	mock.ExpectQuery(regexp.QuoteMeta("information_schema.columns")).WillReturnRows(rows)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `orders` (`id`, `total`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `total` = VALUES(`total`)")).
		WithArgs(1, 42.5).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec, err := record.New(map[string]any{"id": 1, "total": 42.5})
	require.NoError(t, err)

	result, werr := c.WriteRecords(context.Background(), []record.Record{rec}, connector.WriteModeUpsert)
	require.NoError(t, werr)
	assert.Equal(t, 1, result.Success)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectorTestConnectionRequiresConnect(t *testing.T) {
	c, err := New(postgresCfg())
	require.NoError(t, err)

	err = c.TestConnection(context.Background())
	require.Error(t, err)
}

func intPtr(i int) *int { return &i }
