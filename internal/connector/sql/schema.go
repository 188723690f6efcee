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
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// columnInfo is one row of the table's information_schema description.
type columnInfo struct {
	name     string
	dataType string
	nullable bool
}

// columnCache holds the fetched column set for a single table, shared
// across ReadRecords/WriteRecords/ValidateRecords calls until invalidate
// is called: after a write with at least one successful record, and on a
// GetSchema with forceRefresh.
type columnCache struct {
	mu      sync.RWMutex
	columns []columnInfo
}

func (c *columnCache) get() ([]columnInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.columns == nil {
		return nil, false
	}
	return c.columns, true
}

func (c *columnCache) set(cols []columnInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columns = cols
}

func (c *columnCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columns = nil
}

func (c *columnCache) asSet() map[string]struct{} {
	cols, _ := c.get()
	set := make(map[string]struct{}, len(cols))
	for _, col := range cols {
		set[col.name] = struct{}{}
	}
	return set
}

func fetchColumns(ctx context.Context, db *sql.DB, dialect, table string) ([]columnInfo, error) {
	if dialect == dialectSQLite {
		return fetchSQLiteColumns(ctx, db, table)
	}

	var query string
	switch dialect {
	case dialectMySQL:
		query = `SELECT column_name, data_type, is_nullable = 'YES' FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
	default:
		query = `SELECT column_name, data_type, is_nullable = 'YES' FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`
	}

	rows, err := db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "fetching column metadata")
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var ci columnInfo
		if err := rows.Scan(&ci.name, &ci.dataType, &ci.nullable); err != nil {
			return nil, errors.WrapErr(errors.KindReadFailed, err, "scanning column metadata")
		}
		cols = append(cols, ci)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "reading column metadata")
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "table %q has no columns or does not exist", table)
	}
	return cols, nil
}

// fetchSQLiteColumns uses PRAGMA table_info, sqlite's own introspection
// mechanism, since it has no information_schema.
func fetchSQLiteColumns(ctx context.Context, db *sql.DB, table string) ([]columnInfo, error) {
	if !validIdentifier(table) {
		return nil, errors.Newf(errors.KindReadFailed, "table %q is not a valid SQL identifier", table)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "fetching column metadata")
	}
	defer rows.Close()

	var cols []columnInfo
	for rows.Next() {
		var (
			cid        int
			name, ctyp string
			notNull    int
			dflt       sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctyp, &notNull, &dflt, &pk); err != nil {
			return nil, errors.WrapErr(errors.KindReadFailed, err, "scanning column metadata")
		}
		cols = append(cols, columnInfo{name: name, dataType: strings.ToLower(ctyp), nullable: notNull == 0})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapErr(errors.KindReadFailed, err, "reading column metadata")
	}
	if len(cols) == 0 {
		return nil, errors.Newf(errors.KindSchemaMismatch, "table %q has no columns or does not exist", table)
	}
	return cols, nil
}

func schemaFromColumns(name string, cols []columnInfo, primaryKey []string) (record.Schema, error) {
	fields := make([]record.FieldDefinition, len(cols))
	for i, c := range cols {
		fields[i] = record.FieldDefinition{
			Name:     c.name,
			Type:     mapSQLType(c.dataType),
			Required: !c.nullable,
		}
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	schema := record.Schema{Name: name, Fields: fields, PrimaryKey: primaryKey}
	if err := schema.Validate(); err != nil {
		return record.Schema{}, err
	}
	return schema, nil
}

func mapSQLType(dataType string) record.FieldType {
	switch dataType {
	case "integer", "bigint", "smallint", "int", "tinyint", "serial", "bigserial":
		return record.FieldTypeInteger
	case "numeric", "decimal", "real", "double precision", "float", "double":
		return record.FieldTypeNumber
	case "boolean", "bool", "tinyint(1)":
		return record.FieldTypeBoolean
	case "date":
		return record.FieldTypeDate
	case "timestamp", "timestamp with time zone", "timestamp without time zone", "datetime":
		return record.FieldTypeDateTime
	case "json", "jsonb":
		return record.FieldTypeObject
	default:
		return record.FieldTypeString
	}
}
