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
	gosql "database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Connector adapts a single table of a PostgreSQL, MySQL or SQLite database to
// connector.Connector. Every statement is built from allowlisted
// identifiers and bound parameters; no value is ever interpolated into
// query text.
type Connector struct {
	*connector.Base

	opts Options
	db   *gosql.DB

	cache columnCache
}

// New constructs a SQL Connector from cfg. cfg.Type selects the dialect
// (postgresql, mysql, sqlite); cfg.Options is decoded into Options. The
// connection itself is opened lazily by Connect. sqlite is the embedded
// dialect used for connectors backed by a local file rather than a
// network database.
func New(cfg connector.Config) (*Connector, error) {
	opts, err := parseOptions(cfg.Type, cfg.Options)
	if err != nil {
		return nil, err
	}
	return &Connector{
		Base: connector.NewBase(cfg.ID, cfg.Name, cfg.Type, cfg.ReadOnly),
		opts: opts,
	}, nil
}

// newWithDB is used by tests to inject a *sql.DB wrapping a sqlmock
// connection in place of a live driver.
func newWithDB(cfg connector.Config, db *gosql.DB) (*Connector, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.db = db
	return c, nil
}

func (c *Connector) Connect(ctx context.Context) error {
	c.SetState(connector.StateConnecting)

	if c.db == nil {
		db, err := gosql.Open(driverName(c.opts.Dialect), c.opts.DSN)
		if err != nil {
			c.SetState(connector.StateError)
			return errors.WrapErr(errors.KindConnectionFailed, err, "opening database handle").WithConnector(c.ID())
		}
		c.db = db
	}

	if err := c.db.PingContext(ctx); err != nil {
		c.SetState(connector.StateError)
		return errors.WrapErr(errors.KindConnectionFailed, err, "pinging database").WithConnector(c.ID())
	}

	c.SetState(connector.StateConnected)
	return nil
}

func (c *Connector) Disconnect(ctx context.Context) error {
	c.SetState(connector.StateDisconnected)
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return errors.WrapErr(errors.KindConnectionFailed, err, "closing database handle").WithConnector(c.ID())
	}
	return nil
}

func (c *Connector) TestConnection(ctx context.Context) error {
	if c.db == nil {
		return errors.New(errors.KindConnectionFailed, "connector is not connected").WithConnector(c.ID())
	}
	if err := c.db.PingContext(ctx); err != nil {
		return errors.WrapErr(errors.KindConnectionFailed, err, "pinging database").WithConnector(c.ID())
	}
	return nil
}

func (c *Connector) GetSchema(ctx context.Context, forceRefresh bool) (record.Schema, error) {
	if forceRefresh {
		c.cache.invalidate()
	}

	cols, ok := c.cache.get()
	if !ok {
		var err error
		cols, err = fetchColumns(ctx, c.db, c.opts.Dialect, c.opts.Table)
		if err != nil {
			return record.Schema{}, err
		}
		c.cache.set(cols)
	}

	return schemaFromColumns(c.opts.Table, cols, c.opts.PrimaryKey)
}

func (c *Connector) columns(ctx context.Context) (map[string]struct{}, error) {
	if _, ok := c.cache.get(); !ok {
		cols, err := fetchColumns(ctx, c.db, c.opts.Dialect, c.opts.Table)
		if err != nil {
			return nil, err
		}
		c.cache.set(cols)
	}
	return c.cache.asSet(), nil
}

func (c *Connector) ReadRecords(ctx context.Context, filter record.FilterOptions) (connector.ReadResult, error) {
	if err := filter.Validate(); err != nil {
		return connector.ReadResult{}, err
	}

	known, err := c.columns(ctx)
	if err != nil {
		return connector.ReadResult{}, err
	}

	selectCols, err := selectList(c.opts.Dialect, filter.Select, known)
	if err != nil {
		return connector.ReadResult{}, err
	}

	where, args, err := buildWhere(c.opts.Dialect, filter.Conditions, known, 1)
	if err != nil {
		return connector.ReadResult{}, err
	}

	orderBy, err := buildOrderBy(filter.OrderBy, known, c.opts.Dialect)
	if err != nil {
		return connector.ReadResult{}, err
	}

	table := quoteIdentifier(c.opts.Dialect, c.opts.Table)
	query := fmt.Sprintf("SELECT %s FROM %s", selectCols, table)
	if where != "" {
		query += " WHERE " + where
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}

	limit := -1
	if filter.Limit != nil {
		limit = *filter.Limit
		query += fmt.Sprintf(" LIMIT %s", placeholder(c.opts.Dialect, len(args)+1))
		args = append(args, limit+1) // fetch one extra row to detect hasMore
	}
	offset := 0
	if filter.Offset != nil {
		offset = *filter.Offset
		query += fmt.Sprintf(" OFFSET %s", placeholder(c.opts.Dialect, len(args)+1))
		args = append(args, offset)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return connector.ReadResult{}, errors.WrapErr(errors.KindReadFailed, err, "querying records").WithConnector(c.ID())
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return connector.ReadResult{}, errors.WrapErr(errors.KindReadFailed, err, "reading result columns").WithConnector(c.ID())
	}

	var records []record.Record
	for rows.Next() {
		rec, err := scanRow(rows, cols)
		if err != nil {
			return connector.ReadResult{}, errors.WrapErr(errors.KindReadFailed, err, "scanning row").WithConnector(c.ID())
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return connector.ReadResult{}, errors.WrapErr(errors.KindReadFailed, err, "iterating rows").WithConnector(c.ID())
	}

	hasMore := false
	if limit >= 0 && len(records) > limit {
		hasMore = true
		records = records[:limit]
	}

	return connector.ReadResult{Records: records, HasMore: hasMore}, nil
}

func (c *Connector) ValidateRecords(ctx context.Context, records []record.Record) ([]connector.ValidationError, error) {
	known, err := c.columns(ctx)
	if err != nil {
		return nil, err
	}

	var verrs []connector.ValidationError
	for i, r := range records {
		for field := range r {
			if record.IsForbiddenKey(field) {
				verrs = append(verrs, connector.ValidationError{Index: i, Field: field, Reason: "forbidden record key"})
				continue
			}
			if _, ok := known[field]; !ok {
				verrs = append(verrs, connector.ValidationError{Index: i, Field: field, Reason: "unknown column"})
			}
		}
	}
	return verrs, nil
}

func (c *Connector) WriteRecords(ctx context.Context, records []record.Record, mode connector.WriteMode) (connector.WriteResult, error) {
	if c.ReadOnly() {
		return connector.WriteResult{}, errors.New(errors.KindUnsupportedOperation, "connector is read-only").WithConnector(c.ID())
	}

	known, err := c.columns(ctx)
	if err != nil {
		return connector.WriteResult{}, err
	}

	keyField, err := c.keyField(known)
	if err != nil {
		return connector.WriteResult{}, err
	}

	result := connector.WriteResult{IDs: make([]string, len(records))}

	for i, rec := range records {
		if err := validateColumns(rec, known); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindValidationError), Error: err})
			continue
		}

		var id string
		var werr error
		switch mode {
		case connector.WriteModeInsert:
			id, werr = c.insertOne(ctx, rec, keyField)
		case connector.WriteModeUpdate:
			id, werr = c.updateOne(ctx, rec, keyField)
		case connector.WriteModeUpsert:
			id, werr = c.upsertOne(ctx, rec, keyField)
		default:
			werr = errors.Newf(errors.KindUnsupportedOperation, "unknown write mode %q", mode)
		}

		if werr != nil {
			result.Failed++
			result.Errors = append(result.Errors, connector.WriteError{Index: i, Kind: string(errors.KindWriteFailed), Error: werr})
			continue
		}
		result.Success++
		result.IDs[i] = id
	}

	if result.Success > 0 {
		c.cache.invalidate()
	}

	return result, nil
}

func (c *Connector) keyField(known map[string]struct{}) (string, error) {
	if len(c.opts.PrimaryKey) == 1 {
		return c.opts.PrimaryKey[0], nil
	}
	if _, ok := known["id"]; ok {
		return "id", nil
	}
	return "", errors.New(errors.KindConfigurationError, "SQL connector requires a single-column primaryKey or an \"id\" column").WithConnector(c.ID())
}

func (c *Connector) insertOne(ctx context.Context, rec record.Record, keyField string) (string, error) {
	rec = ensureKey(rec, keyField)

	cols, vals := orderedPairs(rec)
	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = quoteIdentifier(c.opts.Dialect, col)
		placeholders[i] = placeholder(c.opts.Dialect, i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdentifier(c.opts.Dialect, c.opts.Table),
		strings.Join(quotedCols, ", "),
		strings.Join(placeholders, ", "))

	if _, err := c.db.ExecContext(ctx, query, vals...); err != nil {
		return "", errors.WrapErr(errors.KindWriteFailed, err, "inserting record")
	}
	return fmt.Sprintf("%v", rec[keyField]), nil
}

func (c *Connector) updateOne(ctx context.Context, rec record.Record, keyField string) (string, error) {
	keyVal, ok := rec[keyField]
	if !ok {
		return "", errors.Newf(errors.KindValidationError, "record missing key field %q", keyField)
	}

	cols, vals := orderedPairs(withoutKey(rec, keyField))
	if len(cols) == 0 {
		return "", errors.New(errors.KindValidationError, "update requires at least one non-key field")
	}

	sets := make([]string, len(cols))
	for i, col := range cols {
		sets[i] = fmt.Sprintf("%s = %s", quoteIdentifier(c.opts.Dialect, col), placeholder(c.opts.Dialect, i+1))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		quoteIdentifier(c.opts.Dialect, c.opts.Table),
		strings.Join(sets, ", "),
		quoteIdentifier(c.opts.Dialect, keyField),
		placeholder(c.opts.Dialect, len(cols)+1))

	args := append(vals, keyVal)
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", errors.WrapErr(errors.KindWriteFailed, err, "updating record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", errors.Newf(errors.KindNotFound, "no record with key %v", keyVal)
	}
	return fmt.Sprintf("%v", keyVal), nil
}

func (c *Connector) upsertOne(ctx context.Context, rec record.Record, keyField string) (string, error) {
	rec = ensureKey(rec, keyField)
	cols, vals := orderedPairs(rec)

	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, col := range cols {
		quotedCols[i] = quoteIdentifier(c.opts.Dialect, col)
		placeholders[i] = placeholder(c.opts.Dialect, i+1)
	}

	var query string
	switch c.opts.Dialect {
	case dialectMySQL:
		updates := make([]string, 0, len(cols))
		for _, col := range cols {
			if col == keyField {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoteIdentifier(c.opts.Dialect, col), quoteIdentifier(c.opts.Dialect, col)))
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
			quoteIdentifier(c.opts.Dialect, c.opts.Table),
			strings.Join(quotedCols, ", "),
			strings.Join(placeholders, ", "),
			strings.Join(updates, ", "))
	default:
		updates := make([]string, 0, len(cols))
		for _, col := range cols {
			if col == keyField {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdentifier(c.opts.Dialect, col), quoteIdentifier(c.opts.Dialect, col)))
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
			quoteIdentifier(c.opts.Dialect, c.opts.Table),
			strings.Join(quotedCols, ", "),
			strings.Join(placeholders, ", "),
			quoteIdentifier(c.opts.Dialect, keyField),
			strings.Join(updates, ", "))
	}

	if _, err := c.db.ExecContext(ctx, query, vals...); err != nil {
		return "", errors.WrapErr(errors.KindWriteFailed, err, "upserting record")
	}
	return fmt.Sprintf("%v", rec[keyField]), nil
}

func ensureKey(rec record.Record, keyField string) record.Record {
	if _, ok := rec[keyField]; ok {
		return rec
	}
	out := rec.Clone()
	out[keyField] = uuid.NewString()
	return out
}

func withoutKey(rec record.Record, keyField string) record.Record {
	out := rec.Clone()
	delete(out, keyField)
	return out
}

func orderedPairs(rec record.Record) ([]string, []any) {
	cols := make([]string, 0, len(rec))
	for k := range rec {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	vals := make([]any, len(cols))
	for i, col := range cols {
		vals[i] = rec[col]
	}
	return cols, vals
}

func validateColumns(rec record.Record, known map[string]struct{}) error {
	for field := range rec {
		if record.IsForbiddenKey(field) {
			return fmt.Errorf("forbidden record key %q", field)
		}
		if err := requireKnownColumn(field, known); err != nil {
			return err
		}
	}
	return nil
}

func selectList(dialect string, sel []string, known map[string]struct{}) (string, error) {
	if len(sel) == 0 {
		return "*", nil
	}
	quoted := make([]string, len(sel))
	for i, f := range sel {
		if err := requireKnownColumn(f, known); err != nil {
			return "", err
		}
		quoted[i] = quoteIdentifier(dialect, f)
	}
	return strings.Join(quoted, ", "), nil
}

func buildWhere(dialect string, conds []record.FilterCondition, known map[string]struct{}, startIdx int) (string, []any, error) {
	if len(conds) == 0 {
		return "", nil, nil
	}
	var clauses []string
	var args []any
	idx := startIdx
	for _, c := range conds {
		if err := requireKnownColumn(c.Field, known); err != nil {
			return "", nil, err
		}
		col := quoteIdentifier(dialect, c.Field)
		switch c.Operator {
		case record.OpEquals:
			clauses = append(clauses, fmt.Sprintf("%s = %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpNotEquals:
			clauses = append(clauses, fmt.Sprintf("%s <> %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpGreaterThan:
			clauses = append(clauses, fmt.Sprintf("%s > %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpLessThan:
			clauses = append(clauses, fmt.Sprintf("%s < %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpGreaterThanOrEqual:
			clauses = append(clauses, fmt.Sprintf("%s >= %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpLessThanOrEqual:
			clauses = append(clauses, fmt.Sprintf("%s <= %s", col, placeholder(dialect, idx)))
			args = append(args, c.Value)
			idx++
		case record.OpContains:
			clauses = append(clauses, fmt.Sprintf("%s LIKE %s", col, placeholder(dialect, idx)))
			args = append(args, fmt.Sprintf("%%%v%%", c.Value))
			idx++
		case record.OpIn:
			values, _ := c.Value.([]any)
			if len(values) == 0 {
				clauses = append(clauses, "1 = 0")
				continue
			}
			phs := make([]string, len(values))
			for i, v := range values {
				phs[i] = placeholder(dialect, idx)
				args = append(args, v)
				idx++
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, strings.Join(phs, ", ")))
		default:
			return "", nil, errors.Newf(errors.KindValidationError, "unsupported filter operator %q", c.Operator)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

func buildOrderBy(obs []record.OrderBy, known map[string]struct{}, dialect string) (string, error) {
	if len(obs) == 0 {
		return "", nil
	}
	parts := make([]string, len(obs))
	for i, ob := range obs {
		if err := requireKnownColumn(ob.Field, known); err != nil {
			return "", err
		}
		dir := "ASC"
		if ob.Direction == record.SortDescending {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s", quoteIdentifier(dialect, ob.Field), dir)
	}
	return strings.Join(parts, ", "), nil
}

func placeholder(dialect string, idx int) string {
	if dialect == dialectMySQL || dialect == dialectSQLite {
		return "?"
	}
	return fmt.Sprintf("$%d", idx)
}

func scanRow(rows *gosql.Rows, cols []string) (record.Record, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	rec := make(record.Record, len(cols))
	for i, col := range cols {
		rec[col] = normalizeValue(vals[i])
	}
	return rec, nil
}

func normalizeValue(v any) any {
	switch tv := v.(type) {
	case []byte:
		return string(tv)
	default:
		return tv
	}
}

var _ connector.Connector = (*Connector)(nil)
