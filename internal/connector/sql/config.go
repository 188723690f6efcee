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

import "github.com/dtbroker/dtbroker/pkg/errors"

const (
	dialectPostgres = "postgresql"
	dialectMySQL    = "mysql"
	dialectSQLite   = "sqlite"
)

// Options is the SQL connector's type-specific configuration, decoded
// from connector.Config.Options.
type Options struct {
	Dialect    string
	DSN        string
	Table      string
	PrimaryKey []string
}

func parseOptions(typeTag string, raw map[string]any) (Options, error) {
	switch typeTag {
	case dialectPostgres, dialectMySQL, dialectSQLite:
	default:
		return Options{}, errors.Newf(errors.KindConfigurationError, "unsupported SQL connector type %q", typeTag)
	}

	dsn, _ := raw["dsn"].(string)
	if dsn == "" {
		return Options{}, errors.New(errors.KindConfigurationError, "SQL connector requires a non-empty \"dsn\" option (a file path for sqlite)")
	}

	table, _ := raw["table"].(string)
	if table == "" {
		return Options{}, errors.New(errors.KindConfigurationError, "SQL connector requires a non-empty \"table\" option")
	}
	if !validIdentifier(table) {
		return Options{}, errors.Newf(errors.KindConfigurationError, "table %q is not a valid SQL identifier", table)
	}

	opts := Options{Dialect: typeTag, DSN: dsn, Table: table}

	switch pk := raw["primaryKey"].(type) {
	case string:
		if pk != "" {
			opts.PrimaryKey = []string{pk}
		}
	case []string:
		opts.PrimaryKey = pk
	case []any:
		for _, v := range pk {
			if s, ok := v.(string); ok {
				opts.PrimaryKey = append(opts.PrimaryKey, s)
			}
		}
	}
	for _, pk := range opts.PrimaryKey {
		if !validIdentifier(pk) {
			return Options{}, errors.Newf(errors.KindConfigurationError, "primary key column %q is not a valid SQL identifier", pk)
		}
	}

	return opts, nil
}

func driverName(dialect string) string {
	switch dialect {
	case dialectMySQL:
		return "mysql"
	case dialectSQLite:
		return "sqlite"
	default:
		return "pgx"
	}
}
