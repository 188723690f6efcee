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

// Package sql implements connector.Connector over a PostgreSQL, MySQL or SQLite
// table via database/sql. Every identifier interpolated into a query
// string — table, schema, or column name — is checked against a strict
// allowlist pattern and the table's cached column set before any
// statement is built; every literal value crosses the wire as a bound
// parameter, never as interpolated SQL text.
package sql

import (
	"fmt"
	"regexp"

	"github.com/dtbroker/dtbroker/pkg/errors"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdentifier reports whether name is safe to interpolate into a
// query string unquoted-adjacent (it still gets backtick/quote wrapping
// per-driver, but this rules out anything that could break out of that
// quoting).
func validIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// requireIdentifier fails with READ_FAILED, matching the contract that
// identifier validation happens before any statement is issued, so a
// malformed or unknown column never reaches the driver.
func requireIdentifier(kind, name string) error {
	if !validIdentifier(name) {
		return errors.Newf(errors.KindReadFailed, "%s %q is not a valid SQL identifier", kind, name)
	}
	return nil
}

// requireKnownColumn fails the same way when name is a syntactically
// valid identifier that nonetheless isn't part of the table's column set.
func requireKnownColumn(name string, columns map[string]struct{}) error {
	if err := requireIdentifier("column", name); err != nil {
		return err
	}
	if _, ok := columns[name]; !ok {
		return errors.Newf(errors.KindReadFailed, "column %q is not part of the connector's schema", name)
	}
	return nil
}

func quoteIdentifier(dialect, name string) string {
	if dialect == dialectMySQL {
		return fmt.Sprintf("`%s`", name)
	}
	return fmt.Sprintf("%q", name)
}
