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

// Package record defines the data envelope every connector, the policy
// engine, and the trust primitives exchange: an unordered field map that
// refuses to carry prototype-pollution keys, plus the schema and filter
// vocabulary used to describe and select over it.
package record

import (
	"fmt"

	"github.com/dtbroker/dtbroker/pkg/errors"
)

// ForbiddenKeys names the record keys rejected at every ingestion layer
// (parser, tool arguments, path traversal) to keep a record from being able
// to clobber the host language's object model.
var ForbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// IsForbiddenKey reports whether name may never appear as a record field,
// a schema field name, or a path-traversal segment.
func IsForbiddenKey(name string) bool {
	_, forbidden := ForbiddenKeys[name]
	return forbidden
}

// Record is an unordered mapping from field name to value. Values are one
// of nil, bool, int64, float64, string, time.Time, []any, or map[string]any;
// connectors are responsible for normalizing into this value set before
// handing a Record to the dispatcher.
type Record map[string]any

// New builds a Record from a plain map, rejecting any forbidden key at any
// depth. Use this at every boundary where external data becomes a Record
// (file parse, SQL row scan, SaaS JSON decode, tool argument decode).
func New(fields map[string]any) (Record, error) {
	if err := validateKeys(fields); err != nil {
		return nil, err
	}
	return Record(fields), nil
}

func validateKeys(m map[string]any) error {
	for k, v := range m {
		if IsForbiddenKey(k) {
			return errors.New(errors.KindValidationError, fmt.Sprintf("forbidden record key %q", k))
		}
		if err := validateValue(v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(v any) error {
	switch tv := v.(type) {
	case map[string]any:
		return validateKeys(tv)
	case []any:
		for _, item := range tv {
			if err := validateValue(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone returns a shallow copy of r; nested maps and slices are shared with
// the original. Used by the policy engine to produce a masked view without
// mutating the connector's result.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FieldType enumerates the declared or inferred type of a schema field.
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeNumber   FieldType = "number"
	FieldTypeInteger  FieldType = "integer"
	FieldTypeBoolean  FieldType = "boolean"
	FieldTypeDate     FieldType = "date"
	FieldTypeDateTime FieldType = "datetime"
	FieldTypeArray    FieldType = "array"
	FieldTypeObject   FieldType = "object"
)

// FieldDefinition describes one schema field.
type FieldDefinition struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Schema is a named, ordered list of field definitions, plus an optional
// composite primary key. A Schema is either declared in connector
// configuration or inferred by the connector on first read.
type Schema struct {
	Name       string            `json:"name"`
	Fields     []FieldDefinition `json:"fields"`
	PrimaryKey []string          `json:"primaryKey,omitempty"`
	Inferred   bool              `json:"inferred"`
}

// FieldNames returns the schema's field names in declaration order.
func (s Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// HasField reports whether name is declared in the schema.
func (s Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Validate rejects a schema carrying a forbidden field name or a primary
// key segment not present among its fields.
func (s Schema) Validate() error {
	for _, f := range s.Fields {
		if IsForbiddenKey(f.Name) {
			return errors.New(errors.KindSchemaMismatch, fmt.Sprintf("forbidden field name %q in schema %q", f.Name, s.Name))
		}
	}
	for _, pk := range s.PrimaryKey {
		if !s.HasField(pk) {
			return errors.New(errors.KindSchemaMismatch, fmt.Sprintf("primary key field %q not declared in schema %q", pk, s.Name))
		}
	}
	return nil
}
