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

package record

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Operator is one of the eight comparison operators a FilterCondition may
// apply between a record field and a literal value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpGreaterThan        Operator = "greaterThan"
	OpLessThan           Operator = "lessThan"
	OpGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OpLessThanOrEqual    Operator = "lessThanOrEqual"
	OpContains           Operator = "contains"
	OpIn                 Operator = "in"
)

var validOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpGreaterThan: {}, OpLessThan: {},
	OpGreaterThanOrEqual: {}, OpLessThanOrEqual: {}, OpContains: {}, OpIn: {},
}

// FilterCondition is a single clause: field OP value.
type FilterCondition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// SortDirection is the direction of an OrderBy clause.
type SortDirection string

const (
	SortAscending  SortDirection = "asc"
	SortDescending SortDirection = "desc"
)

// OrderBy names a field to sort by and the direction to sort in.
type OrderBy struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// FilterOptions is the full shape of a readRecords request: a conjunction
// of FilterConditions, an optional projection, an ordering, and exactly one
// of offset+limit or cursor+limit for pagination.
type FilterOptions struct {
	Conditions []FilterCondition `json:"conditions,omitempty"`
	Select     []string          `json:"select,omitempty"`
	OrderBy    []OrderBy         `json:"orderBy,omitempty"`
	Offset     *int              `json:"offset,omitempty"`
	Limit      *int              `json:"limit,omitempty"`
	Cursor     *string           `json:"cursor,omitempty"`
}

// Validate rejects a malformed filter: an unknown operator, a forbidden
// field name anywhere in the request, or pagination specifying both a
// cursor and an offset.
func (f FilterOptions) Validate() error {
	for _, c := range f.Conditions {
		if IsForbiddenKey(c.Field) {
			return errors.New(errors.KindValidationError, fmt.Sprintf("forbidden field %q in filter condition", c.Field))
		}
		if _, ok := validOperators[c.Operator]; !ok {
			return errors.New(errors.KindValidationError, fmt.Sprintf("unknown filter operator %q", c.Operator))
		}
		if c.Operator == OpIn {
			if _, ok := c.Value.([]any); !ok {
				return errors.New(errors.KindValidationError, fmt.Sprintf("operator %q requires an array value", OpIn))
			}
		}
	}
	for _, sel := range f.Select {
		if IsForbiddenKey(sel) {
			return errors.New(errors.KindValidationError, fmt.Sprintf("forbidden field %q in select list", sel))
		}
	}
	for _, ob := range f.OrderBy {
		if IsForbiddenKey(ob.Field) {
			return errors.New(errors.KindValidationError, fmt.Sprintf("forbidden field %q in orderBy", ob.Field))
		}
		if ob.Direction != SortAscending && ob.Direction != SortDescending {
			return errors.New(errors.KindValidationError, fmt.Sprintf("unknown sort direction %q", ob.Direction))
		}
	}
	if f.Cursor != nil && f.Offset != nil {
		return errors.New(errors.KindValidationError, "filter may not specify both cursor and offset")
	}
	return nil
}

// Matches reports whether r satisfies every condition in f. Connectors that
// cannot push filtering down to their data source (in-memory file
// connectors) use this to evaluate the conjunction after loading records.
func (f FilterOptions) Matches(r Record) bool {
	for _, c := range f.Conditions {
		if !conditionMatches(c, r[c.Field]) {
			return false
		}
	}
	return true
}

func conditionMatches(c FilterCondition, fieldValue any) bool {
	switch c.Operator {
	case OpEquals:
		return compareEqual(fieldValue, c.Value)
	case OpNotEquals:
		return !compareEqual(fieldValue, c.Value)
	case OpGreaterThan:
		cmp, ok := compareOrdered(fieldValue, c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareOrdered(fieldValue, c.Value)
		return ok && cmp < 0
	case OpGreaterThanOrEqual:
		cmp, ok := compareOrdered(fieldValue, c.Value)
		return ok && cmp >= 0
	case OpLessThanOrEqual:
		cmp, ok := compareOrdered(fieldValue, c.Value)
		return ok && cmp <= 0
	case OpContains:
		fs, ok1 := fieldValue.(string)
		vs, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(strings.ToLower(fs), strings.ToLower(vs))
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if compareEqual(fieldValue, v) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func compareEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareOrdered(a, b any) (int, bool) {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch tv := v.(type) {
	case int:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case string:
		f, err := strconv.ParseFloat(tv, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Sort orders records in place according to ob, applied left to right as
// tie-breakers.
func Sort(records []Record, ob []OrderBy) {
	sort.SliceStable(records, func(i, j int) bool {
		for _, o := range ob {
			cmp, ok := compareOrdered(records[i][o.Field], records[j][o.Field])
			if !ok {
				cmp = strings.Compare(fmt.Sprintf("%v", records[i][o.Field]), fmt.Sprintf("%v", records[j][o.Field]))
			}
			if cmp == 0 {
				continue
			}
			if o.Direction == SortDescending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Project returns a copy of r containing only the fields named in select.
// An empty select list returns r unchanged.
func Project(r Record, sel []string) Record {
	if len(sel) == 0 {
		return r
	}
	out := make(Record, len(sel))
	for _, f := range sel {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}
