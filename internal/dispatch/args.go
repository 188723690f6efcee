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

package dispatch

import (
	"encoding/json"

	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/policy"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/internal/trust/changedetect"
	"github.com/dtbroker/dtbroker/internal/trust/consistency"
	"github.com/dtbroker/dtbroker/internal/trust/reconcile"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// decodeArgs round-trips raw (already JSON-shaped, from the MCP request's
// arguments map) into a typed struct through encoding/json, which is the
// only decoder every argument shape below needs: the trust primitives'
// Options types and record.FilterOptions already carry the json tags their
// wire shape requires.
func decodeArgs(raw map[string]any, out any) error {
	buf, err := json.Marshal(raw)
	if err != nil {
		return dtbrokererrors.WrapErr(dtbrokererrors.KindValidationError, err, "encoding tool arguments")
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return dtbrokererrors.WrapErr(dtbrokererrors.KindValidationError, err, "decoding tool arguments")
	}
	return nil
}

func recordsFromArg(raw []map[string]any) ([]record.Record, error) {
	out := make([]record.Record, 0, len(raw))
	for i, m := range raw {
		rec, err := record.New(m)
		if err != nil {
			return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindValidationError, err, "record "+itoa(i))
		}
		out = append(out, rec)
	}
	return out, nil
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// getSchemaArgs is get_schema's argument shape.
type getSchemaArgs struct {
	ConnectorID  string `json:"connectorId"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// readRecordsArgs is read_records' argument shape.
type readRecordsArgs struct {
	ConnectorID string               `json:"connectorId"`
	Filter      record.FilterOptions `json:"filter"`
}

// writeRecordsArgs is write_records' argument shape.
type writeRecordsArgs struct {
	ConnectorID string                   `json:"connectorId"`
	Mode        connector.WriteMode      `json:"mode"`
	Records     []map[string]any         `json:"records"`
}

// validateRecordsArgs is validate_records' argument shape.
type validateRecordsArgs struct {
	ConnectorID string           `json:"connectorId"`
	Records     []map[string]any `json:"records"`
}

// compareRecordsArgs is compare_records' argument shape.
type compareRecordsArgs struct {
	SourceConnectorID string              `json:"sourceConnectorId"`
	TargetConnectorID string              `json:"targetConnectorId"`
	Options           consistency.Options `json:"options"`
}

// detectChangesArgs is detect_changes' argument shape.
type detectChangesArgs struct {
	ConnectorID string               `json:"connectorId"`
	Options     changedetect.Options `json:"options"`
}

// createSnapshotArgs is create_snapshot's argument shape.
type createSnapshotArgs struct {
	ConnectorID string               `json:"connectorId"`
	SnapshotID  string               `json:"snapshotId"`
	Description string               `json:"description"`
	Filter      record.FilterOptions `json:"filter"`
}

// listSnapshotsArgs is list_snapshots' argument shape. An empty
// ConnectorID lists every snapshot regardless of connector.
type listSnapshotsArgs struct {
	ConnectorID string `json:"connectorId"`
}

// deleteSnapshotArgs is delete_snapshot's argument shape.
type deleteSnapshotArgs struct {
	SnapshotID string `json:"snapshotId"`
}

// queryAuditLogArgs is query_audit_log's argument shape. Kind selects
// which log to read; ConnectorID, Tool, and Decision are additional
// filters interpreted per Kind.
type queryAuditLogArgs struct {
	Kind        string `json:"kind"` // "operation" or "policy"
	ConnectorID string `json:"connectorId"`
	Tool        string `json:"tool"`
	Decision    string `json:"decision"`
	Operation   string `json:"operation"`
	SinceRFC339 string `json:"since"`
	UntilRFC339 string `json:"until"`
	Limit       int    `json:"limit"`
}

// reconcileRecordsArgs is reconcile_records' argument shape.
type reconcileRecordsArgs struct {
	SourceConnectorID string           `json:"sourceConnectorId"`
	TargetConnectorID string           `json:"targetConnectorId"`
	Options           reconcile.Options `json:"options"`
}

// summaryFor builds the policy.RequestSummary the engine evaluates
// against, for every tool. It never inspects record values, only field
// names and counts, so the policy engine never sees the record payload
// itself.
func summaryFor(tool string, raw map[string]any) policy.RequestSummary {
	summary := policy.RequestSummary{Tool: tool}

	switch tool {
	case "get_schema":
		var a getSchemaArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
	case "read_records":
		var a readRecordsArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
		summary.SelectFields = a.Filter.Select
		summary.WhereFields = conditionFields(a.Filter)
	case "write_records":
		var a writeRecordsArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
		summary.WriteMode = string(a.Mode)
		summary.RecordFields = unionFields(a.Records)
		summary.RecordCount = len(a.Records)
	case "validate_records":
		var a validateRecordsArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
		summary.RecordFields = unionFields(a.Records)
		summary.RecordCount = len(a.Records)
	case "compare_records":
		var a compareRecordsArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.SourceConnectorID, a.TargetConnectorID}
	case "detect_changes":
		var a detectChangesArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
	case "create_snapshot":
		var a createSnapshotArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.ConnectorID}
	case "list_snapshots":
		var a listSnapshotsArgs
		_ = decodeArgs(raw, &a)
		if a.ConnectorID != "" {
			summary.ConnectorIDs = []string{a.ConnectorID}
		}
	case "delete_snapshot":
		// No connector id is known ahead of the lookup; the policy
		// engine still evaluates tool-level gates and rules with no
		// connector id in the request.
	case "query_audit_log":
		var a queryAuditLogArgs
		_ = decodeArgs(raw, &a)
		if a.ConnectorID != "" {
			summary.ConnectorIDs = []string{a.ConnectorID}
		}
	case "reconcile_records":
		var a reconcileRecordsArgs
		_ = decodeArgs(raw, &a)
		summary.ConnectorIDs = []string{a.SourceConnectorID, a.TargetConnectorID}
	}

	return summary
}

func conditionFields(f record.FilterOptions) []string {
	seen := make(map[string]struct{}, len(f.Conditions))
	var out []string
	for _, c := range f.Conditions {
		if _, ok := seen[c.Field]; ok {
			continue
		}
		seen[c.Field] = struct{}{}
		out = append(out, c.Field)
	}
	return out
}

func unionFields(records []map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range records {
		for k := range r {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
