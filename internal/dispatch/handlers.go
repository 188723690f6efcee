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
	"context"
	"time"

	"github.com/dtbroker/dtbroker/internal/audit"
	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/policy"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/internal/registry"
	"github.com/dtbroker/dtbroker/internal/trust/changedetect"
	"github.com/dtbroker/dtbroker/internal/trust/consistency"
	"github.com/dtbroker/dtbroker/internal/trust/reconcile"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func handleListConnectors(_ context.Context, d *Dispatcher, _ Request, _ policy.Decision) (any, error) {
	return d.deps.Registry.Summaries(), nil
}

func handleGetSchema(ctx context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a getSchemaArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}
	return conn.GetSchema(ctx, a.ForceRefresh)
}

func handleReadRecords(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error) {
	var a readRecordsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	if err := a.Filter.Validate(); err != nil {
		return nil, err
	}
	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}
	result, err := conn.ReadRecords(ctx, a.Filter)
	if err != nil {
		return nil, err
	}

	maskFields := maskFieldsFor(d.policy(), a.ConnectorID, decision)
	result.Records = policy.Mask(result.Records, maskFields, d.replacement())
	return result, nil
}

func handleWriteRecords(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error) {
	var a writeRecordsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	if a.Mode == "" {
		a.Mode = connector.WriteModeUpsert
	}
	records, err := recordsFromArg(a.Records)
	if err != nil {
		return nil, err
	}

	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}
	if conn.ReadOnly() {
		return nil, dtbrokererrors.Newf(dtbrokererrors.KindUnsupportedOperation, "connector %q is read-only", a.ConnectorID)
	}

	if registry.SchemaBacked[conn.Type()] {
		schema, err := conn.GetSchema(ctx, false)
		if err != nil {
			return nil, err
		}
		if err := rejectUnknownFields(schema, records); err != nil {
			return nil, err
		}
	}

	if verrs, err := conn.ValidateRecords(ctx, records); err != nil {
		return nil, err
	} else if len(verrs) > 0 {
		return nil, dtbrokererrors.Newf(dtbrokererrors.KindValidationError, "%d of %d records failed validation; no records were written", len(verrs), len(records)).
			WithConnector(a.ConnectorID).
			WithContext("validationErrors", verrs)
	}

	result, err := conn.WriteRecords(ctx, records, a.Mode)
	if err != nil {
		return nil, err
	}

	if d.deps.OperationSink != nil {
		if err := d.auditWrites(a.ConnectorID, a.Mode, records, result, req.Identity.Subject); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (d *Dispatcher) auditWrites(connectorID string, mode connector.WriteMode, records []record.Record, result connector.WriteResult, user string) error {
	op := audit.OperationUpdate
	if mode == connector.WriteModeInsert {
		op = audit.OperationCreate
	}

	failed := make(map[int]struct{}, len(result.Errors))
	for _, e := range result.Errors {
		failed[e.Index] = struct{}{}
	}

	for i, rec := range records {
		if _, isFailed := failed[i]; isFailed {
			continue
		}
		key := ""
		if i < len(result.IDs) {
			key = result.IDs[i]
		}
		entry := audit.OperationEntry{
			ConnectorID: connectorID,
			Operation:   op,
			RecordKey:   key,
			User:        user,
			After:       map[string]any(rec),
		}
		if _, err := d.deps.OperationSink.Append(connectorID, entry); err != nil {
			return err
		}
	}
	return nil
}

func rejectUnknownFields(schema record.Schema, records []record.Record) error {
	for idx, rec := range records {
		for field := range rec {
			if !schema.HasField(field) {
				return dtbrokererrors.Newf(dtbrokererrors.KindSchemaMismatch, "record %d: field %q is not in the connector schema", idx, field)
			}
		}
	}
	return nil
}

func handleValidateRecords(ctx context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a validateRecordsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	records, err := recordsFromArg(a.Records)
	if err != nil {
		return nil, err
	}
	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}
	return conn.ValidateRecords(ctx, records)
}

func handleCompareRecords(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error) {
	var a compareRecordsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	source, err := d.deps.Registry.Get(a.SourceConnectorID)
	if err != nil {
		return nil, err
	}
	target, err := d.deps.Registry.Get(a.TargetConnectorID)
	if err != nil {
		return nil, err
	}

	report, err := consistency.Compare(ctx, source, target, a.Options)
	if err != nil {
		return nil, err
	}

	pol := d.policy()
	sourceMask := maskFieldsFor(pol, a.SourceConnectorID, decision)
	targetMask := maskFieldsFor(pol, a.TargetConnectorID, decision)
	for i := range report.Results {
		if report.Results[i].Source != nil {
			masked := policy.Mask([]record.Record{report.Results[i].Source}, sourceMask, d.replacement())
			report.Results[i].Source = masked[0]
		}
		if report.Results[i].Target != nil {
			masked := policy.Mask([]record.Record{report.Results[i].Target}, targetMask, d.replacement())
			report.Results[i].Target = masked[0]
		}
	}
	return report, nil
}

func handleDetectChanges(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error) {
	var a detectChangesArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}

	report, err := changedetect.Detect(ctx, conn, d.deps.Snapshots, a.Options)
	if err != nil {
		return nil, err
	}

	maskFields := maskFieldsFor(d.policy(), a.ConnectorID, decision)
	for i := range report.Changes {
		if report.Changes[i].Record != nil {
			masked := policy.Mask([]record.Record{report.Changes[i].Record}, maskFields, d.replacement())
			report.Changes[i].Record = masked[0]
		}
	}
	return report, nil
}

func handleCreateSnapshot(ctx context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a createSnapshotArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	conn, err := d.deps.Registry.Get(a.ConnectorID)
	if err != nil {
		return nil, err
	}
	result, err := conn.ReadRecords(ctx, a.Filter)
	if err != nil {
		return nil, err
	}
	return d.deps.Snapshots.Create(audit.Snapshot{
		ID:          a.SnapshotID,
		ConnectorID: a.ConnectorID,
		CreatedAt:   time.Now().UTC(),
		Description: a.Description,
		Records:     result.Records,
	})
}

func handleListSnapshots(_ context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a listSnapshotsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	return d.deps.Snapshots.List(a.ConnectorID)
}

func handleDeleteSnapshot(_ context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a deleteSnapshotArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	if err := d.deps.Snapshots.Delete(a.SnapshotID); err != nil {
		return nil, err
	}
	return map[string]string{"deleted": a.SnapshotID}, nil
}

func handleQueryAuditLog(_ context.Context, d *Dispatcher, req Request, _ policy.Decision) (any, error) {
	var a queryAuditLogArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}

	since, err := parseOptionalRFC3339(a.SinceRFC339)
	if err != nil {
		return nil, err
	}
	until, err := parseOptionalRFC3339(a.UntilRFC339)
	if err != nil {
		return nil, err
	}

	switch a.Kind {
	case "", "operation":
		return audit.QueryOperations(d.deps.OperationDir, audit.OperationQuery{
			ConnectorID: a.ConnectorID,
			Since:       since,
			Until:       until,
			Operation:   audit.Operation(a.Operation),
			Limit:       a.Limit,
		})
	case "policy":
		return audit.QueryPolicyDecisions(d.deps.PolicyAuditDir, audit.PolicyQuery{
			ConnectorID: a.ConnectorID,
			Tool:        a.Tool,
			Decision:    audit.DecisionOutcome(a.Decision),
			Since:       since,
			Until:       until,
			Limit:       a.Limit,
		})
	default:
		return nil, dtbrokererrors.Newf(dtbrokererrors.KindInvalidOptions, "unknown audit log kind %q", a.Kind)
	}
}

func parseOptionalRFC3339(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, dtbrokererrors.WrapErr(dtbrokererrors.KindValidationError, err, "parsing timestamp")
	}
	return t, nil
}

func handleReconcileRecords(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error) {
	var a reconcileRecordsArgs
	if err := decodeArgs(req.Args, &a); err != nil {
		return nil, err
	}
	source, err := d.deps.Registry.Get(a.SourceConnectorID)
	if err != nil {
		return nil, err
	}
	target, err := d.deps.Registry.Get(a.TargetConnectorID)
	if err != nil {
		return nil, err
	}

	report, err := reconcile.Reconcile(ctx, source, target, a.Options)
	if err != nil {
		return nil, err
	}

	pol := d.policy()
	sourceMask := maskFieldsFor(pol, a.SourceConnectorID, decision)
	targetMask := maskFieldsFor(pol, a.TargetConnectorID, decision)
	for i := range report.Matches {
		if report.Matches[i].Source != nil {
			masked := policy.Mask([]record.Record{report.Matches[i].Source}, sourceMask, d.replacement())
			report.Matches[i].Source = masked[0]
		}
		if report.Matches[i].Target != nil {
			masked := policy.Mask([]record.Record{report.Matches[i].Target}, targetMask, d.replacement())
			report.Matches[i].Target = masked[0]
		}
	}
	return report, nil
}
