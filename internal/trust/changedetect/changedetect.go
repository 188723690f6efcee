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

// Package changedetect implements the Change Detector trust primitive: it
// reports records added, deleted, or modified since a reference point,
// either a timestamp field or a prior snapshot, for the detect_changes
// tool.
package changedetect

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/dtbroker/dtbroker/internal/audit"
	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/record"
	"github.com/dtbroker/dtbroker/pkg/errors"
)

// Mode selects how the reference point for change detection is derived.
type Mode string

const (
	ModeTimestamp Mode = "timestamp"
	ModeSnapshot  Mode = "snapshot"
)

// Options configures a single detect_changes invocation.
type Options struct {
	Mode Mode

	// Timestamp mode.
	TimestampField string
	Since          time.Time

	// Snapshot mode.
	SnapshotID string

	KeyField    string
	TrackFields []string
}

// ChangeType classifies one entry in a Report.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeDeleted  ChangeType = "deleted"
	ChangeModified ChangeType = "modified"
)

// Change is a single detected difference.
type Change struct {
	Key           string         `json:"key"`
	Type          ChangeType     `json:"type"`
	ChangedFields []string       `json:"changedFields,omitempty"`
	Record        record.Record  `json:"record,omitempty"`
}

// Report summarizes a detect_changes run.
type Report struct {
	Changes       []Change `json:"changes"`
	AddedCount    int      `json:"addedCount"`
	DeletedCount  int      `json:"deletedCount"`
	ModifiedCount int      `json:"modifiedCount"`
	Total         int      `json:"total"`
}

// Detect runs change detection against c under opts. snapshots is only
// consulted in ModeSnapshot and may be nil otherwise.
func Detect(ctx context.Context, c connector.Connector, snapshots *audit.SnapshotStore, opts Options) (Report, error) {
	switch opts.Mode {
	case ModeTimestamp:
		return detectTimestamp(ctx, c, opts)
	case ModeSnapshot:
		return detectSnapshot(ctx, c, snapshots, opts)
	default:
		return Report{}, errors.Newf(errors.KindInvalidOptions, "unknown change detection mode %q", opts.Mode)
	}
}

func detectTimestamp(ctx context.Context, c connector.Connector, opts Options) (Report, error) {
	if opts.TimestampField == "" {
		return Report{}, errors.New(errors.KindInvalidOptions, "timestamp mode requires a timestampField")
	}
	if opts.Since.IsZero() {
		return Report{}, errors.New(errors.KindInvalidOptions, "timestamp mode requires a since value")
	}

	records, err := loadAll(ctx, c, record.FilterOptions{
		Conditions: []record.FilterCondition{{
			Field:    opts.TimestampField,
			Operator: record.OpGreaterThan,
			Value:    opts.Since.Format(time.RFC3339),
		}},
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{}
	for _, r := range records {
		key := keyValue(r, opts.KeyField)
		report.Changes = append(report.Changes, Change{Key: key, Type: ChangeModified, Record: r})
	}
	report.ModifiedCount = len(report.Changes)
	report.Total = len(report.Changes)
	return report, nil
}

func detectSnapshot(ctx context.Context, c connector.Connector, snapshots *audit.SnapshotStore, opts Options) (Report, error) {
	if opts.SnapshotID == "" {
		return Report{}, errors.New(errors.KindInvalidOptions, "snapshot mode requires a snapshotId")
	}
	if opts.KeyField == "" {
		return Report{}, errors.New(errors.KindKeyFieldMissing, "snapshot mode requires a keyField")
	}
	if snapshots == nil {
		return Report{}, errors.New(errors.KindSnapshotError, "no snapshot store configured")
	}

	snap, err := snapshots.Get(opts.SnapshotID)
	if err != nil {
		return Report{}, err
	}
	if snap.ConnectorID != c.ID() {
		return Report{}, errors.Newf(errors.KindConnectorMismatch, "snapshot %q belongs to connector %q, not %q", opts.SnapshotID, snap.ConnectorID, c.ID()).
			WithConnector(c.ID())
	}

	current, err := loadAll(ctx, c, record.FilterOptions{})
	if err != nil {
		return Report{}, err
	}

	snapIndex := indexByKey(snap.Records, opts.KeyField)
	curIndex := indexByKey(current, opts.KeyField)

	report := Report{}
	for key, cur := range curIndex {
		prev, existed := snapIndex[key]
		if !existed {
			report.Changes = append(report.Changes, Change{Key: key, Type: ChangeAdded, Record: cur})
			report.AddedCount++
			continue
		}
		changed := diffFields(prev, cur, opts.TrackFields)
		if len(changed) > 0 {
			report.Changes = append(report.Changes, Change{Key: key, Type: ChangeModified, ChangedFields: changed, Record: cur})
			report.ModifiedCount++
		}
	}
	for key, prev := range snapIndex {
		if _, stillPresent := curIndex[key]; !stillPresent {
			report.Changes = append(report.Changes, Change{Key: key, Type: ChangeDeleted, Record: prev})
			report.DeletedCount++
		}
	}

	report.Total = len(report.Changes)
	return report, nil
}

func loadAll(ctx context.Context, c connector.Connector, filter record.FilterOptions) ([]record.Record, error) {
	var out []record.Record
	offset := 0
	const pageSize = 1000

	for {
		f := filter
		f.Offset = &offset
		limit := pageSize
		f.Limit = &limit

		result, err := c.ReadRecords(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, result.Records...)
		if !result.HasMore || len(result.Records) == 0 {
			break
		}
		offset += len(result.Records)
	}
	return out, nil
}

func indexByKey(records []record.Record, keyField string) map[string]record.Record {
	idx := make(map[string]record.Record, len(records))
	for _, r := range records {
		idx[keyValue(r, keyField)] = r
	}
	return idx
}

func keyValue(r record.Record, keyField string) string {
	return formatKey(r[keyField])
}

// diffFields reports the fields that differ between prev and cur, scoped
// to trackFields when non-empty. Objects and arrays are compared by deep
// equality, primitives by strict equality, dates by epoch milliseconds,
// and nil/absent are treated as equivalent.
func diffFields(prev, cur record.Record, trackFields []string) []string {
	fields := trackFields
	if len(fields) == 0 {
		fields = unionFields(prev, cur)
	}

	var changed []string
	for _, f := range fields {
		if !valuesEqual(prev[f], cur[f]) {
			changed = append(changed, f)
		}
	}
	return changed
}

func unionFields(a, b record.Record) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for k := range a {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func valuesEqual(a, b any) bool {
	if isNullish(a) && isNullish(b) {
		return true
	}
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok || bok {
		if !aok || !bok {
			return false
		}
		return at.UnixMilli() == bt.UnixMilli()
	}
	return reflect.DeepEqual(a, b)
}

func isNullish(v any) bool {
	return v == nil
}

func formatKey(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
