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

package changedetect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/audit"
	"github.com/dtbroker/dtbroker/internal/connector"
	"github.com/dtbroker/dtbroker/internal/connector/file"
	"github.com/dtbroker/dtbroker/internal/record"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func newJSONConnector(t *testing.T, id, content string) connector.Connector {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := file.New(connector.Config{ID: id, Name: id, Type: "json", Options: map[string]any{"path": path}})
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	return c
}

func TestDetectSnapshotModeClassifiesAddedDeletedModified(t *testing.T) {
	c := newJSONConnector(t, "orders", `[{"id":1,"v":"x-new"},{"id":3,"v":"z"}]`)

	store := audit.NewSnapshotStore(t.TempDir())
	_, err := store.Create(audit.Snapshot{
		ID:          "snap-1",
		ConnectorID: "orders",
		Records: []record.Record{
			{"id": float64(1), "v": "x"},
			{"id": float64(2), "v": "y"},
		},
	})
	require.NoError(t, err)

	report, err := Detect(context.Background(), c, store, Options{
		Mode:       ModeSnapshot,
		SnapshotID: "snap-1",
		KeyField:   "id",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.AddedCount)
	assert.Equal(t, 1, report.DeletedCount)
	assert.Equal(t, 1, report.ModifiedCount)
	assert.Equal(t, 3, report.Total)
}

func TestDetectSnapshotModeRejectsConnectorMismatch(t *testing.T) {
	c := newJSONConnector(t, "orders", `[]`)

	store := audit.NewSnapshotStore(t.TempDir())
	_, err := store.Create(audit.Snapshot{ID: "snap-1", ConnectorID: "other-connector"})
	require.NoError(t, err)

	_, err = Detect(context.Background(), c, store, Options{
		Mode:       ModeSnapshot,
		SnapshotID: "snap-1",
		KeyField:   "id",
	})
	require.Error(t, err)

	var derr *dtbrokererrors.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, dtbrokererrors.KindConnectorMismatch, derr.Kind)
}

func TestDetectSnapshotModeZeroChangesImmediatelyAfterSnapshot(t *testing.T) {
	content := `[{"id":1,"v":"x"},{"id":2,"v":"y"}]`
	c := newJSONConnector(t, "orders", content)

	records, err := c.ReadRecords(context.Background(), record.FilterOptions{})
	require.NoError(t, err)

	store := audit.NewSnapshotStore(t.TempDir())
	_, err = store.Create(audit.Snapshot{ID: "snap-1", ConnectorID: "orders", Records: records.Records})
	require.NoError(t, err)

	report, err := Detect(context.Background(), c, store, Options{
		Mode:       ModeSnapshot,
		SnapshotID: "snap-1",
		KeyField:   "id",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
}

func TestDetectSnapshotModeScopesToTrackFields(t *testing.T) {
	c := newJSONConnector(t, "orders", `[{"id":1,"v":"x","note":"changed"}]`)

	store := audit.NewSnapshotStore(t.TempDir())
	_, err := store.Create(audit.Snapshot{
		ID:          "snap-1",
		ConnectorID: "orders",
		Records:     []record.Record{{"id": float64(1), "v": "x", "note": "original"}},
	})
	require.NoError(t, err)

	report, err := Detect(context.Background(), c, store, Options{
		Mode:        ModeSnapshot,
		SnapshotID:  "snap-1",
		KeyField:    "id",
		TrackFields: []string{"v"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
}

func TestDetectTimestampModeClassifiesAllAsModified(t *testing.T) {
	c := newJSONConnector(t, "orders", `[{"id":1,"updated_at":"2026-01-02T00:00:00Z"}]`)

	report, err := Detect(context.Background(), c, nil, Options{
		Mode:           ModeTimestamp,
		TimestampField: "updated_at",
		Since:          mustParseTime(t, "2026-01-01T00:00:00Z"),
		KeyField:       "id",
	})
	require.NoError(t, err)
	require.Len(t, report.Changes, 1)
	assert.Equal(t, ChangeModified, report.Changes[0].Type)
}

func TestDetectRejectsUnknownMode(t *testing.T) {
	c := newJSONConnector(t, "orders", `[]`)
	_, err := Detect(context.Background(), c, nil, Options{Mode: "bogus"})
	require.Error(t, err)
}
