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

package audit

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtbroker/dtbroker/internal/record"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

func TestSnapshotStoreCreateAndGet(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	snap := Snapshot{
		ID:          "snap-1",
		ConnectorID: "crm",
		Records: []record.Record{
			{"id": "1", "name": "Ada"},
			{"id": "2", "name": "Grace"},
		},
	}

	created, err := store.Create(snap)
	require.NoError(t, err)
	assert.Equal(t, 2, created.RecordCount)
	assert.False(t, created.CreatedAt.IsZero())

	fi, err := os.Stat(store.pathFor("snap-1"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	got, err := store.Get("snap-1")
	require.NoError(t, err)
	assert.Equal(t, "crm", got.ConnectorID)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "Ada", got.Records[0]["name"])
}

func TestSnapshotStoreCreateRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	_, err := store.Create(Snapshot{ID: "dup", ConnectorID: "crm"})
	require.NoError(t, err)

	_, err = store.Create(Snapshot{ID: "dup", ConnectorID: "crm"})
	require.Error(t, err)

	var dtErr *dtbrokererrors.Error
	require.ErrorAs(t, err, &dtErr)
	assert.Equal(t, dtbrokererrors.KindSnapshotExists, dtErr.Kind)
}

func TestSnapshotStoreGetMissingReturnsNotFound(t *testing.T) {
	store := NewSnapshotStore(t.TempDir())

	_, err := store.Get("missing")
	require.Error(t, err)

	var dtErr *dtbrokererrors.Error
	require.ErrorAs(t, err, &dtErr)
	assert.Equal(t, dtbrokererrors.KindSnapshotNotFound, dtErr.Kind)
}

func TestSnapshotStoreListFiltersByConnectorAndOrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	_, err := store.Create(Snapshot{ID: "a", ConnectorID: "crm", CreatedAt: older})
	require.NoError(t, err)
	_, err = store.Create(Snapshot{ID: "b", ConnectorID: "crm", CreatedAt: newer})
	require.NoError(t, err)
	_, err = store.Create(Snapshot{ID: "c", ConnectorID: "erp", CreatedAt: newer})
	require.NoError(t, err)

	all, err := store.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	crmOnly, err := store.List("crm")
	require.NoError(t, err)
	require.Len(t, crmOnly, 2)
	assert.Equal(t, "b", crmOnly[0].ID)
	assert.Equal(t, "a", crmOnly[1].ID)
}

func TestSnapshotStoreDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	_, err := store.Create(Snapshot{ID: "gone", ConnectorID: "crm"})
	require.NoError(t, err)

	require.NoError(t, store.Delete("gone"))
	_, err = store.Get("gone")
	require.Error(t, err)

	// deleting again must not error
	require.NoError(t, store.Delete("gone"))
}

func TestSnapshotStoreRejectsPathTraversalInID(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	_, err := store.Create(Snapshot{ID: "../../etc/passwd", ConnectorID: "crm"})
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "..")
	}
}
