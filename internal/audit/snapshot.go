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
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dtbroker/dtbroker/internal/record"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// Snapshot is a point-in-time capture of a connector's records, taken by
// the create_snapshot tool and consumed later by detect_changes.
type Snapshot struct {
	ID          string          `json:"id"`
	ConnectorID string          `json:"connector_id"`
	CreatedAt   time.Time       `json:"created_at"`
	Description string          `json:"description,omitempty"`
	RecordCount int             `json:"record_count"`
	Records     []record.Record `json:"records"`
}

type snapshotFile struct {
	Meta    Snapshot        `json:"meta"`
	Records []record.Record `json:"records"`
}

// SnapshotStore persists Snapshot values as one JSON file per snapshot
// under <baseDir>/<sanitized snapshotId>.json.
type SnapshotStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewSnapshotStore constructs a store rooted at baseDir.
func NewSnapshotStore(baseDir string) *SnapshotStore {
	return &SnapshotStore{baseDir: baseDir}
}

// Create writes a new snapshot file. It fails with a KindSnapshotExists
// error if a snapshot with the same ID already exists, so callers never
// silently overwrite a previous capture.
func (s *SnapshotStore) Create(snap Snapshot) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, dirMode); err != nil {
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "creating snapshot directory")
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	snap.RecordCount = len(snap.Records)

	path := s.pathFor(snap.ID)
	if _, err := os.Stat(path); err == nil {
		return Snapshot{}, dtbrokererrors.Newf(dtbrokererrors.KindSnapshotExists, "snapshot %q already exists", snap.ID).WithConnector(snap.ConnectorID)
	}

	meta := snap
	meta.Records = nil
	payload, err := json.Marshal(snapshotFile{Meta: meta, Records: snap.Records})
	if err != nil {
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "encoding snapshot")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, fileMode); err != nil {
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "writing snapshot file")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "finalizing snapshot file")
	}

	return snap, nil
}

// Get loads a snapshot by ID.
func (s *SnapshotStore) Get(id string) (Snapshot, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, dtbrokererrors.Newf(dtbrokererrors.KindSnapshotNotFound, "snapshot %q not found", id)
		}
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "reading snapshot file")
	}
	var sf snapshotFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return Snapshot{}, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "parsing snapshot file")
	}
	sf.Meta.Records = sf.Records
	return sf.Meta, nil
}

// List returns metadata (without records) for every snapshot, optionally
// filtered to a single connector when connectorID is non-empty, ordered
// newest first.
func (s *SnapshotStore) List(connectorID string) ([]Snapshot, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "listing snapshot directory")
	}

	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, e.Name()))
		if err != nil {
			continue
		}
		var sf snapshotFile
		if err := json.Unmarshal(data, &sf); err != nil {
			continue
		}
		if connectorID != "" && sf.Meta.ConnectorID != connectorID {
			continue
		}
		out = append(out, sf.Meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a snapshot file. Deleting a missing snapshot is not an
// error, matching the idempotent-delete convention used elsewhere in the
// server.
func (s *SnapshotStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return dtbrokererrors.WrapErr(dtbrokererrors.KindSnapshotError, err, "deleting snapshot file")
	}
	return nil
}

func (s *SnapshotStore) pathFor(id string) string {
	return filepath.Join(s.baseDir, sanitizeID(id)+".json")
}
