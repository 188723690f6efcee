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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

// OperationSink appends hash-chained OperationEntry lines to
// <baseDir>/<sanitized connectorId>/YYYY-MM-DD.ndjson. Writes to the same
// file are serialized through a per-path mutex; the hash chain is
// reconstructed from the last line of the current day's file on first
// write after process start.
type OperationSink struct {
	baseDir string

	mu       sync.Mutex
	fileLock map[string]*sync.Mutex
	lastHash map[string]string
}

// NewOperationSink constructs a sink rooted at baseDir. The directory is
// not created until the first append.
func NewOperationSink(baseDir string) *OperationSink {
	return &OperationSink{
		baseDir:  baseDir,
		fileLock: make(map[string]*sync.Mutex),
		lastHash: make(map[string]string),
	}
}

// Append writes entry for connectorID, assigning EntryID and Timestamp if
// unset, and chaining its hash off the last entry written to the same
// day's file. A failed append must fail the calling tool invocation: no
// modification is allowed without a durable audit record, so callers treat
// a non-nil error here as fatal to the operation, not merely logged.
func (s *OperationSink) Append(connectorID string, entry OperationEntry) (OperationEntry, error) {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.ConnectorID = connectorID

	dir := filepath.Join(s.baseDir, sanitizeID(connectorID))
	path := filepath.Join(dir, entry.Timestamp.Format("2006-01-02")+".ndjson")

	lock := s.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, dirMode); err != nil {
		return OperationEntry{}, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "creating audit directory")
	}

	prevHash, err := s.resolvePrevHash(path)
	if err != nil {
		return OperationEntry{}, err
	}

	sealed := sealOperation(entry, prevHash)

	if err := appendLine(path, sealed); err != nil {
		return OperationEntry{}, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "appending operation audit entry")
	}

	s.mu.Lock()
	s.lastHash[path] = sealed.Hash
	s.mu.Unlock()

	return sealed, nil
}

func (s *OperationSink) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileLock[path]
	if !ok {
		l = &sync.Mutex{}
		s.fileLock[path] = l
	}
	return l
}

func (s *OperationSink) resolvePrevHash(path string) (string, error) {
	s.mu.Lock()
	if h, ok := s.lastHash[path]; ok {
		s.mu.Unlock()
		return h, nil
	}
	s.mu.Unlock()

	last, err := lastLine(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "reading existing audit file")
	}
	if last == "" {
		return genesisHash, nil
	}
	var existing OperationEntry
	if err := json.Unmarshal([]byte(last), &existing); err != nil {
		return "", dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "parsing existing audit file tail")
	}
	return existing.Hash, nil
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, fileMode)
	if err != nil {
		return err
	}
	defer f.Close()

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, string(payload))
	return err
}

func lastLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var last string
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			last = line
		}
	}
	return last, scanner.Err()
}
