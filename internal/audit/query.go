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
	"os"
	"path/filepath"
	"sort"
	"time"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// OperationQuery filters the query_audit_log tool's read of the operation
// trail. A zero value matches every entry in every connector's directory.
type OperationQuery struct {
	ConnectorID string // empty matches every connector
	Since       time.Time
	Until       time.Time
	Operation   Operation // empty matches every operation kind
	Limit       int       // 0 means unbounded
}

// QueryOperations scans the ndjson files under baseDir (optionally scoped
// to one connector's subdirectory) and returns entries matching q, newest
// first. It does not verify the hash chain; chain verification is a
// separate, explicit operation, not a side effect of reading the log.
func QueryOperations(baseDir string, q OperationQuery) ([]OperationEntry, error) {
	var dirs []string
	if q.ConnectorID != "" {
		dirs = []string{filepath.Join(baseDir, sanitizeID(q.ConnectorID))}
	} else {
		entries, err := os.ReadDir(baseDir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "listing operation audit directories")
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(baseDir, e.Name()))
			}
		}
	}

	var out []OperationEntry
	for _, dir := range dirs {
		files, err := ndjsonFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			lines, err := readNDJSONLines(path)
			if err != nil {
				return nil, err
			}
			for _, line := range lines {
				var entry OperationEntry
				if err := json.Unmarshal(line, &entry); err != nil {
					return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "parsing operation audit line")
				}
				if !matchesOperation(entry, q) {
					continue
				}
				out = append(out, entry)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesOperation(entry OperationEntry, q OperationQuery) bool {
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && entry.Timestamp.After(q.Until) {
		return false
	}
	if q.Operation != "" && entry.Operation != q.Operation {
		return false
	}
	return true
}

// PolicyQuery filters a read of the global policy-decision log.
type PolicyQuery struct {
	ConnectorID string // matches any entry whose ConnectorSet contains this id
	Tool        string
	Decision    DecisionOutcome // empty matches both allow and deny
	Since       time.Time
	Until       time.Time
	Limit       int
}

// QueryPolicyDecisions scans the ndjson files under baseDir and returns
// entries matching q, newest first.
func QueryPolicyDecisions(baseDir string, q PolicyQuery) ([]PolicyDecisionRecord, error) {
	files, err := ndjsonFiles(baseDir)
	if err != nil {
		return nil, err
	}

	var out []PolicyDecisionRecord
	for _, path := range files {
		lines, err := readNDJSONLines(path)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var rec PolicyDecisionRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "parsing policy audit line")
			}
			if !matchesPolicy(rec, q) {
				continue
			}
			out = append(out, rec)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesPolicy(rec PolicyDecisionRecord, q PolicyQuery) bool {
	if q.Tool != "" && rec.Tool != q.Tool {
		return false
	}
	if q.Decision != "" && rec.Decision != q.Decision {
		return false
	}
	if !q.Since.IsZero() && rec.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && rec.Timestamp.After(q.Until) {
		return false
	}
	if q.ConnectorID != "" {
		found := false
		for _, c := range rec.ConnectorSet {
			if c == q.ConnectorID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func ndjsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "listing audit log files")
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ndjson" {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func readNDJSONLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "opening audit log file")
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditQueryError, err, "reading audit log file")
	}
	return lines, nil
}
