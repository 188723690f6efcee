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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

const defaultMaxPolicyFileBytes = 10 * 1024 * 1024

// PolicySink appends hash-chained PolicyDecisionRecord lines to a single
// rotating file family under baseDir: YYYY-MM-DD.ndjson, rolling over to
// YYYY-MM-DD-1.ndjson, -2.ndjson, and so on once the active file reaches
// MaxFileBytes. Unlike OperationSink, there is exactly one active file at
// a time for the whole policy log, so a single mutex serializes writers.
type PolicySink struct {
	baseDir      string
	maxFileBytes int64

	mu       sync.Mutex
	day      string
	seq      int
	lastHash string
	sized    bool
}

// NewPolicySink constructs a sink rooted at baseDir with the default
// 10MB rotation threshold.
func NewPolicySink(baseDir string) *PolicySink {
	return &PolicySink{baseDir: baseDir, maxFileBytes: defaultMaxPolicyFileBytes}
}

// WithMaxFileBytes overrides the rotation threshold and returns the
// receiver for chaining.
func (s *PolicySink) WithMaxFileBytes(n int64) *PolicySink {
	s.maxFileBytes = n
	return s
}

// Append writes record, assigning DecisionID and Timestamp if unset.
func (s *PolicySink) Append(record PolicyDecisionRecord) (PolicyDecisionRecord, error) {
	if record.DecisionID == "" {
		record.DecisionID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, dirMode); err != nil {
		return PolicyDecisionRecord{}, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "creating policy audit directory")
	}

	today := record.Timestamp.Format("2006-01-02")
	if today != s.day {
		s.day = today
		s.seq = 0
		s.sized = false
		s.lastHash = ""
	}

	if !s.sized {
		if err := s.resume(); err != nil {
			return PolicyDecisionRecord{}, err
		}
	}

	path := s.currentPath()
	if fi, err := os.Stat(path); err == nil && fi.Size() >= s.maxFileBytes {
		s.seq++
		path = s.currentPath()
	}

	sealed := sealDecision(record, s.lastHash)

	if err := appendLine(path, sealed); err != nil {
		return PolicyDecisionRecord{}, dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "appending policy audit record")
	}

	s.lastHash = sealed.Hash
	return sealed, nil
}

// resume finds the highest existing sequence file for today and loads the
// chain's tail hash from it, so a restarted process continues the chain
// rather than starting a fresh genesis mid-day.
func (s *PolicySink) resume() error {
	s.seq = 0
	for {
		next := s.seq + 1
		if _, err := os.Stat(s.pathFor(next)); err != nil {
			break
		}
		s.seq = next
	}

	path := s.currentPath()
	last, err := lastLine(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.sized = true
			s.lastHash = genesisHash
			return nil
		}
		return dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "reading existing policy audit file")
	}
	s.sized = true
	if last == "" {
		s.lastHash = genesisHash
		return nil
	}
	var existing PolicyDecisionRecord
	if err := json.Unmarshal([]byte(last), &existing); err != nil {
		return dtbrokererrors.WrapErr(dtbrokererrors.KindAuditLogError, err, "parsing existing policy audit file tail")
	}
	s.lastHash = existing.Hash
	return nil
}

func (s *PolicySink) currentPath() string {
	return s.pathFor(s.seq)
}

func (s *PolicySink) pathFor(seq int) string {
	name := s.day
	if seq > 0 {
		name = fmt.Sprintf("%s-%d", s.day, seq)
	}
	return filepath.Join(s.baseDir, name+".ndjson")
}
