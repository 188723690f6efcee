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

// Package audit implements the two append-only, hash-chained file sinks
// the server relies on for tamper evidence: the per-connector operation
// trail and the global policy-decision log. Both chain entries as
// hash(N) == SHA-256(hash(N-1) || JSON(entry N without its hash fields)),
// with the oldest entry in a file using prev_hash "0". Writes targeting
// the same file are serialized through a per-path mutex so the chain is
// always well-formed even under concurrent dispatch.
package audit

import "time"

// Operation names the kind of mutation an OperationEntry records.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// OperationEntry is one line of a connector's operation trail: a record
// of a single create/update/delete applied through write_records.
type OperationEntry struct {
	EntryID       string         `json:"entry_id"`
	Timestamp     time.Time      `json:"timestamp"`
	ConnectorID   string         `json:"connector_id"`
	Operation     Operation      `json:"operation"`
	RecordKey     string         `json:"record_key"`
	User          string         `json:"user,omitempty"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// DecisionOutcome is the allow/deny result a PolicyDecisionRecord logs.
type DecisionOutcome string

const (
	DecisionAllow DecisionOutcome = "allow"
	DecisionDeny  DecisionOutcome = "deny"
)

// RequestSummary mirrors policy.RequestSummary for the audit record,
// without importing the policy package, so the audit sink has no
// dependency on policy evaluation internals.
type RequestSummary struct {
	WriteMode    string   `json:"writeMode,omitempty"`
	SelectFields []string `json:"selectFields,omitempty"`
	WhereFields  []string `json:"whereFields,omitempty"`
	RecordFields []string `json:"recordFields,omitempty"`
	RecordCount  int      `json:"recordCount,omitempty"`
}

// PolicyDecisionRecord is one line of the global policy audit log.
type PolicyDecisionRecord struct {
	DecisionID    string          `json:"decision_id"`
	TraceID       string          `json:"trace_id"`
	PolicyVersion string          `json:"policy_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Tool          string          `json:"tool"`
	ConnectorSet  []string        `json:"connector_set"`
	Decision      DecisionOutcome `json:"decision"`
	Reason        string          `json:"reason"`
	MatchedRuleID string          `json:"matched_rule_id,omitempty"`
	Subject       string          `json:"subject,omitempty"`
	Tenant        string          `json:"tenant,omitempty"`
	BreakGlass    bool            `json:"break_glass,omitempty"`
	Request       RequestSummary  `json:"request"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}
