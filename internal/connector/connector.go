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

// Package connector defines the uniform capability surface every data
// source adapter implements, independent of whether it is backed by a
// file, a SQL database, or a SaaS API. The governance wrapper in
// internal/governance decorates any Connector with semaphore, timeout,
// retry, and circuit-breaker behavior without knowing which kind it wraps.
package connector

import (
	"context"

	"github.com/dtbroker/dtbroker/internal/record"
)

// WriteMode selects the semantics of a writeRecords call.
type WriteMode string

const (
	WriteModeInsert WriteMode = "insert"
	WriteModeUpdate WriteMode = "update"
	WriteModeUpsert WriteMode = "upsert"
)

// ConnectionState is the lifecycle state of a Connector.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Config describes one entry in the server's connector list. Type-specific
// fields (DSN, file path, recordsPath, base URL, credentials) live in
// Options and are interpreted by the adapter named by Type.
type Config struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	ReadOnly bool           `json:"readOnly"`
	Options  map[string]any `json:"options,omitempty"`
}

// ReadResult is the outcome of a successful readRecords call.
type ReadResult struct {
	Records    []record.Record
	TotalCount *int
	HasMore    bool
	NextCursor *string
}

// WriteError reports the failure of one record within a writeRecords call.
type WriteError struct {
	Index int    `json:"index"`
	Error error  `json:"-"`
	Kind  string `json:"kind"`
}

// WriteResult is the outcome of a writeRecords call. Success and Failed
// index the input record slice; Failed never overlaps Success. IDs holds
// the connector-assigned identifier for each successfully written record,
// in input order, with an empty string standing in for a failed index.
type WriteResult struct {
	Success int
	Failed  int
	Errors  []WriteError
	IDs     []string
}

// ValidationError names the input-slice index and the human-readable
// reason a candidate write record is invalid.
type ValidationError struct {
	Index  int    `json:"index"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Connector is the capability surface every adapter (file, SQL, SaaS)
// implements. All methods accept a context carrying the operation
// deadline; callers enforce timeouts through the governance wrapper, not
// the adapter itself.
type Connector interface {
	// ID returns the connector's configured identifier.
	ID() string
	// Name returns the connector's human-readable name.
	Name() string
	// Type returns the adapter type tag (csv, json, excel, postgresql,
	// mysql, odoo, hubspot, ...).
	Type() string
	// ReadOnly reports whether writeRecords must be rejected.
	ReadOnly() bool
	// State returns the current connection state.
	State() ConnectionState

	// Connect establishes the underlying connection or file handle.
	Connect(ctx context.Context) error
	// Disconnect releases the underlying connection or file handle.
	Disconnect(ctx context.Context) error

	// GetSchema returns the connector's schema, inferring it from the
	// data source on first call or when forceRefresh is set.
	GetSchema(ctx context.Context, forceRefresh bool) (record.Schema, error)

	// ReadRecords returns records matching filter.
	ReadRecords(ctx context.Context, filter record.FilterOptions) (ReadResult, error)

	// WriteRecords applies records under mode. ReadOnly connectors must
	// reject this with a KindUnsupportedOperation error.
	WriteRecords(ctx context.Context, records []record.Record, mode WriteMode) (WriteResult, error)

	// ValidateRecords checks records against the schema without writing
	// them, returning one ValidationError per invalid record.
	ValidateRecords(ctx context.Context, records []record.Record) ([]ValidationError, error)

	// TestConnection verifies reachability without mutating state.
	TestConnection(ctx context.Context) error
}
