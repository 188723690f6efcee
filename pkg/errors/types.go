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

package errors

import (
	"fmt"
	"log/slog"
)

// Kind is the stable error-kind tag carried by every externally visible
// error in the system. Transport bindings map a subset of these to HTTP
// status codes; all of them are safe to surface to a calling agent.
type Kind string

const (
	KindConnectionFailed     Kind = "CONNECTION_FAILED"
	KindAuthenticationFailed Kind = "AUTHENTICATION_FAILED"
	KindNotFound             Kind = "NOT_FOUND"
	KindValidationError      Kind = "VALIDATION_ERROR"
	KindPermissionDenied     Kind = "PERMISSION_DENIED"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindTimeout              Kind = "TIMEOUT"
	KindSchemaMismatch       Kind = "SCHEMA_MISMATCH"
	KindWriteFailed          Kind = "WRITE_FAILED"
	KindReadFailed           Kind = "READ_FAILED"
	KindUnsupportedOperation Kind = "UNSUPPORTED_OPERATION"
	KindConfigurationError   Kind = "CONFIGURATION_ERROR"
	KindUnknown              Kind = "UNKNOWN"

	// Trust-primitive and audit kinds (§7 of the governing spec).
	KindSourceNotConnected    Kind = "SOURCE_NOT_CONNECTED"
	KindTargetNotConnected    Kind = "TARGET_NOT_CONNECTED"
	KindConnectorNotConnected Kind = "CONNECTOR_NOT_CONNECTED"
	KindConnectorMismatch     Kind = "CONNECTOR_MISMATCH"
	KindMappingError          Kind = "MAPPING_ERROR"
	KindKeyFieldMissing       Kind = "KEY_FIELD_MISSING"
	KindComparisonFailed      Kind = "COMPARISON_FAILED"
	KindBatchProcessingError  Kind = "BATCH_PROCESSING_ERROR"
	KindInvalidOptions        Kind = "INVALID_OPTIONS"
	KindSnapshotError         Kind = "SNAPSHOT_ERROR"
	KindSnapshotExists        Kind = "SNAPSHOT_EXISTS"
	KindSnapshotNotFound      Kind = "SNAPSHOT_NOT_FOUND"
	KindAuditLogError         Kind = "AUDIT_LOG_ERROR"
	KindAuditQueryError       Kind = "AUDIT_QUERY_ERROR"
	KindReconciliationError   Kind = "RECONCILIATION_ERROR"
	KindInvalidRule           Kind = "INVALID_RULE"
)

// retryableKinds are the kinds the Resource Governance Wrapper retries for
// idempotent operations. Transport-layer network codes are classified into
// one of these kinds before reaching this type.
var retryableKinds = map[Kind]bool{
	KindTimeout:          true,
	KindConnectionFailed: true,
	KindRateLimited:      true,
}

// Error is the single typed error used throughout dtbroker. It replaces a
// family of distinct exception types with one tagged union: every error
// carries a kind, a human message, an optional connector id, an optional
// actionable suggestion, free-form context for programmatic handling (e.g.
// a Retry-After hint), and an optional wrapped cause.
type Error struct {
	Kind        Kind
	Message     string
	ConnectorID string
	Suggestion  string
	Context     map[string]any
	Cause       error
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr constructs an *Error of the given kind wrapping an underlying cause.
func WrapErr(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithConnector sets the connector id and returns the receiver for chaining.
func (e *Error) WithConnector(id string) *Error {
	e.ConnectorID = id
	return e
}

// WithSuggestion sets the actionable suggestion and returns the receiver.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithContext attaches a context key/value and returns the receiver.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Error implements the error interface with an actionable-message format.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.ConnectorID != "" {
		msg = fmt.Sprintf("%s (connector: %s)", msg, e.ConnectorID)
	}
	if e.Suggestion != "" {
		msg = fmt.Sprintf("%s [suggestion: %s]", msg, e.Suggestion)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// LogValue implements slog.LogValuer so slog.Any("error", err) emits
// structured kind/connector_id/suggestion fields instead of a flat string.
func (e *Error) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
	}
	if e.ConnectorID != "" {
		attrs = append(attrs, slog.String("connector_id", e.ConnectorID))
	}
	if e.Suggestion != "" {
		attrs = append(attrs, slog.String("suggestion", e.Suggestion))
	}
	if e.Cause != nil {
		attrs = append(attrs, slog.String("cause", e.Cause.Error()))
	}
	return slog.GroupValue(attrs...)
}

// ErrorType implements ErrorClassifier.
func (e *Error) ErrorType() string {
	return string(e.Kind)
}

// IsRetryable implements ErrorClassifier, reporting whether the Resource
// Governance Wrapper should retry an idempotent operation that failed with
// this error.
func (e *Error) IsRetryable() bool {
	return retryableKinds[e.Kind]
}

// IsUserVisible implements UserVisibleError. Every *Error is safe to show
// to the calling agent; callers are responsible for not attaching internal
// details (e.g. policy rule bodies) to Message/Suggestion.
func (e *Error) IsUserVisible() bool {
	return true
}

// UserMessage implements UserVisibleError.
func (e *Error) UserMessage() string {
	return e.Message
}

// SuggestionText implements UserVisibleError's accessor.
func (e *Error) SuggestionText() string {
	return e.Suggestion
}
