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

// Package dispatch implements the tool call pipeline every transport
// binding (stdio, HTTP) funnels through: trace id assignment, policy
// evaluation, admission control, handler invocation, response masking,
// and metrics/logging. It is the one place in the server that knows about
// all twelve tool names at once.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dtbroker/dtbroker/internal/audit"
	"github.com/dtbroker/dtbroker/internal/governance"
	"github.com/dtbroker/dtbroker/internal/policy"
	"github.com/dtbroker/dtbroker/internal/registry"
	"github.com/dtbroker/dtbroker/internal/telemetry"
	dtbrokererrors "github.com/dtbroker/dtbroker/pkg/errors"
)

// Request is the transport-agnostic shape of one tool call.
type Request struct {
	Tool            string
	Traceparent     string
	Identity        policy.Identity
	ApprovalToken   string
	BreakGlassToken string
	Args            map[string]any
}

// Response is what every transport binding renders back to the caller,
// already masked and already carrying the ids a caller needs to audit its
// own side of the exchange.
type Response struct {
	TraceID    string
	DecisionID string
	Denied     bool
	Reason     string
	Data       any
	Err        *dtbrokererrors.Error
}

// Deps bundles the already-constructed subsystems the dispatcher calls
// into. None of these are owned by the dispatcher: the daemon entrypoint
// builds and tears them down.
type Deps struct {
	Registry       *registry.Registry
	Engine         *policy.Engine
	OperationSink  *audit.OperationSink
	PolicySink     *audit.PolicySink
	PolicyAuditDir string
	OperationDir   string
	Snapshots      *audit.SnapshotStore
	Telemetry      *telemetry.Provider
	Logger         *slog.Logger
	PolicyVersion  func() string

	// ToolSemaphoreSize caps the number of tool calls in flight across the
	// whole server, independent of each connector's own semaphore.
	ToolSemaphoreSize int
	ToolTimeout       time.Duration
}

// Dispatcher runs the tool call pipeline against one configured Deps. The
// active policy is held behind an atomic pointer so a policy bundle
// reload never blocks or races an in-flight call.
type Dispatcher struct {
	deps Deps
	pol  atomic.Pointer[policy.Policy]
	sem  *governance.Semaphore

	metrics *Metrics
}

// New constructs a Dispatcher. initial is the policy in effect until the
// first call to SetPolicy.
func New(deps Deps, initial policy.Policy, reg prometheus.Registerer) *Dispatcher {
	if deps.ToolSemaphoreSize <= 0 {
		deps.ToolSemaphoreSize = 25
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = 120 * time.Second
	}
	d := &Dispatcher{
		deps: deps,
		sem:  governance.NewSemaphore(deps.ToolSemaphoreSize),
	}
	d.pol.Store(&initial)
	if reg != nil {
		d.metrics = NewMetrics(reg)
	}
	return d
}

// SetPolicy atomically swaps the policy evaluated for every subsequent
// call. In-flight calls keep running against the policy they started
// with.
func (d *Dispatcher) SetPolicy(pol policy.Policy) {
	d.pol.Store(&pol)
}

func (d *Dispatcher) policy() policy.Policy {
	return *d.pol.Load()
}

// handlerFunc is the signature every per-tool handler implements. It
// receives the already-allowed decision, computes the masking field set
// for the connectors it reads, and masks its own record lists before
// returning the response payload.
type handlerFunc func(ctx context.Context, d *Dispatcher, req Request, decision policy.Decision) (any, error)

var handlers = map[string]handlerFunc{
	"list_connectors": handleListConnectors,
	"get_schema":       handleGetSchema,
	"read_records":     handleReadRecords,
	"write_records":    handleWriteRecords,
	"validate_records": handleValidateRecords,
	"compare_records":  handleCompareRecords,
	"detect_changes":   handleDetectChanges,
	"create_snapshot":  handleCreateSnapshot,
	"list_snapshots":   handleListSnapshots,
	"delete_snapshot":  handleDeleteSnapshot,
	"query_audit_log":  handleQueryAuditLog,
	"reconcile_records": handleReconcileRecords,
}

// Dispatch runs the full pipeline for one tool call: trace assignment,
// policy evaluation (with denial auditing), admission control, handler
// invocation, and metrics/logging. It never returns a non-nil error for a
// policy denial or a handler-level failure — both surface as a Response
// with Denied or Err set — so transports have one success path to render.
// A non-nil error return is reserved for inputs the dispatcher itself
// cannot make sense of, such as an unregistered tool name.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Response, error) {
	handler, ok := handlers[req.Tool]
	if !ok {
		return Response{}, dtbrokererrors.Newf(dtbrokererrors.KindNotFound, "unknown tool %q", req.Tool)
	}

	decisionID := uuid.NewString()
	ctx, span := d.deps.Telemetry.StartToolSpan(ctx, req.Traceparent, req.Tool)
	defer span.End()
	traceID := span.SpanContext().TraceID().String()

	start := time.Now()
	pol := d.policy()

	summary := summaryFor(req.Tool, req.Args)
	evalDecision := d.deps.Engine.Evaluate(ctx, pol, policy.EvalInput{
		Identity:        req.Identity,
		Summary:         summary,
		ApprovalToken:   req.ApprovalToken,
		BreakGlassToken: req.BreakGlassToken,
		DecisionID:      decisionID,
		TraceID:         traceID,
	})

	d.auditDecision(pol, req, summary, evalDecision, decisionID, traceID)

	if !evalDecision.Allow {
		d.recordOutcome(req.Tool, "denied", time.Since(start))
		return Response{TraceID: traceID, DecisionID: decisionID, Denied: true, Reason: evalDecision.Reason}, nil
	}

	waited, err := d.sem.Acquire(ctx)
	d.observeQueueWait(req.Tool, waited)
	if err != nil {
		d.recordOutcome(req.Tool, "timeout", time.Since(start))
		return Response{TraceID: traceID, DecisionID: decisionID, Err: dtbrokererrors.WrapErr(dtbrokererrors.KindTimeout, err, "waiting for tool admission")}, nil
	}
	defer d.sem.Release()

	callCtx, cancel := context.WithTimeout(ctx, d.deps.ToolTimeout)
	defer cancel()

	data, herr := handler(callCtx, d, req, evalDecision)
	duration := time.Since(start)

	if herr != nil {
		outcome := "error"
		derr := asDispatchError(herr)
		d.log(req.Tool, decisionID, traceID, outcome, duration, herr)
		d.recordOutcome(req.Tool, outcome, duration)
		return Response{TraceID: traceID, DecisionID: decisionID, Err: derr}, nil
	}

	d.log(req.Tool, decisionID, traceID, "success", duration, nil)
	d.recordOutcome(req.Tool, "success", duration)
	return Response{TraceID: traceID, DecisionID: decisionID, Data: data}, nil
}

func (d *Dispatcher) auditDecision(pol policy.Policy, req Request, summary policy.RequestSummary, decision policy.Decision, decisionID, traceID string) {
	if d.deps.PolicySink == nil {
		return
	}
	outcome := audit.DecisionAllow
	if !decision.Allow {
		outcome = audit.DecisionDeny
	}
	version := pol.Version
	if d.deps.PolicyVersion != nil {
		version = d.deps.PolicyVersion()
	}
	rec := audit.PolicyDecisionRecord{
		DecisionID:    decisionID,
		TraceID:       traceID,
		PolicyVersion: version,
		Tool:          summary.Tool,
		ConnectorSet:  summary.ConnectorIDs,
		Decision:      outcome,
		Reason:        decision.Reason,
		MatchedRuleID: decision.MatchedRuleID,
		Subject:       req.Identity.Subject,
		Tenant:        req.Identity.Tenant,
		BreakGlass:    decision.BreakGlass,
		Request: audit.RequestSummary{
			WriteMode:    summary.WriteMode,
			SelectFields: summary.SelectFields,
			WhereFields:  summary.WhereFields,
			RecordFields: summary.RecordFields,
			RecordCount:  summary.RecordCount,
		},
	}
	// A policy audit write failure is logged, never the tool call's
	// outcome: only the operation trail's append failures are fatal.
	if _, err := d.deps.PolicySink.Append(rec); err != nil && d.deps.Logger != nil {
		d.deps.Logger.Error("policy audit append failed", "error", err, "decision_id", decisionID)
	}
}

func (d *Dispatcher) log(tool, decisionID, traceID, outcome string, duration time.Duration, err error) {
	if d.deps.Logger == nil {
		return
	}
	attrs := []any{
		"tool", tool,
		"decision_id", decisionID,
		"trace_id", traceID,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		d.deps.Logger.Error("tool call failed", attrs...)
		return
	}
	d.deps.Logger.Info("tool call completed", attrs...)
}

func (d *Dispatcher) recordOutcome(tool, outcome string, duration time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.CallsTotal.WithLabelValues(tool, outcome).Inc()
	d.metrics.CallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if outcome == "denied" {
		d.metrics.DeniedTotal.WithLabelValues(tool).Inc()
	}
}

func (d *Dispatcher) observeQueueWait(tool string, waited time.Duration) {
	if d.metrics == nil {
		return
	}
	d.metrics.QueueWait.WithLabelValues(tool).Observe(waited.Seconds())
}

// asDispatchError normalizes any handler error into the tagged *Error
// shape a transport binding renders, so a handler that returns a plain Go
// error (a bug, not a deliberate Kind) still surfaces as KindUnknown
// rather than leaking its raw message shape.
func asDispatchError(err error) *dtbrokererrors.Error {
	var derr *dtbrokererrors.Error
	if dtbrokererrors.As(err, &derr) {
		return derr
	}
	return dtbrokererrors.WrapErr(dtbrokererrors.KindUnknown, err, "tool call failed")
}

// maskFieldsFor resolves the union of mask fields that apply to
// connectorID under pol and decision, for handlers that operate on a
// single primary connector.
func maskFieldsFor(pol policy.Policy, connectorID string, decision policy.Decision) []string {
	return policy.MaskFields(pol, connectorID, decision)
}

// replacement returns the configured masking replacement text as is,
// empty when the active policy leaves it unset; policy.Mask then applies
// policy.DefaultReplacement.
func (d *Dispatcher) replacement() string {
	return d.policy().Masking.Replacement
}
