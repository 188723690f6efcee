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

package policy

import (
	"context"
	"crypto/subtle"
	"os"
)

// Engine evaluates a Policy against one request. It is stateless beyond
// the approver it holds for the write-approval step; every Evaluate call
// is independent and safe for concurrent use.
type Engine struct {
	approver Approver
}

// Approver resolves a write approval decision for the write_records tool.
// DefaultApprover (approval.go) implements it; tests can
// supply a stub.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, string, WriteApprovedBy, error)
}

// ApprovalRequest carries the fields the write-approval hook payload
// requires, plus the caller-supplied token for the static-token path.
type ApprovalRequest struct {
	DecisionID  string
	TraceID     string
	Tool        string
	Connectors  []string
	WriteMode   string
	RecordCount int
	Subject     string
	Tenant      string
	Token       string
	Config      WriteConfig
}

// NewEngine constructs an Engine backed by approver.
func NewEngine(approver Approver) *Engine {
	return &Engine{approver: approver}
}

// EvalInput bundles the parameters Evaluate needs beyond the effective
// policy itself.
type EvalInput struct {
	Identity        Identity
	Summary         RequestSummary
	ApprovalToken   string
	BreakGlassToken string
	DecisionID      string
	TraceID         string
}

// Evaluate runs the full decision pipeline: break-glass
// shortcut, tool listing, connector listing, rule scan, write-approval,
// and default allow. It never mutates pol.
func (e *Engine) Evaluate(ctx context.Context, pol Policy, in EvalInput) Decision {
	effective := pol.Effective(in.Identity.Tenant)
	defaultAllow := effective.DefaultAction == ActionAllow

	if breakGlassAllowed(effective.BreakGlass, in.BreakGlassToken) {
		return Decision{Allow: true, Reason: "break-glass override", BreakGlass: true}
	}

	if !gateAllows(effective.DenyTools, effective.AllowTools, in.Summary.Tool, defaultAllow) {
		return Decision{Allow: false, Reason: "tool denied by policy"}
	}

	for _, cid := range in.Summary.ConnectorIDs {
		if !gateAllows(effective.DenyConnectors, effective.AllowConnectors, cid, defaultAllow) {
			return Decision{Allow: false, Reason: "connector " + cid + " denied by policy"}
		}
	}

	if rule, ok := matchRule(effective.Rules, in.Summary, in.Identity); ok {
		if rule.Action == ActionDeny {
			reason := rule.Reason
			if reason == "" {
				reason = "denied by rule " + rule.ID
			}
			return Decision{Allow: false, Reason: reason, MatchedRuleID: rule.ID}
		}
		return e.finalize(ctx, effective, in, rule.MaskFields, rule.RequireApproval, rule.ID)
	}

	return e.finalize(ctx, effective, in, nil, false, "")
}

// gateAllows implements the deny-then-allow-then-default precedence
// shared by tool listing and connector listing (item
// 3): an explicit deny match always loses; an explicit allow match always
// wins; otherwise the policy's defaultAction decides.
func gateAllows(deny, allow []Matcher, candidate string, defaultAllow bool) bool {
	for i := range deny {
		if deny[i].Match(candidate) {
			return false
		}
	}
	for i := range allow {
		if allow[i].Match(candidate) {
			return true
		}
	}
	return defaultAllow
}

// finalize applies the write-approval step (only relevant for
// write_records) and returns the final allow decision, attaching
// maskFields recorded by a matched allow rule, if any.
func (e *Engine) finalize(ctx context.Context, pol Policy, in EvalInput, maskFields []string, requireApproval bool, matchedRuleID string) Decision {
	decision := Decision{Allow: true, Reason: "allowed", MaskFields: maskFields, MatchedRuleID: matchedRuleID}

	if in.Summary.Tool != "write_records" {
		return decision
	}

	switch pol.Writes.Mode {
	case WriteModeDeny:
		return Decision{Allow: false, Reason: "writes disabled by policy"}
	case WriteModeRequireApproval:
		requireApproval = true
	}

	if !requireApproval {
		return decision
	}

	if e.approver == nil {
		return Decision{Allow: false, Reason: "write approval required but no approver configured"}
	}

	approved, reason, by, err := e.approver.Approve(ctx, ApprovalRequest{
		DecisionID:  in.DecisionID,
		TraceID:     in.TraceID,
		Tool:        in.Summary.Tool,
		Connectors:  in.Summary.ConnectorIDs,
		WriteMode:   in.Summary.WriteMode,
		RecordCount: in.Summary.RecordCount,
		Subject:     in.Identity.Subject,
		Tenant:      in.Identity.Tenant,
		Token:       in.ApprovalToken,
		Config:      pol.Writes,
	})
	if err != nil || !approved {
		if reason == "" {
			reason = "write approval denied"
		}
		return Decision{Allow: false, Reason: reason}
	}

	decision.RequireApproval = true
	decision.WriteApprovedBy = by
	return decision
}

func breakGlassAllowed(cfg BreakGlassConfig, token string) bool {
	if !cfg.Enabled || cfg.SecretEnv == "" || token == "" {
		return false
	}
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

// matchRule scans rules in declared order, returning the first whose When
// clause matches every specified predicate.
func matchRule(rules []Rule, summary RequestSummary, identity Identity) (Rule, bool) {
	for _, r := range rules {
		if whenMatches(r.When, summary, identity) {
			return r, true
		}
	}
	return Rule{}, false
}

func whenMatches(w WhenClause, summary RequestSummary, identity Identity) bool {
	if !anyMatch(w.Tool, summary.Tool) {
		return false
	}
	if !allMatch(w.ConnectorsAll, summary.ConnectorIDs) {
		return false
	}
	if !anyOfMatch(w.ConnectorsAny, summary.ConnectorIDs) {
		return false
	}
	if !anyOfMatch(w.SelectFieldsAny, summary.SelectFields) {
		return false
	}
	if !anyOfMatch(w.WhereFieldsAny, summary.WhereFields) {
		return false
	}
	if !anyOfMatch(w.RecordFieldsAny, summary.RecordFields) {
		return false
	}
	if !anyMatch(w.Subject, identity.Subject) {
		return false
	}
	if !anyMatch(w.Tenant, identity.Tenant) {
		return false
	}
	if !anyOfMatch(w.RolesAny, identity.Roles) {
		return false
	}
	if !anyOfMatch(w.ScopesAny, identity.Scopes) {
		return false
	}
	if w.WriteMode != nil && *w.WriteMode != summary.WriteMode {
		return false
	}
	return true
}
