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

// Package policy implements the declarative access-control evaluator that
// decides whether a tool invocation is allowed, which fields of its
// response must be masked, and whether a write requires approval. The
// Engine is a pure function of (effective policy, identity, request
// summary) to a Decision; it performs no I/O of its own beyond the
// optional write-approval webhook call.
package policy

// Action is the outcome a matched rule or a default action declares.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// WriteMode mirrors connector.WriteMode as a plain string so this package
// has no dependency on the connector package.
type WriteMode string

// WriteApprovalMode controls whether write_records requires approval.
type WriteApprovalMode string

const (
	WriteModeOpen             WriteApprovalMode = "open"
	WriteModeDeny             WriteApprovalMode = "deny"
	WriteModeRequireApproval  WriteApprovalMode = "require_approval"
)

// WhenClause is the set of predicates a Rule evaluates; every predicate
// present in the clause must match (conjunction) for the rule to fire. A
// nil slice means "predicate not specified" and is vacuously satisfied.
type WhenClause struct {
	Tool            []Matcher `yaml:"tool,omitempty"`
	ConnectorsAll   []Matcher `yaml:"connectorsAll,omitempty"`
	ConnectorsAny   []Matcher `yaml:"connectorsAny,omitempty"`
	SelectFieldsAny []Matcher `yaml:"selectFieldsAny,omitempty"`
	WhereFieldsAny  []Matcher `yaml:"whereFieldsAny,omitempty"`
	RecordFieldsAny []Matcher `yaml:"recordFieldsAny,omitempty"`
	Subject         []Matcher `yaml:"subject,omitempty"`
	Tenant          []Matcher `yaml:"tenant,omitempty"`
	RolesAny        []Matcher `yaml:"rolesAny,omitempty"`
	ScopesAny       []Matcher `yaml:"scopesAny,omitempty"`
	WriteMode       *string   `yaml:"writeMode,omitempty"`
}

// Rule is one entry of the declared-order rule scan.
type Rule struct {
	ID              string     `yaml:"id"`
	When            WhenClause `yaml:"when"`
	Action          Action     `yaml:"action"`
	Reason          string     `yaml:"reason"`
	MaskFields      []string   `yaml:"maskFields,omitempty"`
	RequireApproval bool       `yaml:"requireApproval,omitempty"`
}

// MaskingConfig declares which fields are replaced in every record the
// dispatcher emits.
type MaskingConfig struct {
	Fields       []string            `yaml:"fields,omitempty"`
	PerConnector map[string][]string `yaml:"perConnector,omitempty"`
	Replacement  string              `yaml:"replacement,omitempty"`
}

// DefaultReplacement is used when MaskingConfig.Replacement is empty.
const DefaultReplacement = "[REDACTED]"

// WriteConfig governs the write-approval flow for the write_records tool.
type WriteConfig struct {
	Mode             WriteApprovalMode `yaml:"mode,omitempty"`
	ApprovalTokenEnv string            `yaml:"approvalTokenEnv,omitempty"`
	ApprovalHook     string            `yaml:"approvalHook,omitempty"`
	TimeoutMs        int               `yaml:"timeoutMs,omitempty"`
}

// BreakGlassConfig governs the administrator override.
type BreakGlassConfig struct {
	Enabled    bool   `yaml:"enabled"`
	HeaderName string `yaml:"headerName,omitempty"`
	SecretEnv  string `yaml:"secretEnv,omitempty"`
}

// Policy is the effective policy evaluated for one request: the base
// policy merged with the tenant overlay, if any, for the caller's tenant.
type Policy struct {
	Version         string            `yaml:"version"`
	DefaultAction   Action            `yaml:"defaultAction"`
	AllowTools      []Matcher         `yaml:"allowTools,omitempty"`
	DenyTools       []Matcher         `yaml:"denyTools,omitempty"`
	AllowConnectors []Matcher         `yaml:"allowConnectors,omitempty"`
	DenyConnectors  []Matcher         `yaml:"denyConnectors,omitempty"`
	Rules           []Rule            `yaml:"rules,omitempty"`
	Masking         MaskingConfig     `yaml:"masking,omitempty"`
	Writes          WriteConfig       `yaml:"writes,omitempty"`
	BreakGlass      BreakGlassConfig  `yaml:"breakGlass,omitempty"`
	Tenants         map[string]Overlay `yaml:"tenants,omitempty"`
}

// Overlay is a tenant-specific partial policy merged on top of the base
// policy's rules and lists before evaluation.
type Overlay struct {
	AllowTools      []Matcher `yaml:"allowTools,omitempty"`
	DenyTools       []Matcher `yaml:"denyTools,omitempty"`
	AllowConnectors []Matcher `yaml:"allowConnectors,omitempty"`
	DenyConnectors  []Matcher `yaml:"denyConnectors,omitempty"`
	Rules           []Rule    `yaml:"rules,omitempty"`
}

// Effective merges a tenant overlay on top of the base policy: overlay
// lists are appended ahead of the base lists (so deny-first precedence
// still applies within each list) and overlay rules are evaluated before
// base rules, preserving declared order within each half.
func (p Policy) Effective(tenant string) Policy {
	overlay, ok := p.Tenants[tenant]
	if !ok {
		return p
	}
	merged := p
	merged.AllowTools = append(append([]Matcher{}, overlay.AllowTools...), p.AllowTools...)
	merged.DenyTools = append(append([]Matcher{}, overlay.DenyTools...), p.DenyTools...)
	merged.AllowConnectors = append(append([]Matcher{}, overlay.AllowConnectors...), p.AllowConnectors...)
	merged.DenyConnectors = append(append([]Matcher{}, overlay.DenyConnectors...), p.DenyConnectors...)
	merged.Rules = append(append([]Rule{}, overlay.Rules...), p.Rules...)
	return merged
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	Subject string
	Tenant  string
	Roles   []string
	Scopes  []string
}

// RequestSummary is the tool-specific shape the dispatcher hands to the
// policy engine; it never includes full record payloads, only field names
// and counts.
type RequestSummary struct {
	Tool          string
	ConnectorIDs  []string
	WriteMode     string
	SelectFields  []string
	WhereFields   []string
	RecordFields  []string
	RecordCount   int
}

// WriteApprovedBy names how a write was approved.
type WriteApprovedBy string

const (
	ApprovedByToken WriteApprovedBy = "token"
	ApprovedByHook  WriteApprovedBy = "hook"
)

// Decision is the result of evaluating a Policy against one request.
type Decision struct {
	Allow           bool
	Reason          string
	MatchedRuleID   string
	MaskFields      []string
	RequireApproval bool
	BreakGlass      bool
	WriteApprovedBy WriteApprovedBy
}
