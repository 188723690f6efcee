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
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultApprovalTimeout = 10 * time.Second

// webhookPayload is the JSON body POSTed to writes.approvalHook.
type webhookPayload struct {
	DecisionID  string   `json:"decision_id"`
	TraceID     string   `json:"trace_id"`
	Tool        string   `json:"tool"`
	Connectors  []string `json:"connectors"`
	WriteMode   string   `json:"write_mode"`
	RecordCount int      `json:"record_count"`
	Subject     string   `json:"subject,omitempty"`
	Tenant      string   `json:"tenant,omitempty"`
}

type webhookReply struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// DefaultApprover implements the two write-approval paths
// item 5: a static, constant-time-compared token read from
// writes.approvalTokenEnv, falling back to a synchronous webhook POST
// when no token env is configured or the supplied token does not match.
type DefaultApprover struct {
	// HTTPClient is used for the webhook POST. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client
}

var _ Approver = (*DefaultApprover)(nil)

// Approve resolves req against req.Config, preferring the static token
// path when writes.approvalTokenEnv is set, and otherwise POSTing to
// writes.approvalHook if configured.
func (a *DefaultApprover) Approve(ctx context.Context, req ApprovalRequest) (bool, string, WriteApprovedBy, error) {
	if req.Config.ApprovalTokenEnv != "" {
		expected := os.Getenv(req.Config.ApprovalTokenEnv)
		if expected != "" && req.Token != "" &&
			subtle.ConstantTimeCompare([]byte(req.Token), []byte(expected)) == 1 {
			return true, "", ApprovedByToken, nil
		}
		if req.Config.ApprovalHook == "" {
			return false, "approval token did not match", "", nil
		}
	}

	if req.Config.ApprovalHook == "" {
		return false, "write approval required but no approval token or hook configured", "", nil
	}

	return a.callHook(ctx, req)
}

func (a *DefaultApprover) callHook(ctx context.Context, req ApprovalRequest) (bool, string, WriteApprovedBy, error) {
	timeout := defaultApprovalTimeout
	if req.Config.TimeoutMs > 0 {
		timeout = time.Duration(req.Config.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(webhookPayload{
		DecisionID:  req.DecisionID,
		TraceID:     req.TraceID,
		Tool:        req.Tool,
		Connectors:  req.Connectors,
		WriteMode:   req.WriteMode,
		RecordCount: req.RecordCount,
		Subject:     req.Subject,
		Tenant:      req.Tenant,
	})
	if err != nil {
		return false, "", "", fmt.Errorf("encoding approval hook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Config.ApprovalHook, bytes.NewReader(body))
	if err != nil {
		return false, "", "", fmt.Errorf("building approval hook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return false, "", "", fmt.Errorf("calling approval hook: %w", err)
	}
	defer resp.Body.Close()

	var reply webhookReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return false, "", "", fmt.Errorf("decoding approval hook reply: %w", err)
	}

	return reply.Allowed, reply.Reason, ApprovedByHook, nil
}
