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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dtbroker/dtbroker/internal/policy"
)

// policyCheckRequest is the JSON shape a request.json file carries: enough
// of a tool call's shape for the policy engine to render a decision,
// without needing a live registry or connector.
type policyCheckRequest struct {
	Tool            string          `json:"tool"`
	ConnectorIDs    []string        `json:"connectorIds"`
	WriteMode       string          `json:"writeMode,omitempty"`
	SelectFields    []string        `json:"selectFields,omitempty"`
	WhereFields     []string        `json:"whereFields,omitempty"`
	RecordFields    []string        `json:"recordFields,omitempty"`
	RecordCount     int             `json:"recordCount,omitempty"`
	Identity        policy.Identity `json:"identity"`
	ApprovalToken   string          `json:"approvalToken,omitempty"`
	BreakGlassToken string          `json:"breakGlassToken,omitempty"`
}

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Dry-run policy decisions against a bundle",
	}
	cmd.AddCommand(newPolicyCheckCommand())
	return cmd
}

func newPolicyCheckCommand() *cobra.Command {
	var bundlePath string

	cmd := &cobra.Command{
		Use:   "check <request.json>",
		Short: "Evaluate a policy bundle against a canned request, printing the decision it would produce",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundlePath == "" {
				return fmt.Errorf("--bundle is required")
			}
			pol, err := policy.LoadBundle(bundlePath)
			if err != nil {
				return fmt.Errorf("loading policy bundle: %w", err)
			}

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading request file: %w", err)
			}
			var req policyCheckRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parsing request file: %w", err)
			}
			if req.Tool == "" {
				return fmt.Errorf("request: tool is required")
			}

			engine := policy.NewEngine(&policy.DefaultApprover{})
			decision := engine.Evaluate(cmd.Context(), pol, policy.EvalInput{
				Identity: req.Identity,
				Summary: policy.RequestSummary{
					Tool:         req.Tool,
					ConnectorIDs: req.ConnectorIDs,
					WriteMode:    req.WriteMode,
					SelectFields: req.SelectFields,
					WhereFields:  req.WhereFields,
					RecordFields: req.RecordFields,
					RecordCount:  req.RecordCount,
				},
				ApprovalToken:   req.ApprovalToken,
				BreakGlassToken: req.BreakGlassToken,
			})

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(decision)
		},
	}

	cmd.Flags().StringVar(&bundlePath, "bundle", "", "path to the policy bundle to evaluate against")
	return cmd
}
