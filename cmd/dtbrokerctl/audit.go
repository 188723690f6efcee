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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dtbroker/dtbroker/internal/audit"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the operation and policy audit trails",
	}
	cmd.AddCommand(newAuditQueryCommand())
	cmd.AddCommand(newAuditTailCommand())
	return cmd
}

func newAuditQueryCommand() *cobra.Command {
	var (
		kind        string
		connectorID string
		tool        string
		decision    string
		operation   string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "query <operations-dir-or-policy-dir>",
		Short: "Query the operation or policy audit trail and print matching entries as ndjson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir := args[0]
			enc := json.NewEncoder(cmd.OutOrStdout())

			switch kind {
			case "", "operation":
				entries, err := audit.QueryOperations(baseDir, audit.OperationQuery{
					ConnectorID: connectorID,
					Operation:   audit.Operation(operation),
					Limit:       limit,
				})
				if err != nil {
					return fmt.Errorf("querying operation audit trail: %w", err)
				}
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
			case "policy":
				decisions, err := audit.QueryPolicyDecisions(baseDir, audit.PolicyQuery{
					ConnectorID: connectorID,
					Tool:        tool,
					Decision:    audit.DecisionOutcome(decision),
					Limit:       limit,
				})
				if err != nil {
					return fmt.Errorf("querying policy audit trail: %w", err)
				}
				for _, d := range decisions {
					if err := enc.Encode(d); err != nil {
						return err
					}
				}
			default:
				return fmt.Errorf("unknown kind %q, expected operation or policy", kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "operation", "operation or policy")
	cmd.Flags().StringVar(&connectorID, "connector", "", "restrict to this connector id")
	cmd.Flags().StringVar(&tool, "tool", "", "restrict policy results to this tool name")
	cmd.Flags().StringVar(&decision, "decision", "", "restrict policy results to allow or deny")
	cmd.Flags().StringVar(&operation, "operation", "", "restrict operation results to create, update, or delete")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries to print, newest first (0 means unbounded)")
	return cmd
}

func newAuditTailCommand() *cobra.Command {
	var (
		connectorID string
		intervalMS  int
	)

	cmd := &cobra.Command{
		Use:   "tail <operations-dir>",
		Short: "Poll the operation audit trail and print new entries as they land",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return tailOperations(ctx, args[0], connectorID, time.Duration(intervalMS)*time.Millisecond, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&connectorID, "connector", "", "restrict the tail to this connector id")
	cmd.Flags().IntVar(&intervalMS, "poll-interval-ms", 500, "how often to re-scan the audit trail for new entries")
	return cmd
}

func tailOperations(ctx context.Context, baseDir, connectorID string, interval time.Duration, out io.Writer) error {
	enc := json.NewEncoder(out)
	seen := make(map[string]bool)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	scan := func() error {
		entries, err := audit.QueryOperations(baseDir, audit.OperationQuery{ConnectorID: connectorID})
		if err != nil {
			return err
		}
		// QueryOperations returns newest first; walk oldest first so new
		// entries print in the order they were written.
		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			if seen[e.EntryID] {
				continue
			}
			seen[e.EntryID] = true
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}

	if err := scan(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := scan(); err != nil {
				fmt.Fprintf(os.Stderr, "dtbrokerctl: audit tail: %v\n", err)
			}
		}
	}
}
