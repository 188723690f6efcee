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

// Package stdio binds the tool dispatch pipeline to mark3labs/mcp-go's
// stdio transport: one mcp.Tool registration per tool name, a single
// generic handler that decodes the call into a dispatch.Request and
// renders the dispatch.Response back as MCP content, and a logger wired
// to stderr so it never collides with the stdio protocol's stdout
// framing.
package stdio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dtbroker/dtbroker/internal/dispatch"
	"github.com/dtbroker/dtbroker/internal/policy"
)

// Config configures the stdio binding. Unlike the HTTP binding, stdio has
// no per-request auth channel: every call on this pipe is attributed to
// Identity, and a caller that needs to exercise write-approval or
// break-glass passes the corresponding token as a call argument rather
// than a header.
type Config struct {
	Name     string
	Version  string
	Identity policy.Identity
	Logger   *slog.Logger
}

// Server wraps the MCP server bound to a Dispatcher.
type Server struct {
	mcpServer *server.MCPServer
	dispatch  *dispatch.Dispatcher
	identity  policy.Identity
	logger    *slog.Logger
}

// New builds a Server with all twelve tools registered.
func New(cfg Config, d *dispatch.Dispatcher) *Server {
	if cfg.Name == "" {
		cfg.Name = "dtbroker"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mcpServer: server.NewMCPServer(cfg.Name, cfg.Version),
		dispatch:  d,
		identity:  cfg.Identity,
		logger:    cfg.Logger,
	}
	s.registerTools()
	return s
}

// Run serves the MCP protocol over stdin/stdout through server.ServeStdio
// and returns when that returns. ctx is not passed to it, so canceling
// ctx does not stop Run.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting stdio transport")
	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

func objectSchema(properties map[string]any, required ...string) mcp.ToolInputSchema {
	return mcp.ToolInputSchema{Type: "object", Properties: properties, Required: required}
}

func prop(kind, description string) map[string]any {
	return map[string]any{"type": kind, "description": description}
}

var connectorIDProp = prop("string", "Id of the registered connector to operate on.")

func (s *Server) registerTools() {
	tools := []mcp.Tool{
		{
			Name:        "list_connectors",
			Description: "List every registered connector, its type, and its read-only/connection state.",
			InputSchema: objectSchema(map[string]any{}),
		},
		{
			Name:        "get_schema",
			Description: "Return a connector's field schema, inferring it if the connector has no declared schema.",
			InputSchema: objectSchema(map[string]any{
				"connectorId":  connectorIDProp,
				"forceRefresh": prop("boolean", "Bypass the connector's cached schema and re-fetch it."),
			}, "connectorId"),
		},
		{
			Name:        "read_records",
			Description: "Read records from a connector, with optional filter conditions, field selection, ordering, and pagination.",
			InputSchema: objectSchema(map[string]any{
				"connectorId": connectorIDProp,
				"filter":      map[string]any{"type": "object", "description": "record.FilterOptions: conditions, select, orderBy, offset/limit or cursor."},
			}, "connectorId"),
		},
		{
			Name:        "write_records",
			Description: "Insert, update, or upsert records into a connector. Rejected entirely (zero records written) if any record fails validation or, for schema-backed connectors, carries a field outside the connector's schema.",
			InputSchema: objectSchema(map[string]any{
				"connectorId":     connectorIDProp,
				"mode":            prop("string", "insert, update, or upsert. Defaults to upsert."),
				"records":         map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Records to write."},
				"approvalToken":   prop("string", "Static write-approval token, required when the active policy's write mode is require_approval and no webhook is configured."),
				"breakGlassToken": prop("string", "Administrator break-glass secret, bypasses policy evaluation entirely when valid."),
			}, "connectorId", "records"),
		},
		{
			Name:        "validate_records",
			Description: "Validate records against a connector's schema and type rules without writing them.",
			InputSchema: objectSchema(map[string]any{
				"connectorId": connectorIDProp,
				"records":     map[string]any{"type": "array", "items": map[string]any{"type": "object"}},
			}, "connectorId", "records"),
		},
		{
			Name:        "compare_records",
			Description: "Compare records between a source and target connector under a field mapping and key, reporting matches/differences/source-only/target-only.",
			InputSchema: objectSchema(map[string]any{
				"sourceConnectorId": connectorIDProp,
				"targetConnectorId": connectorIDProp,
				"options":           map[string]any{"type": "object", "description": "consistency.Options: mapping, key, maxRecords."},
			}, "sourceConnectorId", "targetConnectorId"),
		},
		{
			Name:        "detect_changes",
			Description: "Detect added/deleted/modified records on a connector since a timestamp or a named snapshot.",
			InputSchema: objectSchema(map[string]any{
				"connectorId": connectorIDProp,
				"options":     map[string]any{"type": "object", "description": "changedetect.Options: mode, timestampField/since or snapshotId, keyField, trackFields."},
			}, "connectorId"),
		},
		{
			Name:        "create_snapshot",
			Description: "Read a connector's current records under an optional filter and persist them as a named snapshot for later change detection.",
			InputSchema: objectSchema(map[string]any{
				"connectorId": connectorIDProp,
				"snapshotId":  prop("string", "Unique id for the new snapshot."),
				"description": prop("string", "Human-readable note for the snapshot."),
				"filter":      map[string]any{"type": "object", "description": "record.FilterOptions applied before the snapshot is taken."},
			}, "connectorId", "snapshotId"),
		},
		{
			Name:        "list_snapshots",
			Description: "List snapshots, optionally scoped to one connector.",
			InputSchema: objectSchema(map[string]any{
				"connectorId": prop("string", "Restrict the listing to this connector's snapshots. Omit to list every snapshot."),
			}),
		},
		{
			Name:        "delete_snapshot",
			Description: "Delete a snapshot by id.",
			InputSchema: objectSchema(map[string]any{
				"snapshotId": prop("string", "Id of the snapshot to delete."),
			}, "snapshotId"),
		},
		{
			Name:        "query_audit_log",
			Description: "Query the operation audit trail or the policy decision audit trail, filtered by connector, tool, decision, operation kind, and time range.",
			InputSchema: objectSchema(map[string]any{
				"kind":        prop("string", "operation or policy. Defaults to operation."),
				"connectorId": prop("string", "Restrict to this connector (for policy queries, matches any connector in the decision's connector set)."),
				"tool":        prop("string", "Restrict policy-decision results to this tool name."),
				"decision":    prop("string", "Restrict policy-decision results to allow or deny."),
				"operation":   prop("string", "Restrict operation results to create, update, or delete."),
				"since":       prop("string", "RFC3339 lower time bound, inclusive."),
				"until":       prop("string", "RFC3339 upper time bound, inclusive."),
				"limit":       prop("integer", "Maximum number of entries to return, newest first."),
			}),
		},
		{
			Name:        "reconcile_records",
			Description: "Fuzzy-match records between a source and target connector under weighted field rules and a minimum confidence threshold.",
			InputSchema: objectSchema(map[string]any{
				"sourceConnectorId": connectorIDProp,
				"targetConnectorId": connectorIDProp,
				"options":           map[string]any{"type": "object", "description": "reconcile.Options: rules, minConfidence, maxRecords, blocking."},
			}, "sourceConnectorId", "targetConnectorId"),
		},
	}

	for _, tool := range tools {
		s.mcpServer.AddTool(tool, s.handlerFor(tool.Name))
	}
}

// handlerFor returns the generic MCP handler for tool, routing through
// the dispatcher and rendering its Response as MCP content. Every tool
// shares this one handler: the dispatcher, not the transport, knows each
// tool's argument shape.
func (s *Server) handlerFor(tool string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		resp, err := s.dispatch.Dispatch(ctx, dispatch.Request{
			Tool:            tool,
			Traceparent:     req.GetString("traceparent", ""),
			Identity:        s.identity,
			ApprovalToken:   req.GetString("approvalToken", ""),
			BreakGlassToken: req.GetString("breakGlassToken", ""),
			Args:            args,
		})
		if err != nil {
			s.logger.Error("dispatch rejected call", "tool", tool, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}

		if resp.Denied {
			return mcp.NewToolResultError(fmt.Sprintf("denied: %s", resp.Reason)), nil
		}
		if resp.Err != nil {
			return mcp.NewToolResultError(resp.Err.Error()), nil
		}

		body, merr := json.MarshalIndent(resp.Data, "", "  ")
		if merr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding response: %v", merr)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(body))}}, nil
	}
}
