// Package mcpserver is the ProtocolServer collaborator spec.md places out
// of core scope: it dispatches JSON-RPC method calls to a fixed set of
// read-only database tools. Grounded on
// Denis-Chistyakov-Saltare/internal/gateway/mcp/server.go's method-switch
// shape, generalized from the teacher's marketplace-tool dispatch to a
// small built-in database toolset.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "dbmcp-gateway"
	serverVersion   = "1.0.0"
)

// Limits bounds how many rows a query tool may return, per spec.md's
// QUERY_DEFAULT_LIMIT / QUERY_MAX_LIMIT configuration.
type Limits struct {
	DefaultLimit int
	MaxLimit     int
}

// Server is the ProtocolServer: a dispatcher bound to exactly one
// database pool for its lifetime. It rejects tools/call until it has
// itself handled an initialize request.
type Server struct {
	pool        database.Pool
	schema      string
	limits      Limits
	initialized atomic.Bool
	closed      atomic.Bool
}

// New builds a Server bound to pool. schema scopes list_tables/
// describe_table to the configured default schema when the backend
// supports it. Returns an error if pool is nil, which guards against a
// caller wiring a server to a pool registry lookup that silently missed.
func New(pool database.Pool, schema string, limits Limits) (*Server, error) {
	if pool == nil {
		return nil, fmt.Errorf("mcpserver: pool is required")
	}
	if limits.DefaultLimit <= 0 {
		limits.DefaultLimit = 1000
	}
	if limits.MaxLimit <= 0 {
		limits.MaxLimit = 10000
	}
	return &Server{pool: pool, schema: schema, limits: limits}, nil
}

// Close marks the server closed. Safe to call more than once.
func (s *Server) Close() error {
	s.closed.Store(true)
	return nil
}

// HandleRequest dispatches one JSON-RPC request to the matching method
// handler.
func (s *Server) HandleRequest(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	log.Debug().Str("method", req.Method).Interface("id", req.ID).Msg("MCP request received")

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleListTools(req)
	case "tools/call":
		return s.handleCallTool(ctx, req)
	default:
		return errorResponse(req.ID, jsonrpc.ErrMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *jsonrpc.Request) *jsonrpc.Response {
	s.initialized.Store(true)

	var result jsonrpc.InitializeResult
	result.ProtocolVersion = protocolVersion
	result.Capabilities.Tools.ListChanged = false
	result.ServerInfo.Name = serverName
	result.ServerInfo.Version = serverVersion

	return &jsonrpc.Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) handleListTools(req *jsonrpc.Request) *jsonrpc.Response {
	return &jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  jsonrpc.ListToolsResult{Tools: toolCatalog()},
	}
}

func (s *Server) handleCallTool(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if !s.initialized.Load() {
		return errorResponse(req.ID, jsonrpc.ErrServerError, "server not initialized, call initialize first")
	}

	name, ok := req.Params["name"].(string)
	if !ok || name == "" {
		return errorResponse(req.ID, jsonrpc.ErrInvalidParams, "missing required parameter: name")
	}
	args, _ := req.Params["arguments"].(map[string]interface{})
	if args == nil {
		args = make(map[string]interface{})
	}

	var (
		rows []database.Row
		err  error
	)
	switch name {
	case "query":
		rows, err = s.callQuery(ctx, args)
	case "list_tables":
		rows, err = s.callListTables(ctx)
	case "describe_table":
		rows, err = s.callDescribeTable(ctx, args)
	default:
		return errorResponse(req.ID, jsonrpc.ErrInvalidParams, fmt.Sprintf("unknown tool: %s", name))
	}

	if err != nil {
		return &jsonrpc.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: jsonrpc.CallToolResult{
				IsError: true,
				Content: []jsonrpc.ContentBlock{{Type: "text", Text: err.Error()}},
			},
		}
	}

	text, marshalErr := json.Marshal(rows)
	if marshalErr != nil {
		return errorResponse(req.ID, jsonrpc.ErrInternalError, "failed to encode result")
	}

	return &jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: jsonrpc.CallToolResult{
			Content: []jsonrpc.ContentBlock{{Type: "text", Text: string(text)}},
		},
	}
}

func (s *Server) callQuery(ctx context.Context, args map[string]interface{}) ([]database.Row, error) {
	sql, ok := args["sql"].(string)
	if !ok || strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("missing required argument: sql")
	}

	limit := s.limits.DefaultLimit
	if raw, ok := args["limit"].(float64); ok {
		limit = int(raw)
	}
	if limit <= 0 || limit > s.limits.MaxLimit {
		limit = s.limits.MaxLimit
	}

	rows, err := s.pool.Execute(ctx, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *Server) callListTables(ctx context.Context) ([]database.Row, error) {
	sql := "SELECT table_name, table_schema FROM information_schema.tables"
	if s.schema != "" {
		sql += fmt.Sprintf(" WHERE table_schema = '%s'", escapeLiteral(s.schema))
	}
	rows, err := s.pool.Execute(ctx, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("list_tables failed: %w", err)
	}
	return rows, nil
}

func (s *Server) callDescribeTable(ctx context.Context, args map[string]interface{}) ([]database.Row, error) {
	table, ok := args["table"].(string)
	if !ok || strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("missing required argument: table")
	}
	sql := fmt.Sprintf(
		"SELECT column_name, data_type, is_nullable FROM information_schema.columns WHERE table_name = '%s'",
		escapeLiteral(table),
	)
	if s.schema != "" {
		sql += fmt.Sprintf(" AND table_schema = '%s'", escapeLiteral(s.schema))
	}
	rows, err := s.pool.Execute(ctx, sql, nil)
	if err != nil {
		return nil, fmt.Errorf("describe_table failed: %w", err)
	}
	return rows, nil
}

// escapeLiteral doubles single quotes, the SQL-standard escape. The
// dialect-restriction collaborator (out of core scope per spec.md) is
// responsible for rejecting anything beyond a read-only SELECT; this is
// a defense-in-depth escape, not a substitute for that restriction.
func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func toolCatalog() []jsonrpc.ToolInfo {
	tools := []jsonrpc.ToolInfo{
		{
			Name:        "query",
			Description: "Run a read-only SQL statement against the configured database and return the result rows.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sql":   map[string]interface{}{"type": "string"},
					"limit": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"sql"},
			},
		},
		{
			Name:        "list_tables",
			Description: "List tables visible in the configured database schema.",
			InputSchema: map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
		{
			Name:        "describe_table",
			Description: "Describe the columns of a table.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"table": map[string]interface{}{"type": "string"},
				},
				"required": []string{"table"},
			},
		},
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func errorResponse(id interface{}, code int, message string) *jsonrpc.Response {
	return &jsonrpc.Response{JSONRPC: "2.0", ID: id, Error: &jsonrpc.Error{Code: code, Message: message}}
}
