package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

type fakePool struct {
	rows    []database.Row
	err     error
	lastSQL string
}

func (f *fakePool) Execute(ctx context.Context, sql string, params []interface{}) ([]database.Row, error) {
	f.lastSQL = sql
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}
func (f *fakePool) Probe(ctx context.Context) bool { return true }
func (f *fakePool) Close() error                   { return nil }

func initReq() *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPC: "2.0", ID: float64(1), Method: "initialize"}
}

func TestHandleInitialize(t *testing.T) {
	s, err := New(&fakePool{}, "", Limits{})
	require.NoError(t, err)
	resp := s.HandleRequest(context.Background(), initReq())
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(jsonrpc.InitializeResult)
	require.True(t, ok)
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, serverName, result.ServerInfo.Name)
}

func TestToolsCallBeforeInitializeFails(t *testing.T) {
	s, err := New(&fakePool{}, "", Limits{})
	require.NoError(t, err)
	req := &jsonrpc.Request{Method: "tools/call", Params: map[string]interface{}{"name": "query"}}
	resp := s.HandleRequest(context.Background(), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrServerError, resp.Error.Code)
}

func TestListToolsReturnsFixedCatalog(t *testing.T) {
	s, err := New(&fakePool{}, "", Limits{})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	resp := s.HandleRequest(context.Background(), &jsonrpc.Request{Method: "tools/list"})
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(jsonrpc.ListToolsResult)
	require.True(t, ok)
	require.Len(t, result.Tools, 3)
	assert.Equal(t, "describe_table", result.Tools[0].Name)
	assert.Equal(t, "list_tables", result.Tools[1].Name)
	assert.Equal(t, "query", result.Tools[2].Name)
}

func TestCallQueryMissingSQLReturnsToolError(t *testing.T) {
	pool := &fakePool{}
	s, err := New(pool, "", Limits{})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	req := &jsonrpc.Request{
		Method: "tools/call",
		Params: map[string]interface{}{"name": "query", "arguments": map[string]interface{}{}},
	}
	resp := s.HandleRequest(context.Background(), req)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(jsonrpc.CallToolResult)
	require.True(t, ok)
	assert.True(t, result.IsError)
}

func TestCallQueryReturnsRows(t *testing.T) {
	pool := &fakePool{rows: []database.Row{{"id": 1}, {"id": 2}, {"id": 3}}}
	s, err := New(pool, "", Limits{DefaultLimit: 2, MaxLimit: 10})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	req := &jsonrpc.Request{
		Method: "tools/call",
		Params: map[string]interface{}{"name": "query", "arguments": map[string]interface{}{"sql": "SELECT 1"}},
	}
	resp := s.HandleRequest(context.Background(), req)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(jsonrpc.CallToolResult)
	require.True(t, ok)
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)

	var rows []database.Row
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &rows))
	assert.Len(t, rows, 2) // truncated to DefaultLimit
}

func TestCallQueryPropagatesExecuteError(t *testing.T) {
	pool := &fakePool{err: assertError("boom")}
	s, err := New(pool, "", Limits{})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	req := &jsonrpc.Request{
		Method: "tools/call",
		Params: map[string]interface{}{"name": "query", "arguments": map[string]interface{}{"sql": "SELECT 1"}},
	}
	resp := s.HandleRequest(context.Background(), req)
	require.Nil(t, resp.Error)

	result := resp.Result.(jsonrpc.CallToolResult)
	assert.True(t, result.IsError)
}

func TestCallListTablesScopesToSchema(t *testing.T) {
	pool := &fakePool{}
	s, err := New(pool, "public", Limits{})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	req := &jsonrpc.Request{
		Method: "tools/call",
		Params: map[string]interface{}{"name": "list_tables"},
	}
	s.HandleRequest(context.Background(), req)
	assert.Contains(t, pool.lastSQL, "table_schema = 'public'")
}

func TestCallDescribeTableEscapesLiteral(t *testing.T) {
	pool := &fakePool{}
	s, err := New(pool, "", Limits{})
	require.NoError(t, err)
	s.HandleRequest(context.Background(), initReq())

	req := &jsonrpc.Request{
		Method: "tools/call",
		Params: map[string]interface{}{"name": "describe_table", "arguments": map[string]interface{}{"table": "o'brien"}},
	}
	s.HandleRequest(context.Background(), req)
	assert.Contains(t, pool.lastSQL, "o''brien")
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s, err := New(&fakePool{}, "", Limits{})
	require.NoError(t, err)
	resp := s.HandleRequest(context.Background(), &jsonrpc.Request{Method: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.ErrMethodNotFound, resp.Error.Code)
}

func TestNewRejectsNilPool(t *testing.T) {
	_, err := New(nil, "", Limits{})
	require.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
