package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

// StdioTransport is the single-client line-oriented transport: one
// request per line on stdin, one response per line on stdout. It is a
// trivial consumer of the same Server the HTTP transports use, adapted
// from Denis-Chistyakov-Saltare/internal/gateway/mcp/stdio.go's read
// loop.
type StdioTransport struct {
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

// NewStdioTransport builds a stdio transport bound to server.
func NewStdioTransport(server *Server) *StdioTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &StdioTransport{server: server, ctx: ctx, cancel: cancel}
}

// Run blocks reading newline-delimited JSON-RPC requests from stdin
// until stdin closes or the transport is stopped.
func (t *StdioTransport) Run() error {
	reader := bufio.NewReader(os.Stdin)

	for {
		select {
		case <-t.ctx.Done():
			return nil
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if len(line) == 0 {
			continue
		}

		var req jsonrpc.Request
		if unmarshalErr := json.Unmarshal(line, &req); unmarshalErr != nil {
			t.writeResponse(&jsonrpc.Response{
				JSONRPC: "2.0",
				Error:   &jsonrpc.Error{Code: jsonrpc.ErrParseError, Message: "parse error"},
			})
			continue
		}

		resp := t.server.HandleRequest(t.ctx, &req)
		if writeErr := t.writeResponse(resp); writeErr != nil {
			log.Error().Err(writeErr).Msg("failed to write stdio response")
		}
	}
}

func (t *StdioTransport) writeResponse(resp *jsonrpc.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(data, '\n'))
	return err
}

// Stop ends the read loop.
func (t *StdioTransport) Stop() error {
	t.cancel()
	return nil
}
