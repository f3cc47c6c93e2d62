package mcpserver

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

// Dispatcher is implemented by every transport this package exposes to
// the router: it turns one parsed JSON-RPC request into a response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response
	Close() error
}

// StatefulTransport backs a session created at "initialize" and kept
// alive across requests bearing the same Mcp-Session-Id. It also fans
// out each response to any GET /mcp SSE subscribers, per spec.md §4.G.
type StatefulTransport struct {
	server *Server

	mu          sync.Mutex
	subscribers map[chan *jsonrpc.Response]struct{}
	closed      bool
	onClose     func()
}

// NewStatefulTransport builds a transport bound to server.
func NewStatefulTransport(server *Server) *StatefulTransport {
	return &StatefulTransport{server: server, subscribers: make(map[chan *jsonrpc.Response]struct{})}
}

// Dispatch runs req through the bound server and broadcasts the
// response to any subscribed SSE streams.
func (t *StatefulTransport) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	resp := t.server.HandleRequest(ctx, req)

	t.mu.Lock()
	for ch := range t.subscribers {
		select {
		case ch <- resp:
		default:
			log.Warn().Msg("SSE subscriber channel full, dropping event")
		}
	}
	t.mu.Unlock()

	return resp
}

// Subscribe registers a new SSE listener, returning the channel and an
// unsubscribe function.
func (t *StatefulTransport) Subscribe() (<-chan *jsonrpc.Response, func()) {
	ch := make(chan *jsonrpc.Response, 16)

	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subscribers[ch]; ok {
			delete(t.subscribers, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

// OnClose registers fn to run the first time Close runs, implementing
// mcpsession.CloseNotifier so the session manager notices a transport
// closed by something other than itself.
func (t *StatefulTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

// Close closes every subscribed SSE stream and runs the OnClose hook.
// Safe to call more than once; calls after the first are no-ops.
func (t *StatefulTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	for ch := range t.subscribers {
		close(ch)
	}
	t.subscribers = nil
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

// StatelessTransport is the one-shot transport used in stateless session
// mode: it dispatches exactly one request and is then discarded.
type StatelessTransport struct {
	server *Server
}

// NewStatelessTransport builds a one-shot transport bound to server.
func NewStatelessTransport(server *Server) *StatelessTransport {
	return &StatelessTransport{server: server}
}

// Dispatch runs req through the bound server.
func (t *StatelessTransport) Dispatch(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	return t.server.HandleRequest(ctx, req)
}

// Close is a no-op; a stateless transport owns no resources beyond the
// single request it served.
func (t *StatelessTransport) Close() error {
	return nil
}
