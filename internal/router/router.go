// Package router is the Request Router (component F): the glue that
// turns a well-formed, already-authenticated request into the correct
// (config, poolKey) pair, resolves or creates the matching McpSession,
// and dispatches the parsed MCP body to it. Grounded on the decision
// table and algorithms in spec.md §4.F.
package router

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpserver"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpsession"
	"github.com/arxiv-labs/dbmcp-gateway/internal/poolregistry"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

// ErrSessionNotFound maps to JSON-RPC -32001 / HTTP 404.
var ErrSessionNotFound = errors.New("session not found or expired")

// ErrSessionIDRequired maps to JSON-RPC -32000 / HTTP 400.
var ErrSessionIDRequired = errors.New("session id required for non-initialize requests")

// Identity carries whatever the auth middleware resolved for this
// request: the token session in required mode, or nothing otherwise.
type Identity struct {
	TokenSession *tokens.Session
	Token        string
}

// Router wires the pool registry, token manager, and MCP session manager
// together per the AuthMode decision table.
type Router struct {
	cfg       *config.Config
	pools     *poolregistry.Registry
	tokensMgr *tokens.Manager
	sessions  *mcpsession.Manager
	limits    mcpserver.Limits
}

// New builds a Router.
func New(cfg *config.Config, pools *poolregistry.Registry, tokensMgr *tokens.Manager, sessions *mcpsession.Manager) *Router {
	return &Router{
		cfg:       cfg,
		pools:     pools,
		tokensMgr: tokensMgr,
		sessions:  sessions,
		limits:    mcpserver.Limits{DefaultLimit: cfg.QueryDefaultLimit, MaxLimit: cfg.QueryMaxLimit},
	}
}

// resolve implements spec.md §4.F's decision table for (config, poolKey).
func (r *Router) resolve(identity Identity) (database.Config, string) {
	switch r.cfg.AuthMode {
	case config.AuthRequired:
		return identity.TokenSession.Config, identity.TokenSession.Token
	default: // token, none
		return r.cfg.Database, poolregistry.GlobalKey
	}
}

// HandlePost implements the stateful and stateless POST algorithms from
// spec.md §4.F.
func (r *Router) HandlePost(ctx context.Context, identity Identity, mcpSessionID string, req *jsonrpc.Request) (*jsonrpc.Response, string, error) {
	if r.cfg.SessionMode == config.SessionStateless {
		return r.handleStatelessPost(ctx, identity, req)
	}
	return r.handleStatefulPost(ctx, identity, mcpSessionID, req)
}

func (r *Router) handleStatefulPost(ctx context.Context, identity Identity, mcpSessionID string, req *jsonrpc.Request) (*jsonrpc.Response, string, error) {
	if mcpSessionID != "" {
		session, ok := r.sessions.Get(mcpSessionID)
		if !ok {
			return nil, "", ErrSessionNotFound
		}
		r.sessions.Begin(mcpSessionID)
		defer r.sessions.End(mcpSessionID)

		dispatcher, ok := session.Transport.(mcpserver.Dispatcher)
		if !ok {
			return nil, "", fmt.Errorf("session transport does not support dispatch")
		}
		return dispatcher.Dispatch(ctx, req), mcpSessionID, nil
	}

	if req.Method != "initialize" {
		return nil, "", ErrSessionIDRequired
	}

	cfg, poolKey := r.resolve(identity)
	if err := r.pools.Ensure(poolKey, cfg); err != nil {
		return nil, "", fmt.Errorf("ensuring pool: %w", err)
	}

	pool, _ := r.pools.Get(poolKey)
	server, err := mcpserver.New(pool, cfg.Schema, r.limits)
	if err != nil {
		r.rollbackPool(poolKey)
		return nil, "", fmt.Errorf("creating protocol server: %w", err)
	}
	transport := mcpserver.NewStatefulTransport(server)

	session, err := r.sessions.Create(server, transport, poolKey)
	if err != nil {
		// Inverse-order rollback per spec.md §7: session never existed,
		// so close the server we just created, then the pool — but never
		// the shared "global" pool, which outlives any single session.
		if closeErr := server.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("error closing server during initialize rollback")
		}
		r.rollbackPool(poolKey)
		return nil, "", fmt.Errorf("creating MCP session: %w", err)
	}

	if r.cfg.AuthMode == config.AuthRequired {
		r.tokensMgr.Attach(identity.Token, session.ID)
	}

	resp := transport.Dispatch(ctx, req)
	return resp, session.ID, nil
}

func (r *Router) handleStatelessPost(ctx context.Context, identity Identity, req *jsonrpc.Request) (*jsonrpc.Response, string, error) {
	cfg, poolKey := r.resolve(identity)
	if err := r.pools.Ensure(poolKey, cfg); err != nil {
		return nil, "", fmt.Errorf("ensuring pool: %w", err)
	}

	pool, _ := r.pools.Get(poolKey)
	server, err := mcpserver.New(pool, cfg.Schema, r.limits)
	if err != nil {
		r.rollbackPool(poolKey)
		return nil, "", fmt.Errorf("creating protocol server: %w", err)
	}
	transport := mcpserver.NewStatelessTransport(server)

	resp := transport.Dispatch(ctx, req)

	if err := transport.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing stateless transport")
	}
	if err := server.Close(); err != nil {
		log.Warn().Err(err).Msg("error closing stateless server")
	}
	return resp, "", nil
}

// HandleGetStream resolves an existing stateful session for SSE
// streaming. Stateless mode and missing/unknown sessions are errors the
// caller translates to 405/400/404.
func (r *Router) HandleGetStream(mcpSessionID string) (*mcpsession.Session, <-chan *jsonrpc.Response, func(), error) {
	if r.cfg.SessionMode == config.SessionStateless {
		return nil, nil, nil, ErrStatelessGet
	}
	if mcpSessionID == "" {
		return nil, nil, nil, ErrMissingSessionHeader
	}
	session, ok := r.sessions.Get(mcpSessionID)
	if !ok {
		return nil, nil, nil, ErrSessionNotFound
	}
	statefulTransport, ok := session.Transport.(*mcpserver.StatefulTransport)
	if !ok {
		return nil, nil, nil, ErrStatelessGet
	}
	ch, unsubscribe := statefulTransport.Subscribe()
	return session, ch, unsubscribe, nil
}

// HandleDelete closes an existing session explicitly.
func (r *Router) HandleDelete(mcpSessionID string) error {
	if mcpSessionID == "" {
		return ErrMissingSessionHeader
	}
	if ok := r.sessions.Close(mcpSessionID); !ok {
		return ErrSessionNotFound
	}
	return nil
}

var (
	ErrStatelessGet         = errors.New("GET /mcp is not available in stateless session mode")
	ErrMissingSessionHeader = errors.New("Mcp-Session-Id header is required")
)

// rollbackPool undoes a pool created by this request's Ensure call when a
// later step of the initialize handshake fails. The "global" pool is
// shared across every session in the weaker auth modes and is closed only
// during shutdown, never here (spec.md §7, §8 scenario S2).
func (r *Router) rollbackPool(poolKey string) {
	if poolKey == poolregistry.GlobalKey {
		return
	}
	r.pools.Close(poolKey)
}

// ProbeCredentials mints a single-use, randomly keyed pool, probes it,
// and closes it unconditionally. Used by the /auth handler per
// spec.md §4.D/4.F's credential-probe interaction.
func ProbeCredentials(ctx context.Context, pools *poolregistry.Registry, cfg database.Config) bool {
	transientKey, err := randomTransientKey()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate transient pool key")
		return false
	}

	if err := pools.Ensure(transientKey, cfg); err != nil {
		log.Warn().Err(err).Msg("failed to open transient probe pool")
		return false
	}
	defer pools.Close(transientKey)

	return pools.Test(ctx, transientKey)
}

// randomTransientKey generates a collision-resistant pool key for a
// single /auth credential probe.
func randomTransientKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "auth-probe-" + base64.RawURLEncoding.EncodeToString(buf), nil
}
