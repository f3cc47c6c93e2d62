// Package orchestrator wires every component into a running gateway:
// configuration, the rate limiter and auth throttle singletons, the pool
// registry, the token manager, the MCP session manager, the stdio and/or
// HTTP transports, and coordinates their startup and shutdown order per
// spec.md §4.H. Grounded on cmd/saltare/main.go's construct-then-wire
// sequence and its ordered Stop() calls during shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/auththrottle"
	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/internal/httpapi"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpserver"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpsession"
	"github.com/arxiv-labs/dbmcp-gateway/internal/metrics"
	"github.com/arxiv-labs/dbmcp-gateway/internal/poolregistry"
	"github.com/arxiv-labs/dbmcp-gateway/internal/ratelimit"
	"github.com/arxiv-labs/dbmcp-gateway/internal/router"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
)

// Gateway holds every long-lived component for one process lifetime.
type Gateway struct {
	cfg *config.Config

	metrics   *metrics.Collector
	pools     *poolregistry.Registry
	tokensMgr *tokens.Manager
	sessions  *mcpsession.Manager
	limiter   *ratelimit.Limiter
	throttle  *auththrottle.Throttle
	router    *router.Router

	httpServer *httpapi.Server
	stdio      *mcpserver.StdioTransport
}

// New constructs every component and wires its dependencies, but starts
// nothing. Call Start to begin serving.
func New(cfg *config.Config) *Gateway {
	collector := metrics.New()

	opener := func(dbCfg database.Config) (database.Pool, error) {
		if err := dbCfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid database config: %w", err)
		}
		return database.OpenPool(dbCfg, database.PoolOptions{
			OnBreakerTrip: collector.CircuitBreakerOpened,
		}, log.Logger), nil
	}
	pools := poolregistry.New(opener)

	tokensMgr := tokens.New(cfg.TokenExpiry, cfg.MaxSessions)
	sessions := mcpsession.New()

	// In "required" auth mode a token's pool is per-credential: once the
	// token is gone (revoked or expired), close its MCP sessions and its
	// pool too, so a leaked token can't keep a connection pinned open.
	if cfg.AuthMode == config.AuthRequired {
		tokensMgr.SetCleanupCallback(func(token string) {
			sessions.CloseByPoolKey(token)
			pools.Close(token)
		})
	}

	limiter := ratelimit.New(ratelimit.Config{
		WindowMs:    int(cfg.RateLimitWindow / time.Millisecond),
		MaxRequests: cfg.RateLimitMax,
		Enabled:     cfg.RateLimitEnabled,
	})
	throttle := auththrottle.New(auththrottle.DefaultConfig())

	r := router.New(cfg, pools, tokensMgr, sessions)

	g := &Gateway{
		cfg:       cfg,
		metrics:   collector,
		pools:     pools,
		tokensMgr: tokensMgr,
		sessions:  sessions,
		limiter:   limiter,
		throttle:  throttle,
		router:    r,
	}

	if cfg.Transport == config.TransportHTTP || cfg.Transport == config.TransportBoth {
		g.httpServer = httpapi.NewServer(cfg, r, pools, tokensMgr, sessions, limiter, throttle, collector)
	}

	if cfg.Transport == config.TransportStdio || cfg.Transport == config.TransportBoth {
		// A bad stdio database config is a startup configuration failure,
		// which spec.md §7 says is fatal rather than recoverable.
		if err := pools.Ensure(poolregistry.GlobalKey, cfg.Database); err != nil {
			log.Fatal().Err(err).Msg("failed to prepare database pool for stdio transport")
		}
		pool, _ := pools.Get(poolregistry.GlobalKey)
		server, err := mcpserver.New(pool, cfg.Database.Schema, mcpserver.Limits{
			DefaultLimit: cfg.QueryDefaultLimit,
			MaxLimit:     cfg.QueryMaxLimit,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct protocol server for stdio transport")
		}
		g.stdio = mcpserver.NewStdioTransport(server)
	}

	return g
}

// Start brings up every configured transport. The stdio transport, if
// enabled, blocks the calling goroutine inside Run and is therefore
// started on its own goroutine; an error from Run is logged, not
// returned to the caller.
func (g *Gateway) Start() error {
	if g.httpServer != nil {
		if err := g.httpServer.Start(); err != nil {
			return fmt.Errorf("starting HTTP API server: %w", err)
		}
	}

	if g.stdio != nil {
		go func() {
			if err := g.stdio.Run(); err != nil {
				log.Error().Err(err).Msg("stdio transport exited with error")
			}
		}()
	}

	return nil
}

// Stop shuts the gateway down in the order spec.md §4.H requires: stop
// accepting new work, drain MCP sessions, drain tokens (which in turn
// cascades into the pools they still hold via the cleanup callback),
// close every remaining pool, then return.
func (g *Gateway) Stop(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if g.stdio != nil {
		record(g.stdio.Stop())
	}

	if g.httpServer != nil {
		record(g.httpServer.Stop(ctx))
	}

	g.sessions.Shutdown()
	g.tokensMgr.Shutdown()
	g.pools.CloseAll()
	g.limiter.Stop()
	g.throttle.Stop()

	return firstErr
}
