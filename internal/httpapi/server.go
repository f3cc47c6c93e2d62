// Package httpapi is the HTTP Surface (component G): the fiber-based
// network transport exposing /auth, /mcp, /health, /openapi.json, and
// /metrics. Grounded on
// Denis-Chistyakov-Saltare/internal/gateway/http/server.go's Server
// struct and route-registration shape, and
// internal/gateway/mcp/http.go's MCP-over-HTTP/SSE handling.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/auththrottle"
	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpsession"
	"github.com/arxiv-labs/dbmcp-gateway/internal/metrics"
	"github.com/arxiv-labs/dbmcp-gateway/internal/poolregistry"
	"github.com/arxiv-labs/dbmcp-gateway/internal/ratelimit"
	"github.com/arxiv-labs/dbmcp-gateway/internal/router"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
	"github.com/arxiv-labs/dbmcp-gateway/internal/version"
)

// Server is the HTTP API server.
type Server struct {
	app *fiber.App
	cfg *config.Config

	router    *router.Router
	pools     *poolregistry.Registry
	tokensMgr *tokens.Manager
	sessions  *mcpsession.Manager
	limiter   *ratelimit.Limiter
	throttle  *auththrottle.Throttle
	metrics   *metrics.Collector

	startedAt time.Time
}

// NewServer builds the HTTP server and registers every route.
func NewServer(
	cfg *config.Config,
	r *router.Router,
	pools *poolregistry.Registry,
	tokensMgr *tokens.Manager,
	sessions *mcpsession.Manager,
	limiter *ratelimit.Limiter,
	throttle *auththrottle.Throttle,
	collector *metrics.Collector,
) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "dbmcp-gateway",
		AppName:      "dbmcp-gateway " + version.Version,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	s := &Server{
		app:       app,
		cfg:       cfg,
		router:    r,
		pools:     pools,
		tokensMgr: tokensMgr,
		sessions:  sessions,
		limiter:   limiter,
		throttle:  throttle,
		metrics:   collector,
		startedAt: time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recoveryMiddleware())
	s.app.Use(securityHeaders())
	s.app.Use(corsMiddleware(s.cfg.CORSOrigins))

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/openapi.json", s.handleOpenAPI)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	auth := s.app.Group("", rateLimitMiddleware(s.limiter, s.cfg.RateLimitKeyMode, s.metrics.RateLimitRejected))
	auth.Post("/auth", s.authRoute)

	mcp := s.app.Group("/mcp",
		rateLimitMiddleware(s.limiter, s.cfg.RateLimitKeyMode, s.metrics.RateLimitRejected),
		authMiddleware(s.cfg.AuthMode, s.cfg.AuthToken, s.tokensMgr),
	)
	mcp.Post("", s.handleMCPPost)
	mcp.Get("", s.handleMCPStream)
	mcp.Delete("", s.handleMCPDelete)

	log.Info().Msg("HTTP routes configured")
}

// authRoute returns 404 outside required mode, per spec.md §4.G: "POST
// /auth ... returns 404 in the other modes with a mode-specific
// explanation."
func (s *Server) authRoute(c fiber.Ctx) error {
	if s.cfg.AuthMode != config.AuthRequired {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fmt.Sprintf("/auth is not available in %q auth mode", s.cfg.AuthMode),
		})
	}
	return s.handleAuth(c)
}

// Start begins serving in a background goroutine, following the
// teacher's Start()/Listen() pattern.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTPHost, s.cfg.HTTPPort)
	log.Info().Str("addr", addr).Msg("starting HTTP API server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled {
			err = s.app.Listen(addr, fiber.ListenConfig{CertFile: s.cfg.TLSCertPath, CertKeyFile: s.cfg.TLSKeyPath})
		} else {
			if !isLoopbackHost(s.cfg.HTTPHost) {
				log.Warn().Str("host", s.cfg.HTTPHost).Msg("serving plain HTTP on a non-loopback host; TLS is disabled")
			}
			err = s.app.Listen(addr)
		}
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-time.After(200 * time.Millisecond):
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("stopping HTTP API server")
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}
	return nil
}
