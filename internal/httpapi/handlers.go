package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/arxiv-labs/dbmcp-gateway/internal/router"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
	"github.com/arxiv-labs/dbmcp-gateway/internal/version"
	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

const sessionHeader = "Mcp-Session-Id"

// handleHealth answers GET /health: status, identity, effective modes,
// and the token/session managers' stats, per spec.md §4.G and §7's
// supplemented "health statistics" definition.
func (s *Server) handleHealth(c fiber.Ctx) error {
	tokenStats := s.tokensMgr.Stats()
	sessionStats := s.sessions.Stats()
	s.metrics.SetTokenStats(tokenStats.Active, tokenStats.Expired)
	s.metrics.SetSessionStats(sessionStats.Total, sessionStats.Stale)
	s.metrics.SetPoolCount(len(s.pools.Keys()))

	return c.JSON(fiber.Map{
		"status":       "ok",
		"name":         "dbmcp-gateway",
		"version":      version.Version,
		"auth_mode":    s.cfg.AuthMode,
		"session_mode": s.cfg.SessionMode,
		"tls_enabled":  s.cfg.TLSEnabled,
		"tokens":       tokenStats,
		"sessions":     sessionStats,
	})
}

// handleOpenAPI answers GET /openapi.json with a minimal, hand-built
// OpenAPI 3.0 document describing the fixed endpoint set, per spec.md
// §7's supplemented-feature note (the surface is small and fixed, so
// this is authored directly rather than reflection-generated).
func (s *Server) handleOpenAPI(c fiber.Ctx) error {
	scheme := "http"
	if s.cfg.TLSEnabled {
		scheme = "https"
	}
	baseURL := fmt.Sprintf("%s://%s:%d", scheme, s.cfg.HTTPHost, s.cfg.HTTPPort)
	return c.JSON(buildOpenAPIDocument(baseURL))
}

// handleMCPPost answers POST /mcp, routing through the request router
// per spec.md §4.F.
func (s *Server) handleMCPPost(c fiber.Ctx) error {
	var req jsonrpc.Request
	if err := c.Bind().JSON(&req); err != nil {
		return writeJSONRPCError(c, fiber.StatusBadRequest, nil, jsonrpc.ErrParseError, "parse error")
	}

	identity := s.identityFromLocals(c)
	mcpSessionID := c.Get(sessionHeader)

	resp, sessionID, err := s.router.HandlePost(c.Context(), identity, mcpSessionID, &req)
	if err != nil {
		return s.mapRouterError(c, req.ID, err)
	}

	if sessionID != "" {
		c.Set(sessionHeader, sessionID)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

// handleMCPStream answers GET /mcp: an SSE stream bound to an existing
// stateful session, per spec.md §4.G.
func (s *Server) handleMCPStream(c fiber.Ctx) error {
	mcpSessionID := c.Get(sessionHeader)

	session, ch, unsubscribe, err := s.router.HandleGetStream(mcpSessionID)
	if err != nil {
		return s.mapStreamError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set(sessionHeader, session.ID)

	ctx := c.Context()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		fmt.Fprintf(w, "event: connected\ndata: {\"sessionId\":%q}\n\n", session.ID)
		w.Flush()

		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-ch:
				if !ok {
					return
				}
				data, marshalErr := json.Marshal(resp)
				if marshalErr != nil {
					continue
				}
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
				if flushErr := w.Flush(); flushErr != nil {
					return
				}
			}
		}
	})

	return nil
}

// handleMCPDelete answers DELETE /mcp: explicit session close.
func (s *Server) handleMCPDelete(c fiber.Ctx) error {
	mcpSessionID := c.Get(sessionHeader)
	if err := s.router.HandleDelete(mcpSessionID); err != nil {
		return s.mapDeleteError(c, err)
	}
	return c.JSON(fiber.Map{"status": "session_closed", "sessionId": mcpSessionID})
}

func (s *Server) identityFromLocals(c fiber.Ctx) router.Identity {
	identity := router.Identity{}
	if token, ok := c.Locals(localToken).(string); ok {
		identity.Token = token
	}
	if session, ok := c.Locals(localTokenSession).(*tokens.Session); ok {
		identity.TokenSession = session
	}
	return identity
}

func (s *Server) mapRouterError(c fiber.Ctx, id interface{}, err error) error {
	switch {
	case errors.Is(err, router.ErrSessionNotFound):
		return writeJSONRPCError(c, fiber.StatusNotFound, id, jsonrpc.ErrNoSuchSession, "Session not found or expired")
	case errors.Is(err, router.ErrSessionIDRequired):
		return writeJSONRPCError(c, fiber.StatusBadRequest, id, jsonrpc.ErrServerError, "Session ID required for non-initialize requests")
	default:
		return writeJSONRPCError(c, fiber.StatusInternalServerError, id, jsonrpc.ErrInternalError, err.Error())
	}
}

func (s *Server) mapStreamError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, router.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found or expired"})
	case errors.Is(err, router.ErrStatelessGet):
		return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
}

func (s *Server) mapDeleteError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, router.ErrSessionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found or expired"})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
}

func writeJSONRPCError(c fiber.Ctx, status int, id interface{}, code int, message string) error {
	return c.Status(status).JSON(jsonrpc.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpc.Error{Code: code, Message: message},
	})
}
