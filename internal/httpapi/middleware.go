package httpapi

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/ratelimit"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
)

// recoveryMiddleware recovers a panic in any downstream handler and
// converts it into a 500, so a bug in one tool call never takes the
// process down, per spec.md §7's "per-request errors never terminate
// the process" guarantee. Adapted from the teacher's
// internal/gateway/http/middleware.go's RecoveryMiddleware.
func recoveryMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("path", c.Path()).
					Str("method", c.Method()).
					Interface("panic", r).
					Msg("panic recovered")

				c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "internal server error",
					"code":  "internal_error",
				})
			}
		}()

		return c.Next()
	}
}

// securityHeaders sets the fixed response headers spec.md §4.G requires
// on every response, adapted from the teacher's middleware.go shape.
func securityHeaders() fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-XSS-Protection", "1; mode=block")
		return c.Next()
	}
}

// corsMiddleware implements spec.md §4.G's origin-echo CORS semantics:
// an empty allow-list emits no CORS headers at all; a non-empty list
// echoes the request origin only when it matches (or the list contains
// "*"), and only sets Allow-Credentials for a non-wildcard match.
func corsMiddleware(allowedOrigins []string) fiber.Handler {
	wildcard := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = true
	}

	return func(c fiber.Ctx) error {
		if len(allowedOrigins) == 0 {
			if c.Method() == fiber.MethodOptions {
				return c.SendStatus(fiber.StatusNoContent)
			}
			return c.Next()
		}

		origin := c.Get("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			c.Set("Access-Control-Allow-Origin", origin)
			if !wildcard {
				c.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		c.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Next()
	}
}

// oauthError writes the OAuth-style error body spec.md §4.G's auth
// middleware uses for every rejection.
func oauthError(c fiber.Ctx, status int, errCode, description string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":             errCode,
		"error_description": description,
	})
}

// authMiddleware dispatches to the configured auth mode. In "required"
// mode it validates the bearer against the token manager and attaches
// the resolved session to fiber locals; in "token" mode it compares the
// bearer to the static configured token in constant time; in "none" mode
// it passes every request through.
func authMiddleware(mode config.AuthMode, staticToken string, tokensMgr *tokens.Manager) fiber.Handler {
	return func(c fiber.Ctx) error {
		switch mode {
		case config.AuthNone:
			return c.Next()

		case config.AuthToken:
			bearer, ok := extractBearer(c)
			if !ok {
				return oauthError(c, fiber.StatusUnauthorized, "invalid_token", "missing bearer token")
			}
			if !constantTimeEqual(bearer, staticToken) {
				return oauthError(c, fiber.StatusUnauthorized, "invalid_token", "token does not match")
			}
			c.Locals(localToken, bearer)
			return c.Next()

		case config.AuthRequired:
			bearer, ok := extractBearer(c)
			if !ok {
				return oauthError(c, fiber.StatusUnauthorized, "invalid_token", "missing bearer token")
			}
			session, err := tokensMgr.Validate(bearer)
			if err != nil {
				return oauthError(c, fiber.StatusUnauthorized, "invalid_token", err.Error())
			}
			c.Locals(localToken, bearer)
			c.Locals(localTokenSession, session)
			return c.Next()

		default:
			return oauthError(c, fiber.StatusUnauthorized, "invalid_request", "unknown auth mode")
		}
	}
}

const (
	localToken        = "dbmcp_token"
	localTokenSession = "dbmcp_token_session"
)

func extractBearer(c fiber.Ctx) (string, bool) {
	header := c.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}

// constantTimeEqual compares two bearer tokens without leaking timing
// information through early-exit length comparisons, per spec.md §4.G.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a constant-time compare against a same-length buffer
		// so this branch's cost does not itself leak length information
		// to an attacker timing many requests of the same guessed length.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// rateLimitMiddleware enforces component A, keyed per spec.md §9's
// resolved Open Question (RateLimitKeyMode).
func rateLimitMiddleware(limiter *ratelimit.Limiter, keyMode config.RateLimitKeyMode, onRejected func()) fiber.Handler {
	return func(c fiber.Ctx) error {
		key := rateLimitKey(c, keyMode)
		result := limiter.Check(key)
		c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			if onRejected != nil {
				onRejected()
			}
			c.Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate_limit_exceeded",
				"retry_after": result.RetryAfterSeconds,
			})
		}
		return c.Next()
	}
}

func rateLimitKey(c fiber.Ctx, mode config.RateLimitKeyMode) string {
	switch mode {
	case config.RateLimitKeyToken:
		if token, _ := c.Locals(localToken).(string); token != "" {
			return "token:" + token
		}
		return "ip:" + c.IP()
	case config.RateLimitKeyIP:
		return "ip:" + c.IP()
	case config.RateLimitKeyTokenIP:
		if token, _ := c.Locals(localToken).(string); token != "" {
			return "token:" + token + ":ip:" + c.IP()
		}
		return "ip:" + c.IP()
	default: // RateLimitKeyDefault: single global key, matching the source's
		// default behaviour per spec.md §9 until a decision is made.
		return "default"
	}
}
