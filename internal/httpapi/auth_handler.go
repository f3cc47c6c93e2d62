package httpapi

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/internal/router"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
)

// authRequestBody is the /auth POST body, per spec.md §4.G step 2.
type authRequestBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

func (b authRequestBody) validate() error {
	if strings.TrimSpace(b.Username) == "" {
		return errors.New("username is required")
	}
	if b.Host != "" {
		if err := config.ValidateHost(b.Host); err != nil {
			return err
		}
	}
	if b.Port != 0 && (b.Port < 1 || b.Port > 65535) {
		return errors.New("port must be between 1 and 65535")
	}
	if b.Duration != 0 && (b.Duration < 1 || b.Duration > 86400) {
		return errors.New("duration must be between 1 and 86400 seconds")
	}
	return nil
}

// mergeWithDefaults fills host/port/database/schema from the
// environment-loaded default config when the body omits them; username
// and password always come from the body, since that is the credential
// being authenticated.
func (b authRequestBody) mergeWithDefaults(defaults database.Config) database.Config {
	cfg := defaults
	cfg.Username = b.Username
	cfg.Password = b.Password
	if b.Host != "" {
		cfg.Host = b.Host
	}
	if b.Port != 0 {
		cfg.Port = b.Port
	}
	if b.Database != "" {
		cfg.Database = b.Database
	}
	if b.Schema != "" {
		cfg.Schema = b.Schema
	}
	return cfg
}

// handleAuth implements spec.md §4.G's /auth algorithm.
func (s *Server) handleAuth(c fiber.Ctx) error {
	ip := c.IP()

	if throttleResult := s.throttle.Allow(ip); throttleResult.Blocked {
		s.metrics.AuthThrottleBlocked()
		c.Set("Retry-After", strconv.Itoa(throttleResult.RetryAfterSeconds))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "too_many_attempts",
			"retry_after": throttleResult.RetryAfterSeconds,
		})
	}

	var body authRequestBody
	if err := c.Bind().JSON(&body); err != nil {
		s.throttle.RecordFailure(ip)
		s.metrics.AuthAttempt("bad_request")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := body.validate(); err != nil {
		s.throttle.RecordFailure(ip)
		s.metrics.AuthAttempt("bad_request")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	candidate := body.mergeWithDefaults(s.cfg.Database)
	if err := config.ValidateHost(candidate.Host); err != nil {
		s.throttle.RecordFailure(ip)
		s.metrics.AuthAttempt("bad_request")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid host"})
	}

	if ok := router.ProbeCredentials(c.Context(), s.pools, candidate); !ok {
		s.throttle.RecordFailure(ip)
		s.metrics.AuthAttempt("invalid_credentials")
		return oauthError(c, fiber.StatusUnauthorized, "invalid_credentials", "could not authenticate against the database")
	}

	if !s.tokensMgr.CanCreate() {
		s.metrics.AuthAttempt("rejected")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "maximum concurrent sessions reached"})
	}

	ttl := time.Duration(body.Duration) * time.Second
	session, err := s.tokensMgr.Create(candidate, ttl)
	if err != nil {
		if errors.Is(err, tokens.ErrMaxSessions) {
			s.metrics.AuthAttempt("rejected")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}
		s.metrics.AuthAttempt("error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	s.throttle.RecordSuccess(ip)
	s.metrics.AuthAttempt("success")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"access_token": session.Token,
		"token_type":   "Bearer",
		"expires_in":   int(time.Until(session.ExpiresAt).Seconds()),
		"expires_at":   session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
