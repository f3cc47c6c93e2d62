// Package config loads the gateway's environment-variable configuration,
// per the table in spec.md §6. There is no configuration file in this
// system — every setting is read from the process environment, following
// viper's env-binding mode rather than its file-loading mode.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
)

// AuthMode selects the authentication policy for the HTTP surface.
type AuthMode string

const (
	AuthRequired AuthMode = "required"
	AuthToken    AuthMode = "token"
	AuthNone     AuthMode = "none"
)

// SessionMode selects stateful vs. stateless MCP session handling.
type SessionMode string

const (
	SessionStateful  SessionMode = "stateful"
	SessionStateless SessionMode = "stateless"
)

// TransportMode selects which MCP transports the gateway starts.
type TransportMode string

const (
	TransportStdio TransportMode = "stdio"
	TransportHTTP  TransportMode = "http"
	TransportBoth  TransportMode = "both"
)

// RateLimitKeyMode resolves the Open Question in spec.md §9: what key the
// rate limiter uses under the "required" auth mode.
type RateLimitKeyMode string

const (
	RateLimitKeyDefault  RateLimitKeyMode = "default"
	RateLimitKeyToken    RateLimitKeyMode = "token"
	RateLimitKeyIP       RateLimitKeyMode = "ip"
	RateLimitKeyTokenIP  RateLimitKeyMode = "token+ip"
)

// Config is the full, effective gateway configuration.
type Config struct {
	Database database.Config

	Transport TransportMode
	HTTPPort  int
	HTTPHost  string

	SessionMode   SessionMode
	MaxSessions   int
	TokenExpiry   time.Duration

	AuthMode   AuthMode
	AuthToken  string

	TLSEnabled  bool
	TLSCertPath string
	TLSKeyPath  string

	CORSOrigins []string

	RateLimitWindow   time.Duration
	RateLimitMax      int
	RateLimitEnabled  bool
	RateLimitKeyMode  RateLimitKeyMode

	QueryDefaultLimit int
	QueryMaxLimit     int

	LogLevel string

	TrustProxyHeaders bool
}

// Load reads the effective configuration from the process environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("DB_PORT", 446)
	v.SetDefault("DB_DATABASE", "*LOCAL")
	v.SetDefault("MCP_TRANSPORT", "stdio")
	v.SetDefault("MCP_HTTP_PORT", 3000)
	v.SetDefault("MCP_HTTP_HOST", "127.0.0.1")
	v.SetDefault("MCP_SESSION_MODE", "stateful")
	v.SetDefault("MCP_MAX_SESSIONS", 100)
	v.SetDefault("MCP_TOKEN_EXPIRY", 3600)
	v.SetDefault("MCP_AUTH_MODE", "required")
	v.SetDefault("MCP_TLS_ENABLED", false)
	v.SetDefault("MCP_CORS_ORIGINS", "")
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 900000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_ENABLED", "true")
	v.SetDefault("RATE_LIMIT_KEY_MODE", "default")
	v.SetDefault("QUERY_DEFAULT_LIMIT", 1000)
	v.SetDefault("QUERY_MAX_LIMIT", 10000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MCP_TRUST_PROXY", false)

	dbHost := v.GetString("DB_HOST")
	if dbHost == "" {
		return nil, fmt.Errorf("DB_HOST is required")
	}
	if err := ValidateHost(dbHost); err != nil {
		return nil, fmt.Errorf("DB_HOST: %w", err)
	}

	dbUser, err := resolveSecret(v, "DB_USER")
	if err != nil {
		return nil, err
	}
	if dbUser == "" {
		return nil, fmt.Errorf("DB_USER or DB_USER_FILE is required")
	}

	dbPassword, err := resolveSecret(v, "DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	if dbPassword == "" {
		return nil, fmt.Errorf("DB_PASSWORD or DB_PASSWORD_FILE is required")
	}

	port := v.GetInt("DB_PORT")
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("DB_PORT out of range: %d", port)
	}

	driverOpts := parseOptions(v.GetString("DB_OPTIONS"))

	cfg := &Config{
		Database: database.Config{
			Host:     dbHost,
			Port:     port,
			Username: dbUser,
			Password: dbPassword,
			Database: v.GetString("DB_DATABASE"),
			Schema:   v.GetString("DB_SCHEMA"),
			Options:  driverOpts,
		},
		Transport:   TransportMode(v.GetString("MCP_TRANSPORT")),
		HTTPPort:    v.GetInt("MCP_HTTP_PORT"),
		HTTPHost:    v.GetString("MCP_HTTP_HOST"),
		SessionMode: SessionMode(v.GetString("MCP_SESSION_MODE")),
		MaxSessions: v.GetInt("MCP_MAX_SESSIONS"),
		TokenExpiry: time.Duration(v.GetInt("MCP_TOKEN_EXPIRY")) * time.Second,
		AuthMode:    AuthMode(v.GetString("MCP_AUTH_MODE")),
		AuthToken:   v.GetString("MCP_AUTH_TOKEN"),
		TLSEnabled:  v.GetBool("MCP_TLS_ENABLED"),
		TLSCertPath: v.GetString("MCP_TLS_CERT_PATH"),
		TLSKeyPath:  v.GetString("MCP_TLS_KEY_PATH"),
		CORSOrigins: parseCORSOrigins(v.GetString("MCP_CORS_ORIGINS")),

		RateLimitWindow:  time.Duration(v.GetInt("RATE_LIMIT_WINDOW_MS")) * time.Millisecond,
		RateLimitMax:     v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		RateLimitEnabled: !isFalsey(v.GetString("RATE_LIMIT_ENABLED")),
		RateLimitKeyMode: RateLimitKeyMode(v.GetString("RATE_LIMIT_KEY_MODE")),

		QueryDefaultLimit: v.GetInt("QUERY_DEFAULT_LIMIT"),
		QueryMaxLimit:     v.GetInt("QUERY_MAX_LIMIT"),

		LogLevel:          v.GetString("LOG_LEVEL"),
		TrustProxyHeaders: v.GetBool("MCP_TRUST_PROXY"),
	}

	if cfg.AuthMode == AuthToken && cfg.AuthToken == "" {
		return nil, fmt.Errorf("MCP_AUTH_TOKEN is required when MCP_AUTH_MODE=token")
	}

	if cfg.TLSEnabled {
		if cfg.TLSCertPath == "" || cfg.TLSKeyPath == "" {
			return nil, fmt.Errorf("MCP_TLS_CERT_PATH and MCP_TLS_KEY_PATH are required when MCP_TLS_ENABLED=true")
		}
		if _, err := os.Stat(cfg.TLSCertPath); err != nil {
			return nil, fmt.Errorf("MCP_TLS_CERT_PATH: %w", err)
		}
		if _, err := os.Stat(cfg.TLSKeyPath); err != nil {
			return nil, fmt.Errorf("MCP_TLS_KEY_PATH: %w", err)
		}
	}

	return cfg, nil
}

// resolveSecret reads key or key+"_FILE" (taking precedence) from the
// environment, following the container-secrets convention.
func resolveSecret(v *viper.Viper, key string) (string, error) {
	if filePath := v.GetString(key + "_FILE"); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading %s_FILE: %w", key, err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return v.GetString(key), nil
}

func parseOptions(raw string) map[string]string {
	opts := make(map[string]string)
	if raw == "" {
		return opts
	}
	for _, pair := range strings.Split(raw, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		opts[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return opts
}

func parseCORSOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isFalsey(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "false" || s == "0"
}

// ValidateHost accepts a hostname or a dotted-quad IPv4 literal, per
// spec.md §3's DatabaseConfig definition.
func ValidateHost(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() == nil {
			return fmt.Errorf("IPv6 literals are not accepted: %s", host)
		}
		return nil
	}
	if host == "" || len(host) > 253 {
		return fmt.Errorf("invalid hostname: %q", host)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("invalid hostname label in %q", host)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') && r != '-' {
				return fmt.Errorf("invalid hostname character in %q", host)
			}
		}
	}
	return nil
}

// ParsePort parses and range-checks a port string, per spec.md §4.G's
// /auth body validation ("port optional integer in 1-65535").
func ParsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port: %w", err)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("port out of range: %d", p)
	}
	return p, nil
}
