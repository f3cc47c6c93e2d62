// Package database is the concrete Database / DatabasePool collaborator.
// spec.md places this collaborator out of core scope, specified only at
// its contract (openPool, Pool.execute, Pool.probe, Pool.close); this
// package supplies a real implementation — raw PostgreSQL/MySQL wire
// protocol connections — so the rest of the repository has something to
// exercise that contract against.
package database

import (
	"context"
	"fmt"
	"strings"
)

// Config is the spec's DatabaseConfig: an immutable bundle of connection
// parameters. Passwords must never appear in any log record — use
// Redacted() whenever logging a Config.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Schema   string
	Options  map[string]string
}

// Redacted returns a log-safe representation of the config with the
// password field masked, per spec.md §3's field-path redaction list.
func (c Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"host":     c.Host,
		"port":     c.Port,
		"username": c.Username,
		"password": "***",
		"database": c.Database,
		"schema":   c.Schema,
	}
}

// Validate checks the synchronous, non-network invariants a config must
// satisfy before a pool is built from it: host present, port in range,
// driver recognized. It never dials the backend, so the pool registry's
// Ensure can call it and stay the non-suspending fast path spec.md §5
// requires.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	switch c.Driver() {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver: %q", c.Driver())
	}
	return nil
}

// Driver returns the wire driver to speak, defaulting to postgres.
func (c Config) Driver() string {
	if d := c.Options["driver"]; d != "" {
		return d
	}
	return "postgres"
}

// Key returns a stable identifier for this config's backend, used to name
// the circuit breaker and in log records (never includes the password).
func (c Config) Key() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.Database)
}

// Row is a single result row, column name to decoded value.
type Row map[string]interface{}

// Pool is the contract spec.md §6 assigns to the Database collaborator's
// Pool type.
type Pool interface {
	Execute(ctx context.Context, sql string, params []interface{}) ([]Row, error)
	Probe(ctx context.Context) bool
	Close() error
}

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = fmt.Errorf("database: pool closed")
