// Package tokens is the Token Manager (component D): mint, validate,
// revoke, and expire bearer tokens, each bound to the DatabaseConfig the
// client authenticated with. Grounded on the teacher's mutex-protected
// map plus background-ticker idiom (internal/jobs's cleanupRoutine) for
// the sweeper, and on JeelKantaria-db-bouncer's crypto/rand usage for
// generating unguessable identifiers.
package tokens

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
)

const (
	tokenEntropyBytes = 32 // 256 bits
	maxTTL            = 86400 * time.Second
	sweepInterval     = time.Minute
)

var (
	ErrMaxSessions   = errors.New("maximum concurrent sessions reached")
	ErrInvalidFormat = errors.New("invalid token format")
	ErrNotFound      = errors.New("token not found or expired")
	ErrExpired       = errors.New("token expired")
)

// Session is the spec's TokenSession.
type Session struct {
	Token         string
	Config        database.Config
	CreatedAt     time.Time
	ExpiresAt     time.Time
	LastUsedAt    time.Time
	MCPSessionID  string
}

// CleanupFunc is invoked once per token as it leaves the manager, whether
// by expiry, revoke, or shutdown.
type CleanupFunc func(token string)

// Stats summarizes the manager's current population.
type Stats struct {
	Total   int
	Active  int
	Expired int
}

// Manager is the Token Manager.
type Manager struct {
	defaultTTL  time.Duration
	maxSessions int

	mu       sync.Mutex
	sessions map[string]*Session
	cleanup  CleanupFunc

	stopCh chan struct{}
	once   sync.Once
}

// New creates a Manager and starts its sweeper.
func New(defaultTTL time.Duration, maxSessions int) *Manager {
	m := &Manager{
		defaultTTL:  defaultTTL,
		maxSessions: maxSessions,
		sessions:    make(map[string]*Session),
		stopCh:      make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetCleanupCallback registers the function invoked when a token leaves
// the manager.
func (m *Manager) SetCleanupCallback(fn CleanupFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanup = fn
}

// CanCreate is the advisory admission check exposed for /auth's
// pre-flight 503 decision. The authoritative check happens inside Create.
func (m *Manager) CanCreate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions) < m.maxSessions
}

// Create mints a token bound to cfg. The admission check and insertion
// are atomic so concurrent callers can never exceed maxSessions.
func (m *Manager) Create(cfg database.Config, ttl time.Duration) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	if ttl < time.Second {
		ttl = time.Second
	}

	now := time.Now()
	session := &Session{
		Token:      token,
		Config:     cfg,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		LastUsedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, ErrMaxSessions
	}
	m.sessions[token] = session

	log.Info().Time("expires_at", session.ExpiresAt).Msg("token created")
	return session, nil
}

// Validate looks up token, evicting it if past expiry.
func (m *Manager) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidFormat
	}

	m.mu.Lock()
	session, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}

	if time.Now().After(session.ExpiresAt) {
		delete(m.sessions, token)
		cb := m.cleanup
		m.mu.Unlock()
		if cb != nil {
			cb(token)
		}
		return nil, ErrExpired
	}

	session.LastUsedAt = time.Now()
	m.mu.Unlock()
	return session, nil
}

// Revoke deletes token if present and invokes the cleanup callback.
// Reports whether a token was actually removed.
func (m *Manager) Revoke(token string) bool {
	m.mu.Lock()
	_, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
	}
	cb := m.cleanup
	m.mu.Unlock()

	if ok && cb != nil {
		cb(token)
	}
	return ok
}

// Attach sets a token's bound MCP session id. Idempotent in the sense
// that a repeat call simply overwrites — last write wins.
func (m *Manager) Attach(token, mcpSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[token]; ok {
		session.MCPSessionID = mcpSessionID
	}
}

// Stats reports total / active / expired counts.
func (m *Manager) Stats() Stats {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Total: len(m.sessions)}
	for _, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			stats.Expired++
		} else {
			stats.Active++
		}
	}
	return stats
}

// Shutdown cancels the sweeper, invokes the cleanup callback for every
// remaining token, and clears the map.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	tokens := make([]string, 0, len(m.sessions))
	for token := range m.sessions {
		tokens = append(tokens, token)
	}
	m.sessions = make(map[string]*Session)
	cb := m.cleanup
	m.mu.Unlock()

	if cb == nil {
		return
	}
	for _, token := range tokens {
		cb(token)
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for token, s := range m.sessions {
		if now.After(s.ExpiresAt) {
			expired = append(expired, token)
			delete(m.sessions, token)
		}
	}
	cb := m.cleanup
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	log.Debug().Int("count", len(expired)).Msg("swept expired tokens")
	if cb == nil {
		return
	}
	for _, token := range expired {
		cb(token)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
