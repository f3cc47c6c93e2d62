// Package mcpsession is the MCP Session Manager (component E): owns the
// (transport, server, poolKey) triple for each live MCP connection,
// including idle eviction. Grounded on the teacher's ticker-based
// background sweep idiom (internal/jobs's cleanupRoutine).
package mcpsession

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	staleTimeout  = 30 * time.Minute
	sweepInterval = time.Minute
)

// Transport is the wire-level collaborator a session owns. Close must be
// safe to call at most once per session; the manager enforces the "at
// most once" part.
type Transport interface {
	Close() error
}

// CloseNotifier is an optional capability a Transport implements when it
// can be closed by something other than this manager. Create registers a
// hook so the manager still forgets the session exactly once in that case,
// instead of relying solely on the idle sweeper to notice later.
type CloseNotifier interface {
	OnClose(fn func())
}

// Server is the ProtocolServer collaborator a session owns.
type Server interface {
	Close() error
}

// Session is the spec's McpSession.
type Session struct {
	ID             string
	Server         Server
	Transport      Transport
	PoolKey        string
	CreatedAt      time.Time
	LastAccessedAt time.Time

	mu             sync.Mutex
	activeRequests int
	isClosing      bool
}

// Stats summarizes the manager's current population.
type Stats struct {
	Total int
	Stale int
}

// IDGenerator mints a random session id. New uses generateSessionID's
// crypto/rand source; NewWithIDGenerator lets a caller substitute it,
// which tests use to force Create to fail deterministically (spec.md §8
// scenario S2).
type IDGenerator func() (string, error)

// Manager is the MCP Session Manager.
type Manager struct {
	newID IDGenerator

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh chan struct{}
	once   sync.Once
}

// New creates a Manager and starts its idle-eviction sweeper.
func New() *Manager {
	return NewWithIDGenerator(generateSessionID)
}

// NewWithIDGenerator is New but with an overridable session-id generator.
func NewWithIDGenerator(gen IDGenerator) *Manager {
	m := &Manager{
		newID:    gen,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Create mints a random session id, registers the triple, and returns the
// new session. The caller has already constructed server/transport bound
// to poolKey. Fails only if minting the id fails; nothing has been
// registered in that case, so the caller's rollback is limited to the
// server and pool it already created.
func (m *Manager) Create(server Server, transport Transport, poolKey string) (*Session, error) {
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:             id,
		Server:         server,
		Transport:      transport,
		PoolKey:        poolKey,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	if notifier, ok := transport.(CloseNotifier); ok {
		notifier.OnClose(func() { m.Close(session.ID) })
	}

	return session, nil
}

// generateSessionID mints a UUIDv7 session id. uuid.NewV7 only fails if its
// underlying crypto/rand read fails; surfacing that instead of panicking
// (as uuid.Must would) keeps a starved entropy source a per-request 500
// rather than a process crash, per spec.md §7.
func generateSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Get returns the session for id, if it exists and is not closing, and
// touches its last-accessed time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.isClosing {
		return nil, false
	}
	session.LastAccessedAt = time.Now()
	return session, true
}

// Begin increments a session's in-flight request count.
func (m *Manager) Begin(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	session.activeRequests++
	session.mu.Unlock()
}

// End decrements a session's in-flight request count. It never goes
// below zero.
func (m *Manager) End(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	session.mu.Lock()
	if session.activeRequests > 0 {
		session.activeRequests--
	}
	session.mu.Unlock()
}

// Close closes a session's transport and server exactly once, then
// removes it. Returns false if the session was absent or already
// closing.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	session.mu.Lock()
	if session.isClosing {
		session.mu.Unlock()
		return false
	}
	session.isClosing = true
	session.mu.Unlock()

	if err := session.Transport.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("error closing transport")
	}
	if err := session.Server.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("error closing server")
	}
	return true
}

// CloseByPoolKey closes every session bound to key, used when a token
// dies.
func (m *Manager) CloseByPoolKey(key string) {
	m.mu.Lock()
	var ids []string
	for id, session := range m.sessions {
		if session.PoolKey == key {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

// Stats reports the total session count and how many exceed the stale
// threshold.
func (m *Manager) Stats() Stats {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Total: len(m.sessions)}
	for _, session := range m.sessions {
		session.mu.Lock()
		if now.Sub(session.LastAccessedAt) > staleTimeout {
			stats.Stale++
		}
		session.mu.Unlock()
	}
	return stats
}

// Shutdown cancels the sweeper, then closes every session.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Close(id)
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for id, session := range m.sessions {
		session.mu.Lock()
		idle := !session.isClosing && session.activeRequests == 0 && now.Sub(session.LastAccessedAt) > staleTimeout
		session.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.Close(id)
	}
	if len(stale) > 0 {
		log.Debug().Int("count", len(stale)).Msg("evicted idle MCP sessions")
	}
}
