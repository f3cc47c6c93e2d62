// Package poolregistry is the pool-key → database.Pool directory
// (component C). It owns the create-if-absent / close-exactly-once
// invariants spec.md places on the shared "global" pool and per-token
// pools alike.
package poolregistry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
)

// GlobalKey is the conventional pool key shared across sessions in the
// weaker auth modes.
const GlobalKey = "global"

// Opener builds a new pool for a given database config. Supplied by the
// caller so this package does not need to know how pools dial. An error
// here is always a synchronous, non-network failure (e.g. an invalid
// config) — Ensure must remain a non-suspending fast path per spec.md §5,
// so the opener itself must never block on I/O.
type Opener func(cfg database.Config) (database.Pool, error)

// Registry maps pool keys to pool handles, with a dedicated field for the
// "global" key so the hot path avoids a map lookup.
type Registry struct {
	open Opener

	mu     sync.RWMutex
	global database.Pool
	pools  map[string]database.Pool
}

// New creates an empty registry that builds pools via open.
func New(open Opener) *Registry {
	return &Registry{open: open, pools: make(map[string]database.Pool)}
}

// Ensure creates a pool for key if one does not already exist. A no-op if
// the pool is already present. If the opener fails, no entry is recorded
// and the caller is responsible for surfacing the error; nothing needs
// rolling back since Ensure itself never partially constructs a pool.
func (r *Registry) Ensure(key string, cfg database.Config) error {
	if key == GlobalKey {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.global != nil {
			return nil
		}
		pool, err := r.open(cfg)
		if err != nil {
			return err
		}
		r.global = pool
		return nil
	}

	r.mu.RLock()
	_, ok := r.pools[key]
	r.mu.RUnlock()
	if ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pools[key]; ok {
		return nil
	}
	pool, err := r.open(cfg)
	if err != nil {
		return err
	}
	r.pools[key] = pool
	return nil
}

// Get returns the pool for key, if any.
func (r *Registry) Get(key string) (database.Pool, bool) {
	if key == GlobalKey {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.global == nil {
			return nil, false
		}
		return r.global, true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[key]
	return p, ok
}

// Close closes and forgets the pool for key. Errors are logged; the entry
// is removed regardless so a broken pool is never retried forever. A
// missing key is a no-op, not an error.
func (r *Registry) Close(key string) {
	var p database.Pool

	if key == GlobalKey {
		r.mu.Lock()
		p = r.global
		r.global = nil
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		p = r.pools[key]
		delete(r.pools, key)
		r.mu.Unlock()
	}

	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		log.Warn().Err(err).Str("pool_key", key).Msg("error closing pool")
	}
}

// CloseAll closes every entry, ignoring individual failures.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]database.Pool)
	global := r.global
	r.global = nil
	r.mu.Unlock()

	if global != nil {
		if err := global.Close(); err != nil {
			log.Warn().Err(err).Str("pool_key", GlobalKey).Msg("error closing pool")
		}
	}
	for key, p := range pools {
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Str("pool_key", key).Msg("error closing pool")
		}
	}
}

// Test issues the collaborator's liveness probe against the pool for key.
func (r *Registry) Test(ctx context.Context, key string) bool {
	p, ok := r.Get(key)
	if !ok {
		return false
	}
	return p.Probe(ctx)
}

// Keys returns a snapshot of every registered pool key, including
// "global" if present. Used by GET /health.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.pools)+1)
	if r.global != nil {
		keys = append(keys, GlobalKey)
	}
	for k := range r.pools {
		keys = append(keys, k)
	}
	return keys
}
