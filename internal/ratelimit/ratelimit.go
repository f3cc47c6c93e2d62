// Package ratelimit implements the fixed-window request counter used to
// throttle the HTTP surface. Grounded on the teacher's mutex-protected map
// plus background-ticker idiom (see internal/jobs's cleanupRoutine in the
// reference repo this module was adapted from).
package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config is the limiter's tunable policy. Zero-value Enabled means
// disabled; callers should set it explicitly.
type Config struct {
	WindowMs    int
	MaxRequests int
	Enabled     bool
}

// DefaultConfig matches the 15-minute / 100-request default.
func DefaultConfig() Config {
	return Config{WindowMs: 15 * 60 * 1000, MaxRequests: 100, Enabled: true}
}

// Result is the outcome of a check or peek.
type Result struct {
	Allowed           bool
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
	Limit             int
	WindowMs          int
}

type window struct {
	count       int
	windowStart time.Time
}

// Limiter is a keyed fixed-window rate limiter with a background sweep.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window

	stopCh chan struct{}
	once   sync.Once
}

// New starts a limiter and its sweep goroutine. Stop must be called to
// release the goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		windows: make(map[string]*window),
		stopCh:  make(chan struct{}),
	}
	if cfg.Enabled && cfg.WindowMs > 0 {
		go l.sweepLoop()
	}
	return l
}

// Stop ends the background sweep. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stopCh) })
}

// Check records one request against key and reports whether it's allowed.
func (l *Limiter) Check(key string) Result {
	if !l.cfg.Enabled {
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests, Limit: l.cfg.MaxRequests, WindowMs: l.cfg.WindowMs}
	}

	now := time.Now()
	windowDur := time.Duration(l.cfg.WindowMs) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) >= windowDur {
		w = &window{count: 0, windowStart: now}
		l.windows[key] = w
	}

	resetAt := w.windowStart.Add(windowDur)

	if w.count < l.cfg.MaxRequests {
		w.count++
		return Result{
			Allowed:   true,
			Remaining: l.cfg.MaxRequests - w.count,
			ResetAt:   resetAt,
			Limit:     l.cfg.MaxRequests,
			WindowMs:  l.cfg.WindowMs,
		}
	}

	return Result{
		Allowed:           false,
		Remaining:         0,
		ResetAt:           resetAt,
		RetryAfterSeconds: int(math.Ceil(time.Until(resetAt).Seconds())),
		Limit:             l.cfg.MaxRequests,
		WindowMs:          l.cfg.WindowMs,
	}
}

// Peek reports the current state for key without consuming a request.
func (l *Limiter) Peek(key string) Result {
	if !l.cfg.Enabled {
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests, Limit: l.cfg.MaxRequests, WindowMs: l.cfg.WindowMs}
	}

	now := time.Now()
	windowDur := time.Duration(l.cfg.WindowMs) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.windowStart) >= windowDur {
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests, Limit: l.cfg.MaxRequests, WindowMs: l.cfg.WindowMs}
	}

	resetAt := w.windowStart.Add(windowDur)
	if w.count < l.cfg.MaxRequests {
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests - w.count, ResetAt: resetAt, Limit: l.cfg.MaxRequests, WindowMs: l.cfg.WindowMs}
	}
	return Result{
		Allowed:           false,
		Remaining:         0,
		ResetAt:           resetAt,
		RetryAfterSeconds: int(math.Ceil(time.Until(resetAt).Seconds())),
		Limit:             l.cfg.MaxRequests,
		WindowMs:          l.cfg.WindowMs,
	}
}

// Reset clears key's window.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// ResetAll clears every window.
func (l *Limiter) ResetAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

func (l *Limiter) sweepLoop() {
	interval := time.Duration(l.cfg.WindowMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Limiter) sweep() {
	windowDur := time.Duration(l.cfg.WindowMs) * time.Millisecond
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.windowStart) >= windowDur {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("rate limiter swept expired windows")
	}
}
