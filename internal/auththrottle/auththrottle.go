// Package auththrottle is the per-client-IP failed-auth counter guarding
// POST /auth, distinct from internal/ratelimit in that only failures count
// and a success clears the entry outright.
package auththrottle

import (
	"sync"
	"time"
)

// Config is the throttle's tunable policy.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// DefaultConfig matches the 5-failures-per-minute default.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Window: time.Minute}
}

// Result is the outcome of recording a failed attempt.
type Result struct {
	Blocked          bool
	RetryAfterSeconds int
}

type attempt struct {
	count   int
	resetAt time.Time
}

// Throttle tracks failed authentication attempts keyed by client IP.
type Throttle struct {
	cfg Config

	mu       sync.Mutex
	attempts map[string]*attempt

	stopCh chan struct{}
	once   sync.Once
}

// New starts a throttle and its background sweep.
func New(cfg Config) *Throttle {
	t := &Throttle{
		cfg:      cfg,
		attempts: make(map[string]*attempt),
		stopCh:   make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Stop ends the background sweep. Safe to call more than once.
func (t *Throttle) Stop() {
	t.once.Do(func() { close(t.stopCh) })
}

// Allow reports whether ip is currently permitted to attempt auth, without
// recording anything.
func (t *Throttle) Allow(ip string) Result {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[ip]
	if !ok || now.After(a.resetAt) {
		return Result{Blocked: false}
	}
	if a.count < t.cfg.MaxAttempts {
		return Result{Blocked: false}
	}
	return Result{Blocked: true, RetryAfterSeconds: retryAfter(now, a.resetAt)}
}

// RecordFailure registers one failed attempt for ip, extending the window
// only if this is the first failure seen since the last reset.
func (t *Throttle) RecordFailure(ip string) Result {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[ip]
	if !ok || now.After(a.resetAt) {
		a = &attempt{count: 0, resetAt: now.Add(t.cfg.Window)}
		t.attempts[ip] = a
	}
	a.count++

	if a.count > t.cfg.MaxAttempts {
		return Result{Blocked: true, RetryAfterSeconds: retryAfter(now, a.resetAt)}
	}
	return Result{Blocked: false}
}

// RecordSuccess clears ip's entry; successful calls must never count
// toward the failure budget.
func (t *Throttle) RecordSuccess(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, ip)
}

func retryAfter(now, resetAt time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func (t *Throttle) sweepLoop() {
	ticker := time.NewTicker(t.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Throttle) sweep() {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, a := range t.attempts {
		if now.After(a.resetAt) {
			delete(t.attempts, ip)
		}
	}
}
