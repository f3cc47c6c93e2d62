package database

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// PoolStats mirrors the pack's pool.Stats idiom, reshaped for a single
// backend pool rather than a per-tenant map.
type PoolStats struct {
	Key       string `json:"key"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// PoolOptions configures a DatabasePool's sizing and timeouts. Unset fields
// take the package defaults.
type PoolOptions struct {
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration

	// OnBreakerTrip, if set, is invoked with the pool's key whenever its
	// circuit breaker transitions to the open state.
	OnBreakerTrip func(poolKey string)
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.MaxConns <= 0 {
		o.MaxConns = 10
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 30 * time.Minute
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	return o
}

// DatabasePool is the concrete implementation of the Pool contract spec.md
// §6 assigns to the Database collaborator: a connection pool to exactly one
// backend, reachable by executing statements over its raw wire protocol.
// Adapted from JeelKantaria-db-bouncer/internal/pool/pool.go's TenantPool,
// generalized from "one pool per tenant" to "one pool per pool key" (the
// key being either a token's own credentials or the shared "global" pool).
type DatabasePool struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg  Config
	opts PoolOptions
	log  zerolog.Logger

	idle    []*pooledConn
	active  map[*pooledConn]struct{}
	total   int
	waiting int

	exhausted int64
	closed    bool
	stopCh    chan struct{}

	breaker *gobreaker.CircuitBreaker
}

// OpenPool dials and authenticates nothing up front; connections are
// created lazily on first Execute/Probe, matching spec.md §4.D's "pools
// are created lazily on first use" note.
func OpenPool(cfg Config, opts PoolOptions, log zerolog.Logger) *DatabasePool {
	opts = opts.withDefaults()
	p := &DatabasePool{
		cfg:    cfg,
		opts:   opts,
		log:    log.With().Str("pool_key", cfg.Key()).Logger(),
		idle:   make([]*pooledConn, 0),
		active: make(map[*pooledConn]struct{}),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Key(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			if to == gobreaker.StateOpen && opts.OnBreakerTrip != nil {
				opts.OnBreakerTrip(name)
			}
		},
	})

	go p.reapLoop()
	return p
}

// Execute runs sql through the circuit breaker and an acquired connection,
// returning it to the pool afterward. Parameterized placeholders are not
// interpolated here — the SQL-dialect collaborator owns rewriting bind
// parameters into the backend's literal syntax before this is called.
func (p *DatabasePool) Execute(ctx context.Context, sql string, params []interface{}) ([]Row, error) {
	result, err := p.breaker.Execute(func() (interface{}, error) {
		pc, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}
		pc.markActive()
		rows, execErr := p.runOnConn(pc, sql)
		p.release(pc, execErr)
		return rows, execErr
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]Row), nil
}

func (p *DatabasePool) runOnConn(pc *pooledConn, sql string) ([]Row, error) {
	switch p.cfg.Driver() {
	case "mysql":
		return mysqlQuery(pc.conn, sql)
	default:
		return pgSimpleQuery(pc.conn, sql)
	}
}

// Probe acquires and releases a connection to verify the backend answers,
// per spec.md §4.G's /auth credential-check flow.
func (p *DatabasePool) Probe(ctx context.Context) bool {
	pc, err := p.acquire(ctx)
	if err != nil {
		return false
	}
	alive := pc.ping() == nil
	p.release(pc, nil)
	return alive
}

// Close drains and closes every connection. Safe to call more than once;
// calls after the first return nil without doing anything.
func (p *DatabasePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.drain()
	return nil
}

// Stats reports current pool occupancy, surfaced by GET /health.
func (p *DatabasePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Key:       p.cfg.Key(),
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.opts.MaxConns,
		MinConns:  p.opts.MinConns,
		Exhausted: p.exhausted,
	}
}

// injectTestConn adds a pre-built connection directly into the idle list,
// bypassing dial() and authentication. Test-only.
func (p *DatabasePool) injectTestConn(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.total++
	p.cond.Signal()
}

func (p *DatabasePool) acquire(ctx context.Context) (*pooledConn, error) {
	deadlineAt := time.Now().Add(p.opts.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pc.isExpired(p.opts.MaxLifetime) {
				pc.close()
				p.total--
				continue
			}
			if err := pc.ping(); err != nil {
				pc.close()
				p.total--
				continue
			}
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		if p.total < p.opts.MaxConns {
			p.total++
			p.mu.Unlock()

			pc, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to %s:%d: %w", p.cfg.Host, p.cfg.Port, err)
			}

			p.mu.Lock()
			p.active[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		p.waiting++
		p.exhausted++

		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): pool exhausted", p.opts.AcquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): pool exhausted", p.opts.AcquireTimeout)
		}
	}
}

func (p *DatabasePool) release(pc *pooledConn, execErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, pc)

	if p.closed || execErr != nil || pc.isExpired(p.opts.MaxLifetime) {
		pc.close()
		p.total--
		p.cond.Signal()
		return
	}

	pc.markIdle()
	p.idle = append(p.idle, pc)
	p.cond.Signal()
}

func (p *DatabasePool) dial(ctx context.Context) (*pooledConn, error) {
	addr := net.JoinHostPort(p.cfg.Host, fmt.Sprintf("%d", p.cfg.Port))
	dialer := net.Dialer{Timeout: p.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	switch p.cfg.Driver() {
	case "mysql":
		if err := mysqlAuthenticate(conn, p.cfg.Username, p.cfg.Password, p.cfg.Database); err != nil {
			conn.Close()
			return nil, fmt.Errorf("MySQL auth: %w", err)
		}
	default:
		params, err := pgAuthenticate(conn, p.cfg.Username, p.cfg.Password, p.cfg.Database)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("PostgreSQL auth: %w", err)
		}
		pc := newPooledConn(conn)
		pc.params = params
		return pc, nil
	}

	return newPooledConn(conn), nil
}

func (p *DatabasePool) drain() {
	p.mu.Lock()
	for _, pc := range p.idle {
		pc.close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	p.log.Info().Int("count", activeCount).Msg("draining active connections")
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for pc := range p.active {
				pc.close()
				p.total--
			}
			p.active = make(map[*pooledConn]struct{})
			p.mu.Unlock()
			p.log.Warn().Msg("force-closed active connections after drain timeout")
			return
		}
	}
}

func (p *DatabasePool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *DatabasePool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.opts.MinConns {
		return
	}

	kept := make([]*pooledConn, 0, len(p.idle))
	excess := len(p.idle) - p.opts.MinConns
	for i, pc := range p.idle {
		if i < excess && (pc.isIdleTooLong(p.opts.IdleTimeout) || pc.isExpired(p.opts.MaxLifetime)) {
			pc.close()
			p.total--
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
}
