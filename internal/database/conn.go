package database

import (
	"net"
	"sync"
	"time"
)

// connState mirrors the pack's pool.ConnState idiom.
type connState int

const (
	connIdle connState = iota
	connActive
	connClosed
)

// pooledConn wraps a raw network connection with pooling metadata, adapted
// from JeelKantaria-db-bouncer/internal/pool/conn.go's PooledConn.
type pooledConn struct {
	mu        sync.Mutex
	conn      net.Conn
	state     connState
	createdAt time.Time
	lastUsed  time.Time
	params    map[string]string // PG ParameterStatus, if applicable
}

func newPooledConn(conn net.Conn) *pooledConn {
	now := time.Now()
	return &pooledConn{conn: conn, state: connIdle, createdAt: now, lastUsed: now}
}

func (pc *pooledConn) markActive() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = connActive
	pc.lastUsed = time.Now()
}

func (pc *pooledConn) markIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.state = connIdle
	pc.lastUsed = time.Now()
}

func (pc *pooledConn) isIdleTooLong(timeout time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if timeout <= 0 {
		return false
	}
	return pc.state == connIdle && time.Since(pc.lastUsed) > timeout
}

func (pc *pooledConn) isExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pc.createdAt) > maxLifetime
}

func (pc *pooledConn) close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.state == connClosed {
		return nil
	}
	pc.state = connClosed
	return pc.conn.Close()
}

// ping performs a lightweight liveness check: a 1-byte read with a short
// deadline. A timeout means the connection is alive with nothing pending.
func (pc *pooledConn) ping() error {
	_ = pc.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := pc.conn.Read(buf)
	_ = pc.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}
