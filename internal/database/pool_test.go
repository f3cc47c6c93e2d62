package database

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool() *DatabasePool {
	return OpenPool(
		Config{Host: "localhost", Port: 5432, Username: "user", Database: "testdb"},
		PoolOptions{MinConns: 1, MaxConns: 5, AcquireTimeout: 2 * time.Second},
		zerolog.Nop(),
	)
}

func TestPoolStatsReflectsInjectedConn(t *testing.T) {
	p := testPool()
	defer p.Close()

	client, server := net.Pipe()
	defer server.Close()
	p.injectTestConn(newPooledConn(client))

	stats := p.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 0, stats.Active)
}

func TestPoolAcquireReturnsIdleConn(t *testing.T) {
	p := testPool()
	defer p.Close()

	client, server := net.Pipe()
	defer server.Close()
	p.injectTestConn(newPooledConn(client))

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Active)

	p.release(pc, nil)
	assert.Equal(t, 1, p.Stats().Idle)
	assert.Equal(t, 0, p.Stats().Active)
}

func TestPoolReleaseClosesOnExecError(t *testing.T) {
	p := testPool()
	defer p.Close()

	client, server := net.Pipe()
	defer server.Close()
	p.injectTestConn(newPooledConn(client))

	pc, err := p.acquire(context.Background())
	require.NoError(t, err)

	p.release(pc, assert.AnError)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0, stats.Idle)
}

func TestPoolAcquireRespectsContextCancellation(t *testing.T) {
	p := OpenPool(
		Config{Host: "127.0.0.1", Port: 1, Username: "user", Database: "testdb"},
		PoolOptions{MaxConns: 0, AcquireTimeout: 5 * time.Second},
		zerolog.Nop(),
	)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestPoolExecuteAfterCloseFails(t *testing.T) {
	p := testPool()
	require.NoError(t, p.Close())

	_, err := p.Execute(context.Background(), "select 1", nil)
	assert.Error(t, err)
}

func TestPoolProbeFailsWhenUnreachable(t *testing.T) {
	p := OpenPool(
		Config{Host: "127.0.0.1", Port: 1, Username: "user", Database: "testdb"},
		PoolOptions{MaxConns: 1, AcquireTimeout: 200 * time.Millisecond, DialTimeout: 200 * time.Millisecond},
		zerolog.Nop(),
	)
	defer p.Close()

	assert.False(t, p.Probe(context.Background()))
}
