package poolregistry

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
)

type fakePool struct {
	closed  int32
	probeOK bool
}

func (f *fakePool) Execute(ctx context.Context, sql string, params []interface{}) ([]database.Row, error) {
	return nil, nil
}
func (f *fakePool) Probe(ctx context.Context) bool { return f.probeOK }
func (f *fakePool) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func newCountingOpener() (Opener, *int32) {
	var count int32
	return func(cfg database.Config) (database.Pool, error) {
		atomic.AddInt32(&count, 1)
		return &fakePool{probeOK: true}, nil
	}, &count
}

func TestEnsureCreatesOnlyOnce(t *testing.T) {
	open, count := newCountingOpener()
	r := New(open)

	require.NoError(t, r.Ensure("tok1", database.Config{}))
	require.NoError(t, r.Ensure("tok1", database.Config{}))
	assert.EqualValues(t, 1, atomic.LoadInt32(count))
}

func TestEnsureGlobalUsesDedicatedField(t *testing.T) {
	open, count := newCountingOpener()
	r := New(open)

	require.NoError(t, r.Ensure(GlobalKey, database.Config{}))
	require.NoError(t, r.Ensure(GlobalKey, database.Config{}))
	assert.EqualValues(t, 1, atomic.LoadInt32(count))

	p, ok := r.Get(GlobalKey)
	require.True(t, ok)
	assert.NotNil(t, p)
}

func TestEnsurePropagatesOpenerFailureAndRecordsNothing(t *testing.T) {
	open := func(cfg database.Config) (database.Pool, error) {
		return nil, assert.AnError
	}
	r := New(open)

	err := r.Ensure("tok1", database.Config{})
	assert.ErrorIs(t, err, assert.AnError)

	_, ok := r.Get("tok1")
	assert.False(t, ok)
}

func TestCloseIsNoOpForMissingKey(t *testing.T) {
	open, _ := newCountingOpener()
	r := New(open)
	r.Close("does-not-exist")
}

func TestCloseRemovesEntryExactlyOnce(t *testing.T) {
	open, _ := newCountingOpener()
	r := New(open)

	require.NoError(t, r.Ensure("tok1", database.Config{}))
	p, ok := r.Get("tok1")
	require.True(t, ok)
	fp := p.(*fakePool)

	r.Close("tok1")
	assert.EqualValues(t, 1, atomic.LoadInt32(&fp.closed))

	_, ok = r.Get("tok1")
	assert.False(t, ok)

	r.Close("tok1") // no-op, must not double-close
	assert.EqualValues(t, 1, atomic.LoadInt32(&fp.closed))
}

func TestCloseAllClosesEverything(t *testing.T) {
	open, _ := newCountingOpener()
	r := New(open)

	require.NoError(t, r.Ensure(GlobalKey, database.Config{}))
	require.NoError(t, r.Ensure("tok1", database.Config{}))
	require.NoError(t, r.Ensure("tok2", database.Config{}))

	r.CloseAll()
	assert.Empty(t, r.Keys())
}

func TestTestProbesPool(t *testing.T) {
	open, _ := newCountingOpener()
	r := New(open)
	require.NoError(t, r.Ensure("tok1", database.Config{}))

	assert.True(t, r.Test(context.Background(), "tok1"))
	assert.False(t, r.Test(context.Background(), "missing"))
}
