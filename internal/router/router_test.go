package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpsession"
	"github.com/arxiv-labs/dbmcp-gateway/internal/poolregistry"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
	"github.com/arxiv-labs/dbmcp-gateway/pkg/jsonrpc"
)

type fakePool struct {
	closed  int32
	probeOK bool
}

func (f *fakePool) Execute(ctx context.Context, sql string, params []interface{}) ([]database.Row, error) {
	return []database.Row{{"ok": true}}, nil
}
func (f *fakePool) Probe(ctx context.Context) bool { return f.probeOK }
func (f *fakePool) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func newTestRouter(t *testing.T, mode config.SessionMode, authMode config.AuthMode) (*Router, *poolregistry.Registry, *tokens.Manager, *mcpsession.Manager) {
	t.Helper()
	open := func(cfg database.Config) (database.Pool, error) { return &fakePool{probeOK: true}, nil }
	pools := poolregistry.New(open)
	tokensMgr := tokens.New(time.Hour, 10)
	sessions := mcpsession.New()
	t.Cleanup(func() {
		sessions.Shutdown()
		tokensMgr.Shutdown()
		pools.CloseAll()
	})

	cfg := &config.Config{
		SessionMode:       mode,
		AuthMode:          authMode,
		Database:          database.Config{Host: "db.internal", Port: 5432},
		QueryDefaultLimit: 1000,
		QueryMaxLimit:     10000,
	}
	return New(cfg, pools, tokensMgr, sessions), pools, tokensMgr, sessions
}

func initializeRequest() *jsonrpc.Request {
	return &jsonrpc.Request{JSONRPC: "2.0", ID: float64(1), Method: "initialize"}
}

func TestStatefulInitializeCreatesSession(t *testing.T) {
	r, pools, _, sessions := newTestRouter(t, config.SessionStateful, config.AuthNone)

	resp, sessionID, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Nil(t, resp.Error)

	_, ok := sessions.Get(sessionID)
	assert.True(t, ok)

	_, ok = pools.Get(poolregistry.GlobalKey)
	assert.True(t, ok)
}

func TestStatefulNonInitializeWithoutSessionIDFails(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, _, err := r.HandlePost(context.Background(), Identity{}, "", &jsonrpc.Request{Method: "tools/list"})
	assert.ErrorIs(t, err, ErrSessionIDRequired)
}

func TestStatefulUnknownSessionIDFails(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, _, err := r.HandlePost(context.Background(), Identity{}, "does-not-exist", &jsonrpc.Request{Method: "tools/list"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStatefulDispatchesToExistingSession(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, sessionID, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)

	resp, gotID, err := r.HandlePost(context.Background(), Identity{}, sessionID, &jsonrpc.Request{Method: "tools/list"})
	require.NoError(t, err)
	assert.Equal(t, sessionID, gotID)
	assert.Nil(t, resp.Error)
}

func TestStatelessPostClosesServerAndTransportButNotPool(t *testing.T) {
	r, pools, _, _ := newTestRouter(t, config.SessionStateless, config.AuthNone)

	resp, sessionID, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)
	assert.Empty(t, sessionID)
	assert.Nil(t, resp.Error)

	p, ok := pools.Get(poolregistry.GlobalKey)
	require.True(t, ok)
	fp := p.(*fakePool)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fp.closed))
}

func TestRequiredModeResolvesTokenPoolKey(t *testing.T) {
	r, pools, _, _ := newTestRouter(t, config.SessionStateful, config.AuthRequired)

	identity := Identity{
		TokenSession: &tokens.Session{Token: "tok-abc", Config: database.Config{Host: "tenant-db"}},
		Token:        "tok-abc",
	}
	_, sessionID, err := r.HandlePost(context.Background(), identity, "", initializeRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	_, ok := pools.Get("tok-abc")
	assert.True(t, ok)
}

// TestInitializeFailureLeavesGlobalPoolOpen exercises spec.md §8 scenario
// S2: force the second SessionManager.create to fail and confirm the first
// session survives and the shared pool it depends on is untouched.
func TestInitializeFailureLeavesGlobalPoolOpen(t *testing.T) {
	open := func(cfg database.Config) (database.Pool, error) { return &fakePool{probeOK: true}, nil }
	pools := poolregistry.New(open)
	tokensMgr := tokens.New(time.Hour, 10)

	var calls int32
	sessions := mcpsession.NewWithIDGenerator(func() (string, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			return "", errors.New("injected id generator failure")
		}
		return "fixed-session-id", nil
	})
	t.Cleanup(func() {
		sessions.Shutdown()
		tokensMgr.Shutdown()
		pools.CloseAll()
	})

	cfg := &config.Config{
		SessionMode:       config.SessionStateful,
		AuthMode:          config.AuthNone,
		Database:          database.Config{Host: "db.internal", Port: 5432},
		QueryDefaultLimit: 1000,
		QueryMaxLimit:     10000,
	}
	r := New(cfg, pools, tokensMgr, sessions)

	resp1, sessionID1, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)
	require.NotEmpty(t, sessionID1)
	assert.Nil(t, resp1.Error)

	_, _, err = r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.Error(t, err)

	p, ok := pools.Get(poolregistry.GlobalKey)
	require.True(t, ok, "global pool must survive the second initialize's failed cleanup")
	fp := p.(*fakePool)
	assert.EqualValues(t, 0, atomic.LoadInt32(&fp.closed))

	_, gotID, dispatchErr := r.HandlePost(context.Background(), Identity{}, sessionID1, &jsonrpc.Request{Method: "tools/list"})
	require.NoError(t, dispatchErr)
	assert.Equal(t, sessionID1, gotID)
}

func TestHandleDeleteClosesSession(t *testing.T) {
	r, _, _, sessions := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, sessionID, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)

	require.NoError(t, r.HandleDelete(sessionID))
	_, ok := sessions.Get(sessionID)
	assert.False(t, ok)

	assert.ErrorIs(t, r.HandleDelete(sessionID), ErrSessionNotFound)
}

func TestHandleGetStreamRejectedInStatelessMode(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateless, config.AuthNone)

	_, _, _, err := r.HandleGetStream("anything")
	assert.ErrorIs(t, err, ErrStatelessGet)
}

func TestHandleGetStreamRequiresSessionHeader(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, _, _, err := r.HandleGetStream("")
	assert.ErrorIs(t, err, ErrMissingSessionHeader)
}

func TestHandleGetStreamSubscribes(t *testing.T) {
	r, _, _, _ := newTestRouter(t, config.SessionStateful, config.AuthNone)

	_, sessionID, err := r.HandlePost(context.Background(), Identity{}, "", initializeRequest())
	require.NoError(t, err)

	session, ch, unsubscribe, err := r.HandleGetStream(sessionID)
	require.NoError(t, err)
	assert.Equal(t, sessionID, session.ID)
	defer unsubscribe()

	_, _, err = r.HandlePost(context.Background(), Identity{}, sessionID, &jsonrpc.Request{Method: "tools/list"})
	require.NoError(t, err)

	select {
	case resp := <-ch:
		assert.NotNil(t, resp)
	case <-time.After(time.Second):
		t.Fatal("expected a streamed response")
	}
}

func TestProbeCredentialsClosesTransientPool(t *testing.T) {
	open := func(cfg database.Config) (database.Pool, error) { return &fakePool{probeOK: true}, nil }
	pools := poolregistry.New(open)
	defer pools.CloseAll()

	ok := ProbeCredentials(context.Background(), pools, database.Config{Host: "db"})
	assert.True(t, ok)
	assert.Empty(t, pools.Keys())
}
