package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arxiv-labs/dbmcp-gateway/internal/auththrottle"
	"github.com/arxiv-labs/dbmcp-gateway/internal/config"
	"github.com/arxiv-labs/dbmcp-gateway/internal/database"
	"github.com/arxiv-labs/dbmcp-gateway/internal/mcpsession"
	"github.com/arxiv-labs/dbmcp-gateway/internal/metrics"
	"github.com/arxiv-labs/dbmcp-gateway/internal/poolregistry"
	"github.com/arxiv-labs/dbmcp-gateway/internal/ratelimit"
	"github.com/arxiv-labs/dbmcp-gateway/internal/router"
	"github.com/arxiv-labs/dbmcp-gateway/internal/tokens"
)

type fakePool struct{ probeOK bool }

func (f *fakePool) Execute(ctx context.Context, sql string, params []interface{}) ([]database.Row, error) {
	return []database.Row{{"ok": true}}, nil
}
func (f *fakePool) Probe(ctx context.Context) bool { return f.probeOK }
func (f *fakePool) Close() error                   { return nil }

func newTestServer(t *testing.T, authMode config.AuthMode, corsOrigins []string) *Server {
	t.Helper()
	open := func(cfg database.Config) (database.Pool, error) { return &fakePool{probeOK: true}, nil }
	pools := poolregistry.New(open)
	tokensMgr := tokens.New(time.Hour, 10)
	sessions := mcpsession.New()
	limiter := ratelimit.New(ratelimit.Config{WindowMs: 60000, MaxRequests: 1000, Enabled: true})
	throttle := auththrottle.New(auththrottle.DefaultConfig())
	collector := metrics.New()

	t.Cleanup(func() {
		sessions.Shutdown()
		tokensMgr.Shutdown()
		pools.CloseAll()
		limiter.Stop()
		throttle.Stop()
	})

	cfg := &config.Config{
		AuthMode:          authMode,
		AuthToken:         "static-secret-token",
		SessionMode:       config.SessionStateful,
		CORSOrigins:       corsOrigins,
		HTTPHost:          "127.0.0.1",
		HTTPPort:          3000,
		Database:          database.Config{Host: "db.internal", Port: 5432},
		QueryDefaultLimit: 1000,
		QueryMaxLimit:     10000,
		RateLimitKeyMode:  config.RateLimitKeyDefault,
	}
	r := router.New(cfg, pools, tokensMgr, sessions)
	return NewServer(cfg, r, pools, tokensMgr, sessions, limiter, throttle, collector)
}

func TestHealthCheckIsOpen(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	resp, err := s.app.Test(httpRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestSecurityHeadersPresentOnEveryResponse(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	resp, err := s.app.Test(httpRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestCORSEmptyAllowListEmitsNoHeaders(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	req := httpRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSEchoesAllowedOrigin(t *testing.T) {
	s := newTestServer(t, config.AuthNone, []string{"https://good.example"})

	req := httpRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://good.example")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "https://good.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
}

func TestCORSRejectsUnlistedOrigin(t *testing.T) {
	s := newTestServer(t, config.AuthNone, []string{"https://good.example"})

	req := httpRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAuthEndpointReturns404OutsideRequiredMode(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	resp, err := s.app.Test(httpRequest(http.MethodPost, "/auth", bytes.NewBufferString(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthEndpointMintsTokenInRequiredMode(t *testing.T) {
	s := newTestServer(t, config.AuthRequired, nil)

	body := `{"username":"alice","password":"secret"}`
	req := httpRequest(http.MethodPost, "/auth", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.NotEmpty(t, parsed["access_token"])
	assert.Equal(t, "Bearer", parsed["token_type"])
}

func TestAuthEndpointRejectsMissingUsername(t *testing.T) {
	s := newTestServer(t, config.AuthRequired, nil)

	req := httpRequest(http.MethodPost, "/auth", bytes.NewBufferString(`{"password":"secret"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCPRequiresBearerInTokenMode(t *testing.T) {
	s := newTestServer(t, config.AuthToken, nil)

	req := httpRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMCPAcceptsValidStaticBearer(t *testing.T) {
	s := newTestServer(t, config.AuthToken, nil)

	req := httpRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer static-secret-token")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(sessionHeader))
}

func TestMCPNonInitializeWithoutSessionHeaderFails(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	req := httpRequest(http.MethodPost, "/mcp", bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMCPDeleteUnknownSessionReturns404(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	req := httpRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(sessionHeader, "does-not-exist")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	s := newTestServer(t, config.AuthNone, nil)

	resp, err := s.app.Test(httpRequest(http.MethodGet, "/openapi.json", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
}

func httpRequest(method, path string, body io.Reader) *http.Request {
	req, _ := http.NewRequest(method, path, body)
	return req
}
