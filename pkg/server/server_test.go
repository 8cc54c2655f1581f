// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpden/mcpden/pkg/auth"
	"github.com/mcpden/mcpden/pkg/config"
	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/dispatch"
	"github.com/mcpden/mcpden/pkg/fanout"
	"github.com/mcpden/mcpden/pkg/mcp"
	"github.com/mcpden/mcpden/pkg/modules"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/ratelimit"
	"github.com/mcpden/mcpden/pkg/records"
	"github.com/mcpden/mcpden/pkg/store"
)

const (
	testToken = "test-admin-token"
	testUser  = "admin"
)

type fakeMetaStore struct {
	mu           sync.Mutex
	functions    []map[string]any
	modules      map[string]map[string]any
	settings     map[string]map[string]any
	functionErrs int
}

func (s *fakeMetaStore) FunctionList(_ context.Context, _ partition.Key) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.functionErrs > 0 {
		s.functionErrs--
		return nil, fmt.Errorf("metadata store unreachable")
	}
	return s.functions, nil
}

func (s *fakeMetaStore) Module(_ context.Context, _ partition.Key, moduleName string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules[moduleName], nil
}

func (s *fakeMetaStore) Setting(_ context.Context, _ partition.Key, settingID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[settingID], nil
}

type fakeCallStore struct {
	mu   sync.Mutex
	rows map[string]map[string]any
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{rows: map[string]map[string]any{}}
}

func (s *fakeCallStore) GetFunctionCall(_ context.Context, _ partition.Key, callUUID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[callUUID]
	if !ok {
		return nil, fmt.Errorf("no call record %s", callUUID)
	}
	return row, nil
}

func (s *fakeCallStore) InsertUpdateFunctionCall(_ context.Context, _ partition.Key, variables map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	callUUID, _ := variables["mcpFunctionCallUuid"].(string)
	row, ok := s.rows[callUUID]
	if !ok {
		row = map[string]any{}
		s.rows[callUUID] = row
	}
	for k, v := range variables {
		row[k] = v
	}
	return row, nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}}
}

func (s *fakeBlobStore) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return body, nil
}

func (s *fakeBlobStore) Upload(_ context.Context, key string, body []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	return nil
}

func catalogue() []map[string]any {
	return []map[string]any{
		{
			"name": "echo", "description": "Echo a message", "mcpType": "tool",
			"moduleName": "echo_mod", "className": "EchoTool",
			"functionName": "echo", "returnType": "text",
			"data": map[string]any{"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"msg": map[string]any{"type": "string"}},
				"required":   []any{"msg"},
			}},
		},
		{
			"name": "city_guide", "description": "City guide", "mcpType": "resource",
			"moduleName": "echo_mod", "className": "EchoTool", "functionName": "read",
			"data": map[string]any{"uri": "guide://city"},
		},
		{
			"name": "trip_planner", "description": "Plan a trip", "mcpType": "prompt",
			"moduleName": "echo_mod", "className": "EchoTool", "functionName": "plan",
			"data": map[string]any{"arguments": []any{
				map[string]any{"name": "city", "description": "Destination", "required": true},
			}},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

type engineFixture struct {
	store  *fakeMetaStore
	cache  *configcache.Cache
	engine *dispatch.Engine
}

// newEngineFixture assembles a dispatch engine over in-memory stores with
// one echo tool, one resource and one prompt registered.
func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	metaStore := &fakeMetaStore{
		functions: catalogue(),
		modules: map[string]map[string]any{
			"echo_mod": {
				"moduleName":  "echo_mod",
				"packageName": "echo_pkg",
				"classes": []any{
					map[string]any{"class_name": "EchoTool", "setting_id": "s1"},
				},
			},
		},
		settings: map[string]map[string]any{
			"s1": {"api_key": "k"},
		},
	}

	registry := modules.NewRegistry()
	registry.Register("echo_pkg", "echo_mod", "EchoTool",
		func(_ *slog.Logger, _ map[string]any) (modules.Handler, error) {
			return modules.HandlerFunc(func(_ context.Context, _ string, args map[string]any) (any, error) {
				if msg, ok := args["msg"]; ok {
					return msg, nil
				}
				return "ok", nil
			}), nil
		})

	blobs := newFakeBlobStore()
	loader := modules.NewLoader(registry, blobs, t.TempDir(), t.TempDir(),
		modules.WithLoaderLogger(testLogger()))
	recorder := records.New(newFakeCallStore(), blobs, records.WithLogger(testLogger()))
	cache := configcache.New(metaStore, configcache.WithLogger(testLogger()))
	engine := dispatch.New(cache, loader, recorder, dispatch.WithLogger(testLogger()))

	return &engineFixture{store: metaStore, cache: cache, engine: engine}
}

type testServer struct {
	server *Server
	store  *fakeMetaStore
	cache  *configcache.Cache
	engine *dispatch.Engine
	fanout *fanout.Manager
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	return newTestServerWithMeta(t, nil, opts...)
}

func newTestServerWithMeta(t *testing.T, meta *store.Client, opts ...Option) *testServer {
	t.Helper()

	fx := newEngineFixture(t)
	processor := mcp.NewProcessor(fx.engine, mcp.WithLogger(testLogger()))
	manager := fanout.NewManager(fanout.WithLogger(testLogger()))

	verifier := auth.NewLocalVerifier("test-secret", "HS256", testToken, testUser)
	issuer := auth.NewIssuer(auth.IssuerConfig{
		Secret:           "test-secret",
		Algorithm:        "HS256",
		ExpMinutes:       15,
		AdminUsername:    testUser,
		AdminPassword:    "admin123",
		AdminStaticToken: testToken,
	}, auth.WithIssuerLogger(testLogger()))

	cfg := &config.Config{
		Transport:    config.TransportSSE,
		Host:         "127.0.0.1",
		Port:         8000,
		AuthProvider: config.ProviderLocal,
		JWTAlgorithm: "HS256",
	}

	opts = append(opts, WithLogger(testLogger()))
	srv, err := New(Deps{
		Config:    cfg,
		Verifier:  verifier,
		Issuer:    issuer,
		Cache:     fx.cache,
		Engine:    fx.engine,
		Processor: processor,
		Fanout:    manager,
		Meta:      meta,
	}, opts...)
	require.NoError(t, err)

	return &testServer{
		server: srv,
		store:  fx.store,
		cache:  fx.cache,
		engine: fx.engine,
		fanout: manager,
	}
}

// do runs one request through the router and returns the recorder.
func (ts *testServer) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func TestHealthIsPublic(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "sse_stats")
}

func TestMetricsIsPublic(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "timestamp")
	assert.Contains(t, body, "sse_manager")
	assert.Contains(t, body, "rate_limiting")
	assert.Contains(t, body, "mcp_cache")
}

func TestBearerAuthRequired(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	router := ts.server.Router()

	for _, target := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/svc"},
		{http.MethodPost, "/svc/mcp"},
		{http.MethodGet, "/svc/sse"},
		{http.MethodGet, "/me"},
		{http.MethodDelete, "/admin/cache"},
	} {
		req := httptest.NewRequest(target.method, target.path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", target.method, target.path)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.JSONEq(t, `{"detail":"Not authenticated"}`, rec.Body.String())
	}
}

func TestTokenMintAndMe(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	form := url.Values{"username": {testUser}, "password": {"admin123"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, testToken, body["access_token"])
	assert.Equal(t, "bearer", body["token_type"])

	me := ts.do(http.MethodGet, "/me", "", nil)
	require.Equal(t, http.StatusOK, me.Code)
	claims := decodeBody(t, me)
	assert.Equal(t, testUser, claims["username"])
}

func TestRPCToolsList(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/x/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "2.0", body["jsonrpc"])
	assert.Equal(t, float64(1), body["id"])

	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].(map[string]any)["name"])
}

func TestRPCToolCallText(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/x/mcp",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())

	content, err := json.Marshal(result["content"])
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"text","text":"hi","_meta":{}}]`, string(content))
}

func TestRPCMissingRequiredArgument(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/x/mcp",
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	rpcErr, ok := body["error"].(map[string]any)
	require.True(t, ok, "body: %s", rec.Body.String())
	assert.Equal(t, float64(-32603), rpcErr["code"])
	assert.Contains(t, rpcErr["data"], "Missing required argument: msg")
}

func TestRPCUnknownMethod(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/x/mcp", `{"jsonrpc":"2.0","id":4,"method":"bogus"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	rpcErr, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32601), rpcErr["code"])
	assert.Equal(t, "Method not found: bogus", rpcErr["message"])
}

func TestRPCMalformedEnvelope(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/x/mcp", `{"jsonrpc":`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["detail"], "malformed JSON-RPC envelope")
}

func TestInvalidEndpointID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/bad$id/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEndpointInfo(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/svc", "", map[string]string{partition.HeaderPartID: "alpha"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "mcpden", body["server"])
	assert.Equal(t, "svc#alpha", body["partition_key"])
	assert.Contains(t, body, "version")
	assert.Contains(t, body, "sse_stats")
	assert.Len(t, body["tools"], 1)
	assert.Len(t, body["resources"], 1)
	assert.Len(t, body["prompts"], 1)
}

func TestAdminCacheLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	status := decodeBody(t, ts.do(http.MethodGet, "/svc/admin/cache/status", "", nil))
	assert.Equal(t, false, status["cached"])

	// Any RPC warms the partition's view.
	ts.do(http.MethodPost, "/svc/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	status = decodeBody(t, ts.do(http.MethodGet, "/svc/admin/cache/status", "", nil))
	assert.Equal(t, true, status["cached"])

	refreshed := decodeBody(t, ts.do(http.MethodPost, "/svc/admin/cache/refresh", "", nil))
	assert.Equal(t, "refreshed", refreshed["status"])
	assert.Equal(t, float64(1), refreshed["tools"])

	cleared := decodeBody(t, ts.do(http.MethodDelete, "/svc/admin/cache", "", nil))
	assert.Equal(t, "cleared", cleared["status"])
	assert.False(t, ts.cache.Cached(partition.Key("svc")))

	// Purge-all drops every partition at once.
	ts.do(http.MethodPost, "/svc/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	ts.do(http.MethodPost, "/other/mcp", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, nil)
	purged := decodeBody(t, ts.do(http.MethodDelete, "/admin/cache", "", nil))
	assert.Equal(t, "cleared", purged["status"])
	assert.False(t, ts.cache.Cached(partition.Key("svc")))
	assert.False(t, ts.cache.Cached(partition.Key("other")))
}

func TestGraphQLPassthroughPurgesCache(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"insertUpdateMcpFunction":{"name":"echo"}}}`))
	}))
	defer upstream.Close()

	meta := store.NewClient(upstream.URL, store.WithLogger(testLogger()))
	ts := newTestServerWithMeta(t, meta)

	ts.do(http.MethodPost, "/svc/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.True(t, ts.cache.Cached(partition.Key("svc")))

	rec := ts.do(http.MethodPost, "/svc/mcp_core_graphql",
		`{"query":"mutation { insertUpdateMcpFunction(input: {name: \"echo\"}) { name } }"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "data")

	// A successful configuration mutation invalidates the partition.
	assert.False(t, ts.cache.Cached(partition.Key("svc")))
}

func TestGraphQLPassthroughUnconfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/svc/mcp_core_graphql", `{"query":"query { mcpFunctionList { name } }"}`, nil)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["detail"], "not configured")
}

func TestPostRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, WithPostLimiter(ratelimit.New(1, time.Minute)))

	first := ts.do(http.MethodPost, "/svc/mcp", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(http.MethodPost, "/svc/mcp", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"detail":"Rate limit exceeded"}`, second.Body.String())
}

func TestStreamRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, WithStreamLimiter(ratelimit.New(0, time.Minute)))

	rec := ts.do(http.MethodGet, "/svc/sse", "", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}
