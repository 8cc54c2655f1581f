// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/modules"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/records"
)

const testKey = partition.Key("svc#alpha")

type fakeMetaStore struct {
	mu            sync.Mutex
	functions     []map[string]any
	modules       map[string]map[string]any
	settings      map[string]map[string]any
	functionErrs  int
	functionCalls int
}

func (s *fakeMetaStore) FunctionList(_ context.Context, _ partition.Key) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionCalls++
	if s.functionErrs > 0 {
		s.functionErrs--
		return nil, errors.NewUpstreamFailureError("metadata store unreachable", nil)
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

// fakeCallStore keeps call records in memory, merging upserts so status
// transitions are observable.
type fakeCallStore struct {
	mu      sync.Mutex
	rows    map[string]map[string]any
	upserts []map[string]any
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{rows: map[string]map[string]any{}}
}

func (s *fakeCallStore) GetFunctionCall(_ context.Context, _ partition.Key, callUUID string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[callUUID]
	if !ok {
		return nil, errors.NewUpstreamSemanticError(fmt.Sprintf("no call record %s", callUUID), nil)
	}
	return copyRow(row), nil
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
	s.upserts = append(s.upserts, copyRow(variables))
	return copyRow(row), nil
}

func (s *fakeCallStore) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.upserts))
	for _, u := range s.upserts {
		if status, ok := u["status"].(string); ok {
			out = append(out, status)
		}
	}
	return out
}

func (s *fakeCallStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
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

type handlerCall struct {
	function string
	args     map[string]any
}

// scriptedHandler is a canned module handler. When block is set, Call
// waits for the channel to close before returning.
type scriptedHandler struct {
	mu           sync.Mutex
	result       any
	err          error
	block        chan struct{}
	calls        []handlerCall
	setting      map[string]any
	partitionKey string
}

func (h *scriptedHandler) Call(_ context.Context, function string, args map[string]any) (any, error) {
	h.mu.Lock()
	h.calls = append(h.calls, handlerCall{function: function, args: args})
	block := h.block
	h.mu.Unlock()

	if block != nil {
		<-block
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *scriptedHandler) SetPartitionKey(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitionKey = key
}

func (h *scriptedHandler) lastCall() (handlerCall, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.calls) == 0 {
		return handlerCall{}, false
	}
	return h.calls[len(h.calls)-1], true
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
			"name": "slow", "description": "Run in the background", "mcpType": "tool",
			"moduleName": "echo_mod", "className": "EchoTool",
			"functionName": "slow", "returnType": "text", "isAsync": true,
			"data": map[string]any{"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{},
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

type testEngine struct {
	engine  *Engine
	store   *fakeMetaStore
	calls   *fakeCallStore
	handler *scriptedHandler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()

	store := &fakeMetaStore{
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

	handler := &scriptedHandler{result: "hi"}
	registry := modules.NewRegistry()
	registry.Register("echo_pkg", "echo_mod", "EchoTool",
		func(_ *slog.Logger, setting map[string]any) (modules.Handler, error) {
			handler.mu.Lock()
			handler.setting = setting
			handler.mu.Unlock()
			return handler, nil
		})

	blobs := newFakeBlobStore()
	loader := modules.NewLoader(registry, blobs, t.TempDir(), t.TempDir(),
		modules.WithLoaderLogger(testLogger()))
	calls := newFakeCallStore()
	recorder := records.New(calls, blobs, records.WithLogger(testLogger()))
	cache := configcache.New(store, configcache.WithLogger(testLogger()))

	opts = append(opts, WithLogger(testLogger()))
	return &testEngine{
		engine:  New(cache, loader, recorder, opts...),
		store:   store,
		calls:   calls,
		handler: handler,
	}
}

func TestCallToolText(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	content, err := te.engine.CallTool(context.Background(), testKey, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)

	require.Len(t, content, 1)
	text, ok := content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Text)

	// The record is created as initial and completed with content and
	// timing.
	require.Equal(t, 2, te.calls.count())
	assert.Equal(t, []string{records.StatusInitial, records.StatusCompleted}, te.calls.statuses())
	final := te.calls.upserts[1]
	assert.Equal(t, "hi", final["content"])
	assert.Contains(t, final, "timeSpent")
	assert.Equal(t, records.UpdatedBy, final["updatedBy"])

	call, ok := te.handler.lastCall()
	require.True(t, ok)
	assert.Equal(t, "echo", call.function)
	assert.Equal(t, map[string]any{"api_key": "k"}, te.handler.setting)
	assert.Equal(t, testKey.String(), te.handler.partitionKey)
}

func TestCallToolMapResultSerialisesAsJSON(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.handler.result = map[string]any{"temp": float64(21)}

	content, err := te.engine.CallTool(context.Background(), testKey, "echo", map[string]any{"msg": "x"})
	require.NoError(t, err)

	text := content[0].(mcp.TextContent)
	assert.JSONEq(t, `{"temp": 21}`, text.Text)
}

func TestCallToolMissingRequired(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.engine.CallTool(context.Background(), testKey, "echo", map[string]any{})

	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "Missing required argument: msg")

	// Validation failures never touch the call record store.
	assert.Zero(t, te.calls.count())
}

func TestCallToolUnknown(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.engine.CallTool(context.Background(), testKey, "nope", map[string]any{})

	require.Error(t, err)
	assert.True(t, errors.IsUnknownTool(err))
}

func TestCallToolHandlerFailureMarksRecordFailed(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.handler.err = fmt.Errorf("upstream exploded")

	_, err := te.engine.CallTool(context.Background(), testKey, "echo", map[string]any{"msg": "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream exploded")

	require.Equal(t, 2, te.calls.count())
	assert.Equal(t, []string{records.StatusInitial, records.StatusFailed}, te.calls.statuses())
	assert.Contains(t, te.calls.upserts[1]["notes"], "upstream exploded")
}

func TestCallToolRetriesViewFetch(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.store.mu.Lock()
	te.store.functionErrs = 1
	te.store.mu.Unlock()

	content, err := te.engine.CallTool(context.Background(), testKey, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	require.Len(t, content, 1)

	te.store.mu.Lock()
	defer te.store.mu.Unlock()
	assert.Equal(t, 2, te.store.functionCalls)
}

func TestCallToolDefaultPartitionSkipsRecords(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.engine.cache.Preload(partition.DefaultKey, &configcache.View{
		Tools: []map[string]any{{"name": "echo", "description": "Echo"}},
		ModuleLinks: []configcache.Link{{
			Type: "tool", Name: "echo", ModuleName: "echo_mod", ClassName: "EchoTool",
			FunctionName: "echo", ReturnType: "text",
		}},
		Modules: []configcache.ModuleInfo{{
			ModuleName: "echo_mod", PackageName: "echo_pkg", ClassName: "EchoTool",
			Setting: map[string]any{},
		}},
	})

	content, err := te.engine.CallTool(context.Background(), partition.DefaultKey, "echo", map[string]any{"msg": "hi"})
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Zero(t, te.calls.count())
}

func TestListTools(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	tools, err := te.engine.ListTools(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "echo", tools[0]["name"])
	assert.Equal(t, "slow", tools[1]["name"])
}

func TestReadResource(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.handler.result = "pack a raincoat"

	contents, err := te.engine.ReadResource(context.Background(), testKey, "guide://city")
	require.NoError(t, err)
	assert.Equal(t, "guide://city", contents.URI)
	assert.Equal(t, "text/plain", contents.MIMEType)
	assert.Equal(t, "pack a raincoat", contents.Text)

	call, ok := te.handler.lastCall()
	require.True(t, ok)
	assert.Equal(t, "read", call.function)
	assert.Equal(t, map[string]any{"uri": "guide://city"}, call.args)

	// The record carries the resource name, not the URI.
	require.NotZero(t, te.calls.count())
	assert.Equal(t, "city_guide", te.calls.upserts[0]["name"])
	assert.Equal(t, "resource", te.calls.upserts[0]["mcpType"])
}

func TestReadResourceUnknown(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.engine.ReadResource(context.Background(), testKey, "guide://nowhere")

	require.Error(t, err)
	assert.True(t, errors.IsUnknownResource(err))
}

func TestGetPrompt(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	te.handler.result = "Plan 3 days in Osaka"

	result, err := te.engine.GetPrompt(context.Background(), testKey, "trip_planner", map[string]any{"city": "Osaka"})
	require.NoError(t, err)
	assert.Equal(t, "Plan a trip", result.Description)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "user", string(result.Messages[0].Role))
	text := result.Messages[0].Content.(mcp.TextContent)
	assert.Equal(t, "Plan 3 days in Osaka", text.Text)

	// The handler sees the prompt name and partition key merged into the
	// arguments; the record keeps the caller's arguments only.
	call, ok := te.handler.lastCall()
	require.True(t, ok)
	assert.Equal(t, "plan", call.function)
	assert.Equal(t, "trip_planner", call.args["name"])
	assert.Equal(t, testKey.String(), call.args["partition_key"])
	assert.Equal(t, "Osaka", call.args["city"])

	recorded, ok := te.calls.upserts[0]["arguments"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, recorded, "partition_key")
}

func TestGetPromptMissingRequired(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.engine.GetPrompt(context.Background(), testKey, "trip_planner", map[string]any{})

	require.Error(t, err)
	assert.True(t, errors.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "Missing required argument city")
}

func TestGetPromptUnknown(t *testing.T) {
	t.Parallel()

	te := newTestEngine(t)
	_, err := te.engine.GetPrompt(context.Background(), testKey, "nope", nil)

	require.Error(t, err)
	assert.True(t, errors.IsUnknownPrompt(err))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("text from string", func(t *testing.T) {
		t.Parallel()
		content, err := classify("text", "hello", "u1")
		require.NoError(t, err)
		assert.Equal(t, "hello", content[0].(mcp.TextContent).Text)
	})

	t.Run("text from map", func(t *testing.T) {
		t.Parallel()
		content, err := classify("text", map[string]any{"a": float64(1)}, "u1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a": 1}`, content[0].(mcp.TextContent).Text)
	})

	t.Run("image from map", func(t *testing.T) {
		t.Parallel()
		content, err := classify("image", map[string]any{"data": "aWNvbg==", "mimeType": "image/jpeg"}, "u1")
		require.NoError(t, err)
		img := content[0].(mcp.ImageContent)
		assert.Equal(t, "aWNvbg==", img.Data)
		assert.Equal(t, "image/jpeg", img.MIMEType)
	})

	t.Run("image from string defaults to png", func(t *testing.T) {
		t.Parallel()
		content, err := classify("image", "aWNvbg==", "u1")
		require.NoError(t, err)
		assert.Equal(t, "image/png", content[0].(mcp.ImageContent).MIMEType)
	})

	t.Run("image rejects other types", func(t *testing.T) {
		t.Parallel()
		_, err := classify("image", 42, "u1")
		require.Error(t, err)
	})

	t.Run("embedded resource infers json", func(t *testing.T) {
		t.Parallel()
		content, err := classify("embedded_resource", map[string]any{"ok": true}, "u1")
		require.NoError(t, err)
		res := content[0].(mcp.EmbeddedResource).Resource.(mcp.TextResourceContents)
		assert.Equal(t, "mcp://function-call/u1", res.URI)
		assert.Equal(t, "application/json", res.MIMEType)
		assert.JSONEq(t, `{"ok": true}`, res.Text)
	})

	t.Run("embedded resource honours supplied fields", func(t *testing.T) {
		t.Parallel()
		content, err := classify("embedded_resource", map[string]any{
			"text": "plain words", "mimeType": "text/markdown", "uri": "note://1",
		}, "u1")
		require.NoError(t, err)
		res := content[0].(mcp.EmbeddedResource).Resource.(mcp.TextResourceContents)
		assert.Equal(t, "note://1", res.URI)
		assert.Equal(t, "text/markdown", res.MIMEType)
		assert.Equal(t, "plain words", res.Text)
	})

	t.Run("invalid return type", func(t *testing.T) {
		t.Parallel()
		_, err := classify("hologram", "x", "u1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid return type hologram")
	})
}
