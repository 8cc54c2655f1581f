// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpden/mcpden/pkg/fanout"
)

type sseEvent struct {
	name string
	data string
}

// readEvent consumes one SSE frame. Unnamed frames come back with an empty
// name; the blank line terminates the frame once data has been seen.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case line == "" && ev.data != "":
			return ev
		}
	}
}

func decodeEnvelope(t *testing.T, ev sseEvent) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(ev.data), &payload), "data: %s", ev.data)
	return payload
}

// openStream connects to the endpoint's SSE route and consumes the handshake.
func openStream(t *testing.T, baseURL, endpoint, lastEventID string) (*bufio.Reader, func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/"+endpoint+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	connected := readEvent(t, reader)
	require.Equal(t, "connected", connected.name)
	handshake := decodeEnvelope(t, connected)
	assert.Contains(t, handshake, "client_id")

	return reader, func() {
		cancel()
		_ = resp.Body.Close()
	}
}

func TestStreamDeliversActivity(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.server.Router())
	defer httpSrv.Close()

	reader, closeStream := openStream(t, httpSrv.URL, "x", "")
	defer closeStream()

	// A fresh connection is seeded with an initialize-shaped activity frame.
	seed := decodeEnvelope(t, readEvent(t, reader))
	assert.Equal(t, "mcp_activity", seed["type"])
	assert.Equal(t, "initialize", seed["method"])
	seedID, ok := seed["id"].(float64)
	require.True(t, ok, "seed envelope missing id: %v", seed)

	req, err := http.NewRequest(http.MethodPost, httpSrv.URL+"/x/sse",
		strings.NewReader(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
	require.Contains(t, rpc, "result")

	activity := decodeEnvelope(t, readEvent(t, reader))
	assert.Equal(t, "mcp_activity", activity["type"])
	assert.Equal(t, "tools/list", activity["method"])
	assert.Contains(t, activity, "request")
	assert.Contains(t, activity, "response")
	assert.Greater(t, activity["id"].(float64), seedID)
}

func TestStreamReplaysMissedEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.server.Router())
	defer httpSrv.Close()

	// History accrues even with no connected clients.
	for i := 1; i <= 5; i++ {
		ts.fanout.Broadcast(map[string]any{
			"type": "mcp_activity", "method": "tools/list", "seq": i,
		})
	}

	reader, closeStream := openStream(t, httpSrv.URL, "x", "2")
	defer closeStream()

	var ids []int64
	for i := 0; i < 3; i++ {
		env := decodeEnvelope(t, readEvent(t, reader))
		ids = append(ids, int64(env["id"].(float64)))
	}
	assert.Equal(t, []int64{3, 4, 5}, ids)

	// Live delivery resumes after the replay without duplicating it.
	ts.fanout.Broadcast(map[string]any{"type": "mcp_activity", "method": "tools/list", "seq": 6})
	env := decodeEnvelope(t, readEvent(t, reader))
	assert.Equal(t, int64(6), int64(env["id"].(float64)))
}

func TestStreamRejectsInvalidEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(http.MethodGet, "/bad$id/sse", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteEventFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, writeEvent(&buf, "connected", map[string]any{"client_id": int64(1)}))
	assert.Equal(t, "event: connected\ndata: {\"client_id\":1}\n\n", buf.String())
}

func TestWriteDataFraming(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	env := fanout.Envelope{ID: 42, Payload: map[string]any{"type": "mcp_activity"}}
	require.NoError(t, writeData(&buf, env))

	raw, ok := strings.CutPrefix(buf.String(), "data: ")
	require.True(t, ok, "frame: %q", buf.String())
	raw = strings.TrimSuffix(raw, "\n\n")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	assert.Equal(t, float64(42), payload["id"])
	assert.Equal(t, "mcp_activity", payload["type"])
}

func TestLastEventID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   int64
	}{
		{"", 0},
		{"42", 42},
		{"not-a-number", 0},
		{"-7", 0},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/x/sse", nil)
		if tc.header != "" {
			req.Header.Set("Last-Event-ID", tc.header)
		}
		assert.Equal(t, tc.want, lastEventID(req), "header %q", tc.header)
	}
}
