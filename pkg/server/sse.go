// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mcpden/mcpden/pkg/fanout"
	"github.com/mcpden/mcpden/pkg/mcp"
)

// heartbeatInterval is how long a stream may stay idle before the writer
// emits a keep-alive event.
const heartbeatInterval = 15 * time.Second

// stream implements GET /{endpoint}/sse. The writer emits a connected
// handshake, replays history after the client's Last-Event-ID, then
// relays queued envelopes with idle heartbeats until the client goes
// away or the manager closes the queue. The client is always removed
// from the manager on exit.
func (h *endpointRoutes) stream(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.partitionKey(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	user := username(r.Context())
	lastID := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientID, queue := h.fanout.AddClient(user)
	defer h.fanout.RemoveClient(clientID, user)

	if err := writeEvent(w, "connected", map[string]any{
		"client_id": clientID,
		"timestamp": utcNow(),
	}); err != nil {
		return
	}
	flusher.Flush()

	// Replay missed history before relaying anything new. Envelopes that
	// were enqueued while the replay snapshot was taken show up in both
	// places; the relay loop drops the duplicates by id.
	var lastReplayed int64
	if lastID > 0 {
		for _, env := range h.fanout.MissedSince(lastID) {
			if err := writeData(w, env); err != nil {
				return
			}
			lastReplayed = env.ID
		}
		flusher.Flush()
	} else {
		// A fresh connection starts with the server metadata envelope.
		h.fanout.SendToClient(clientID, map[string]any{
			"type":      "mcp_activity",
			"method":    "initialize",
			"request":   map[string]any{},
			"response":  mcp.InitializeResult(),
			"timestamp": utcNow(),
		})
	}

	heartbeat := time.NewTimer(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case env, ok := <-queue:
			if !ok {
				// Evicted or the manager is shutting down.
				return
			}
			if env.ID <= lastReplayed {
				continue
			}
			if err := writeData(w, env); err != nil {
				return
			}
			flusher.Flush()
			resetTimer(heartbeat, heartbeatInterval)

		case <-heartbeat.C:
			if err := writeEvent(w, "heartbeat", map[string]any{
				"timestamp": utcNow(),
			}); err != nil {
				return
			}
			flusher.Flush()
			heartbeat.Reset(heartbeatInterval)
		}
	}
}

// lastEventID parses the Last-Event-ID reconnection header. Absent or
// unparsable values mean a fresh connection.
func lastEventID(r *http.Request) int64 {
	v := r.Header.Get("Last-Event-ID")
	if v == "" {
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// writeEvent emits a named SSE event with a JSON payload.
func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// writeData emits an unnamed data block carrying one envelope. The
// monotonic id serialises inline with the payload.
func writeData(w io.Writer, env fanout.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// resetTimer pushes the idle deadline out after a delivery, draining a
// concurrent expiry if necessary.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
