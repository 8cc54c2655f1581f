// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mcpden/mcpden/pkg/auth"
	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/dispatch"
	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/fanout"
	"github.com/mcpden/mcpden/pkg/mcp"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/ratelimit"
	"github.com/mcpden/mcpden/pkg/store"
	"github.com/mcpden/mcpden/pkg/versions"
)

// endpointRoutes serves every /{endpoint} path: the JSON-RPC endpoints,
// the SSE stream, the GraphQL passthrough, the info document and the
// per-partition cache administration.
type endpointRoutes struct {
	processor *mcp.Processor
	engine    *dispatch.Engine
	cache     *configcache.Cache
	meta      *store.Client
	fanout    *fanout.Manager
	log       *slog.Logger
}

// systemRoutes serves the public health and metrics documents.
type systemRoutes struct {
	fanout  *fanout.Manager
	cache   *configcache.Cache
	posts   *ratelimit.Limiter
	streams *ratelimit.Limiter
}

// partitionKey assembles the partition key from the endpoint path segment
// and the optional part header. A failed assembly answers the request.
func (h *endpointRoutes) partitionKey(w http.ResponseWriter, r *http.Request) (partition.Key, bool) {
	key, err := partition.Assemble(chi.URLParam(r, "endpoint"), r.Header.Get(partition.HeaderPartID))
	if err != nil {
		writeError(w, err)
		return "", false
	}
	return key, true
}

// decodeRPC parses the JSON-RPC envelope from the request body. A failed
// decode answers the request.
func decodeRPC(w http.ResponseWriter, r *http.Request) (mcp.Request, bool) {
	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewInvalidArgumentError("malformed JSON-RPC envelope", err))
		return mcp.Request{}, false
	}
	return req, true
}

// rpc implements POST /{endpoint}/mcp: process one envelope, answer with
// the JSON-RPC response.
func (h *endpointRoutes) rpc(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}
	req, ok := decodeRPC(w, r)
	if !ok {
		return
	}

	resp := h.processor.Process(r.Context(), key, req)
	writeJSON(w, http.StatusOK, resp)
}

// rpcWithActivity implements POST /{endpoint}/sse: like rpc, but the
// request/response pair also fans out to every live stream of the
// calling user as an mcp_activity envelope.
func (h *endpointRoutes) rpcWithActivity(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}
	req, ok := decodeRPC(w, r)
	if !ok {
		return
	}

	resp := h.processor.Process(r.Context(), key, req)

	user := username(r.Context())
	delivered := h.fanout.SendToUser(user, map[string]any{
		"type":      "mcp_activity",
		"method":    req.Method,
		"request":   req,
		"response":  resp,
		"timestamp": utcNow(),
	})
	if !delivered {
		h.log.Debug("No live streams for activity envelope", "username", user, "method", req.Method)
	}

	writeJSON(w, http.StatusOK, resp)
}

// graphQLRequest is the passthrough body: a GraphQL document plus its
// variables.
type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// coreGraphQL implements POST /{endpoint}/mcp_core_graphql. Successful
// configuration mutations purge the partition's cached view.
func (h *endpointRoutes) coreGraphQL(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}
	if h.meta == nil {
		writeError(w, errors.NewUpstreamFailureError("metadata store is not configured", nil))
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewInvalidArgumentError("malformed GraphQL request", err))
		return
	}
	if req.Query == "" {
		writeError(w, errors.NewInvalidArgumentError("GraphQL request requires a query", nil))
		return
	}

	res, err := h.meta.Raw(r.Context(), key, req.Query, req.Variables)
	if err != nil {
		writeError(w, err)
		return
	}

	if res.OK && h.cache.PurgeForMutation(key, req.Query) {
		h.log.Info("Configuration mutation purged cache", "partition_key", key.String())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Body)
}

// info implements GET /{endpoint}: the server identity plus the full
// serialised catalogue for the partition.
func (h *endpointRoutes) info(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}

	tools, err := h.engine.ListTools(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	resources, err := h.engine.ListResources(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	prompts, err := h.engine.ListPrompts(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"server":        mcp.ServerName,
		"version":       versions.GetVersionInfo().Version,
		"partition_key": key.String(),
		"sse_stats":     h.fanout.Stats(),
		"tools":         tools,
		"resources":     resources,
		"prompts":       prompts,
	})
}

// cacheStatus implements GET /{endpoint}/admin/cache/status.
func (h *endpointRoutes) cacheStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"partition_key": key.String(),
		"cached":        h.cache.Cached(key),
		"stats":         h.cache.Stats(),
	})
}

// cacheRefresh implements POST /{endpoint}/admin/cache/refresh: force a
// rebuild of the partition's materialised view.
func (h *endpointRoutes) cacheRefresh(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}

	view, err := h.cache.Refresh(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "refreshed",
		"partition_key": key.String(),
		"tools":         len(view.Tools),
		"resources":     len(view.Resources),
		"prompts":       len(view.Prompts),
	})
}

// cacheClear implements DELETE /{endpoint}/admin/cache.
func (h *endpointRoutes) cacheClear(w http.ResponseWriter, r *http.Request) {
	key, ok := h.partitionKey(w, r)
	if !ok {
		return
	}

	h.cache.Clear(key)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "cleared",
		"partition_key": key.String(),
	})
}

// cachePurgeAll implements DELETE /admin/cache.
func (h *endpointRoutes) cachePurgeAll(w http.ResponseWriter, _ *http.Request) {
	h.cache.ClearAll()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

// health implements GET /health.
func (h *systemRoutes) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": utcNow(),
		"sse_stats": h.fanout.Stats(),
	})
}

// metrics implements GET /metrics, a JSON stats document covering the
// fanout manager, the rate limiters and the configuration cache.
func (h *systemRoutes) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp":   utcNow(),
		"sse_manager": h.fanout.Stats(),
		"rate_limiting": map[string]any{
			"post":   h.posts.Stats(),
			"stream": h.streams.Stats(),
		},
		"mcp_cache": h.cache.Stats(),
	})
}

// username resolves the fanout identity from the verified claims. Local
// tokens carry username, minted user tokens carry sub.
func username(ctx context.Context) string {
	claims, ok := auth.ClaimsFromContext(ctx)
	if !ok {
		return "anonymous"
	}
	if u, ok := claims["username"].(string); ok && u != "" {
		return u
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	return "anonymous"
}

func utcNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps the error taxonomy onto HTTP statuses and answers with
// the detail document.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"detail": err.Error()})
}

func httpStatus(err error) int {
	switch errors.TypeOf(err) {
	case errors.ErrInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrUnauthenticated:
		return http.StatusUnauthorized
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrUpstreamFailure, errors.ErrUpstreamSemanticError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
