// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/dispatch"
	"github.com/mcpden/mcpden/pkg/logger"
	mcpproc "github.com/mcpden/mcpden/pkg/mcp"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/versions"
)

// StdioServer serves the preloaded default partition over stdin/stdout.
// The catalogue is registered once at startup; calls route through the
// same dispatch engine as the HTTP transport.
type StdioServer struct {
	mcpServer *server.MCPServer
	log       *slog.Logger
}

// NewStdioServer builds the stdio transport from the default partition's
// materialised view.
func NewStdioServer(ctx context.Context, engine *dispatch.Engine, cache *configcache.Cache) (*StdioServer, error) {
	view, err := cache.Fetch(ctx, partition.DefaultKey, false)
	if err != nil {
		return nil, fmt.Errorf("stdio transport requires a default partition configuration: %w", err)
	}

	mcpServer := server.NewMCPServer(
		mcpproc.ServerName,
		versions.GetVersionInfo().Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithLogging(),
	)

	s := &StdioServer{
		mcpServer: mcpServer,
		log:       logger.Get(),
	}
	s.registerTools(engine, view.Tools)
	s.registerResources(engine, view.Resources)
	s.registerPrompts(engine, view.Prompts)
	return s, nil
}

// Serve blocks reading MCP requests from stdin until EOF.
func (s *StdioServer) Serve() error {
	s.log.Info("Serving MCP over stdio", "partition_key", partition.DefaultKey.String())
	return server.ServeStdio(s.mcpServer)
}

func (s *StdioServer) registerTools(engine *dispatch.Engine, entries []map[string]any) {
	for _, entry := range entries {
		name := stringField(entry, "name")
		if name == "" {
			continue
		}
		s.mcpServer.AddTool(mcp.Tool{
			Name:           name,
			Description:    stringField(entry, "description"),
			RawInputSchema: rawSchema(entry),
		}, toolHandler(engine, name))
	}
}

func (s *StdioServer) registerResources(engine *dispatch.Engine, entries []map[string]any) {
	for _, entry := range entries {
		uri := stringField(entry, "uri")
		if uri == "" {
			continue
		}
		name := stringField(entry, "name")
		if name == "" {
			name = uri
		}
		s.mcpServer.AddResource(mcp.Resource{
			URI:         uri,
			Name:        name,
			Description: stringField(entry, "description"),
			MIMEType:    stringField(entry, "mimeType"),
		}, resourceHandler(engine, uri))
	}
}

func (s *StdioServer) registerPrompts(engine *dispatch.Engine, entries []map[string]any) {
	for _, entry := range entries {
		name := stringField(entry, "name")
		if name == "" {
			continue
		}
		s.mcpServer.AddPrompt(mcp.Prompt{
			Name:        name,
			Description: stringField(entry, "description"),
			Arguments:   promptArguments(entry["arguments"]),
		}, promptHandler(engine, name))
	}
}

func toolHandler(engine *dispatch.Engine, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		content, err := engine.CallTool(ctx, partition.DefaultKey, name, args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return &mcp.CallToolResult{Content: content}, nil
	}
}

func resourceHandler(engine *dispatch.Engine, uri string) server.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		contents, err := engine.ReadResource(ctx, partition.DefaultKey, uri)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{contents}, nil
	}
}

func promptHandler(engine *dispatch.Engine, name string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]any, len(req.Params.Arguments))
		for k, v := range req.Params.Arguments {
			args[k] = v
		}
		return engine.GetPrompt(ctx, partition.DefaultKey, name, args)
	}
}

// rawSchema serialises a catalogue entry's inputSchema for registration.
// Entries without a schema advertise an unconstrained object.
func rawSchema(entry map[string]any) json.RawMessage {
	if schema, ok := entry["inputSchema"].(map[string]any); ok {
		if data, err := json.Marshal(schema); err == nil {
			return data
		}
	}
	return json.RawMessage(`{"type":"object"}`)
}

func promptArguments(v any) []mcp.PromptArgument {
	var list []map[string]any
	switch typed := v.(type) {
	case []map[string]any:
		list = typed
	case []any:
		for _, item := range typed {
			if m, ok := item.(map[string]any); ok {
				list = append(list, m)
			}
		}
	}

	args := make([]mcp.PromptArgument, 0, len(list))
	for _, arg := range list {
		args = append(args, mcp.PromptArgument{
			Name:        stringField(arg, "name"),
			Description: stringField(arg, "description"),
			Required:    boolField(arg, "required"),
		})
	}
	return args
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
