// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the JSON-RPC 2.0 request processor for the
// Model Context Protocol surface. The processor routes envelopes by
// method, delegates catalogue work to the dispatch engine and shapes
// results into the wire form MCP clients expect.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/versions"
)

// ProtocolVersion is the MCP protocol revision implemented by the daemon.
const ProtocolVersion = "2024-11-05"

// ServerName identifies the daemon in initialize responses and endpoint
// info documents.
const ServerName = "mcpden"

// JSON-RPC 2.0 error codes surfaced by the processor.
const (
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC 2.0 envelope.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is an outgoing JSON-RPC 2.0 envelope. The id mirrors the
// request id, including an explicit null.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Dispatcher executes catalogue operations against one partition.
// Implemented by the dispatch engine.
type Dispatcher interface {
	ListTools(ctx context.Context, key partition.Key) ([]map[string]any, error)
	ListResources(ctx context.Context, key partition.Key) ([]map[string]any, error)
	ListPrompts(ctx context.Context, key partition.Key) ([]map[string]any, error)
	CallTool(ctx context.Context, key partition.Key, name string, args map[string]any) ([]mcp.Content, error)
	ReadResource(ctx context.Context, key partition.Key, uri string) (mcp.TextResourceContents, error)
	GetPrompt(ctx context.Context, key partition.Key, name string, args map[string]any) (*mcp.GetPromptResult, error)
}

// Processor routes JSON-RPC envelopes to the dispatcher.
type Processor struct {
	dispatcher Dispatcher
	log        *slog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) {
		p.log = log
	}
}

// NewProcessor creates a Processor backed by the given dispatcher.
func NewProcessor(dispatcher Dispatcher, opts ...Option) *Processor {
	p := &Processor{
		dispatcher: dispatcher,
		log:        logger.Get(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// InitializeResult returns the static initialize payload: advertised
// capabilities, the protocol revision and the server identity.
func InitializeResult() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": false, "listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": versions.GetVersionInfo().Version,
		},
	}
}

// Process dispatches one envelope for the given partition and returns
// the response. Failures below the dispatch layer never escape as Go
// errors; they map to a JSON-RPC error object carrying the request id.
func (p *Processor) Process(ctx context.Context, key partition.Key, req Request) Response {
	switch req.Method {
	case "initialize":
		return result(req, InitializeResult())

	case "tools/list":
		tools, err := p.dispatcher.ListTools(ctx, key)
		if err != nil {
			return p.internalError(req, err)
		}
		return result(req, map[string]any{"tools": nonNil(tools)})

	case "tools/call":
		name, ok := req.Params["name"].(string)
		if !ok || name == "" {
			return p.internalError(req, fmt.Errorf("tools/call requires a string param %q", "name"))
		}
		args, _ := req.Params["arguments"].(map[string]any)
		content, err := p.dispatcher.CallTool(ctx, key, name, args)
		if err != nil {
			return p.internalError(req, err)
		}
		items := make([]map[string]any, 0, len(content))
		for _, c := range content {
			items = append(items, contentItem(c))
		}
		return result(req, map[string]any{"content": items})

	case "resources/list":
		resources, err := p.dispatcher.ListResources(ctx, key)
		if err != nil {
			return p.internalError(req, err)
		}
		return result(req, map[string]any{"resources": nonNil(resources)})

	case "resources/templates/list":
		return result(req, map[string]any{"resourceTemplates": []any{}})

	case "resources/read":
		uri, ok := req.Params["uri"].(string)
		if !ok || uri == "" {
			return p.internalError(req, fmt.Errorf("resources/read requires a string param %q", "uri"))
		}
		contents, err := p.dispatcher.ReadResource(ctx, key, uri)
		if err != nil {
			return p.internalError(req, err)
		}
		return result(req, map[string]any{
			"contents": []map[string]any{{
				"uri":      contents.URI,
				"mimeType": contents.MIMEType,
				"text":     contents.Text,
				"_meta":    map[string]any{},
			}},
		})

	case "prompts/list":
		prompts, err := p.dispatcher.ListPrompts(ctx, key)
		if err != nil {
			return p.internalError(req, err)
		}
		descriptors := make([]map[string]any, 0, len(prompts))
		for _, entry := range prompts {
			descriptors = append(descriptors, promptDescriptor(entry))
		}
		return result(req, map[string]any{"prompts": descriptors})

	case "prompts/get":
		name, ok := req.Params["name"].(string)
		if !ok || name == "" {
			return p.internalError(req, fmt.Errorf("prompts/get requires a string param %q", "name"))
		}
		args, _ := req.Params["arguments"].(map[string]any)
		prompt, err := p.dispatcher.GetPrompt(ctx, key, name, args)
		if err != nil {
			return p.internalError(req, err)
		}
		messages := make([]map[string]any, 0, len(prompt.Messages))
		for _, msg := range prompt.Messages {
			messages = append(messages, map[string]any{
				"role":    string(msg.Role),
				"content": messageContent(msg.Content),
			})
		}
		return result(req, map[string]any{
			"description": prompt.Description,
			"messages":    messages,
		})

	default:
		return Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &RPCError{
				Code:    CodeMethodNotFound,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}
}

func result(req Request, payload any) Response {
	return Response{JSONRPC: "2.0", ID: req.ID, Result: payload}
}

func (p *Processor) internalError(req Request, err error) Response {
	p.log.Warn("MCP method failed", "method", req.Method, "error", err)
	return Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error: &RPCError{
			Code:    CodeInternalError,
			Message: "Internal error",
			Data:    err.Error(),
		},
	}
}

// contentItem renders one MCP content variant as the canonical wire
// object. Every item carries a _meta placeholder.
func contentItem(c mcp.Content) map[string]any {
	switch v := c.(type) {
	case mcp.TextContent:
		return map[string]any{
			"type":  "text",
			"text":  v.Text,
			"_meta": map[string]any{},
		}
	case mcp.ImageContent:
		return map[string]any{
			"type":     "image",
			"data":     v.Data,
			"mimeType": v.MIMEType,
			"_meta":    map[string]any{},
		}
	case mcp.EmbeddedResource:
		return map[string]any{
			"type":     "resource",
			"resource": resourceContents(v.Resource),
			"_meta":    map[string]any{},
		}
	default:
		return map[string]any{
			"type":  "text",
			"text":  fmt.Sprintf("%v", c),
			"_meta": map[string]any{},
		}
	}
}

func resourceContents(rc mcp.ResourceContents) map[string]any {
	switch v := rc.(type) {
	case mcp.TextResourceContents:
		return map[string]any{"uri": v.URI, "mimeType": v.MIMEType, "text": v.Text}
	case mcp.BlobResourceContents:
		return map[string]any{"uri": v.URI, "mimeType": v.MIMEType, "blob": v.Blob}
	default:
		return map[string]any{}
	}
}

// messageContent renders a prompt message body. Prompt handlers only
// produce text today; other variants degrade to their text form.
func messageContent(c mcp.Content) map[string]any {
	if text, ok := c.(mcp.TextContent); ok {
		return map[string]any{"type": "text", "text": text.Text}
	}
	item := contentItem(c)
	delete(item, "_meta")
	return item
}

// promptDescriptor reshapes a catalogue prompt entry into the
// prompts/list wire form. The arguments list is always present.
func promptDescriptor(entry map[string]any) map[string]any {
	arguments := make([]map[string]any, 0)
	for _, raw := range argumentList(entry["arguments"]) {
		arguments = append(arguments, map[string]any{
			"name":        stringField(raw, "name"),
			"description": stringField(raw, "description"),
			"required":    boolField(raw, "required"),
		})
	}
	return map[string]any{
		"name":        stringField(entry, "name"),
		"description": stringField(entry, "description"),
		"arguments":   arguments,
	}
}

func argumentList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

func nonNil(list []map[string]any) []map[string]any {
	if list == nil {
		return []map[string]any{}
	}
	return list
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}
