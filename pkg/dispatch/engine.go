// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch executes catalogue operations for a partition: it
// resolves tools, resources and prompts through the cached configuration,
// loads their handler modules and runs them under the call-record
// protocol. Async tools run in tracked background tasks or on a remote
// worker tier.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/modules"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/records"
	"github.com/mcpden/mcpden/pkg/schema"
	"github.com/mcpden/mcpden/pkg/worker"
)

// Engine owns the per-partition execution pipeline.
type Engine struct {
	cache    *configcache.Cache
	loader   *modules.Loader
	recorder *records.Recorder
	invoker  worker.Invoker
	log      *slog.Logger

	pollInterval time.Duration
	pollWindow   time.Duration

	tasks sync.WaitGroup
	mu    sync.Mutex
	live  map[string]string // call uuid -> tool name
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorker routes async tool executions to a remote worker tier
// instead of in-process background tasks.
func WithWorker(invoker worker.Invoker) Option {
	return func(e *Engine) {
		e.invoker = invoker
	}
}

// WithLogger overrides the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// New creates an Engine over the configuration cache, module loader and
// call recorder.
func New(cache *configcache.Cache, loader *modules.Loader, recorder *records.Recorder, opts ...Option) *Engine {
	e := &Engine{
		cache:        cache,
		loader:       loader,
		recorder:     recorder,
		log:          logger.Get(),
		pollInterval: asyncPollInterval,
		pollWindow:   asyncPollWindow,
		live:         make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// invocation carries everything needed to run one resolved catalogue
// entry. recordArgs is what the call record persists; handlerArgs is what
// the handler function receives.
type invocation struct {
	key         partition.Key
	name        string
	mcpType     string
	recordArgs  map[string]any
	handlerArgs map[string]any
	link        configcache.Link
	module      configcache.ModuleInfo
}

// view fetches the partition configuration, retrying once with a forced
// refresh when the first fetch fails.
func (e *Engine) view(ctx context.Context, key partition.Key) (*configcache.View, error) {
	view, err := e.cache.Fetch(ctx, key, false)
	if err == nil {
		return view, nil
	}
	e.log.Warn("Configuration fetch failed, retrying with forced refresh",
		"partition_key", key.String(), "error", err)
	return e.cache.Fetch(ctx, key, true)
}

// ListTools returns the partition's tool descriptors.
func (e *Engine) ListTools(ctx context.Context, key partition.Key) ([]map[string]any, error) {
	view, err := e.view(ctx, key)
	if err != nil {
		return nil, err
	}
	return view.Tools, nil
}

// ListResources returns the partition's resource descriptors.
func (e *Engine) ListResources(ctx context.Context, key partition.Key) ([]map[string]any, error) {
	view, err := e.view(ctx, key)
	if err != nil {
		return nil, err
	}
	return view.Resources, nil
}

// ListPrompts returns the partition's prompt descriptors.
func (e *Engine) ListPrompts(ctx context.Context, key partition.Key) ([]map[string]any, error) {
	view, err := e.view(ctx, key)
	if err != nil {
		return nil, err
	}
	return view.Prompts, nil
}

// CallTool validates the arguments against the tool's input schema,
// resolves the handler module and executes it. Tools linked with is_async
// run through the async dispatcher.
func (e *Engine) CallTool(ctx context.Context, key partition.Key, name string, args map[string]any) ([]mcp.Content, error) {
	if args == nil {
		args = map[string]any{}
	}

	view, err := e.view(ctx, key)
	if err != nil {
		return nil, err
	}

	tool, ok := view.Tool(name)
	if !ok {
		return nil, errors.NewUnknownToolError(fmt.Sprintf("Tool not found: %s", name), nil)
	}

	if err := schema.ValidateAndFill(mapField(tool, "inputSchema"), args); err != nil {
		return nil, err
	}

	inv, err := e.resolve(view, key, name, "tool", args, args)
	if err != nil {
		return nil, err
	}

	if inv.link.IsAsync {
		return e.dispatchAsync(ctx, inv)
	}

	result, callUUID, err := e.execute(ctx, inv, "")
	if err != nil {
		return nil, err
	}
	return classify(inv.link.ReturnType, result, callUUID)
}

// ReadResource looks up the resource by URI and invokes its handler with
// the URI as the sole argument.
func (e *Engine) ReadResource(ctx context.Context, key partition.Key, uri string) (mcp.TextResourceContents, error) {
	view, err := e.view(ctx, key)
	if err != nil {
		return mcp.TextResourceContents{}, err
	}

	resource, ok := view.ResourceByURI(uri)
	if !ok {
		return mcp.TextResourceContents{}, errors.NewUnknownResourceError(
			fmt.Sprintf("Resource not found: %s", uri), nil)
	}

	name := stringField(resource, "name")
	args := map[string]any{"uri": uri}
	inv, err := e.resolve(view, key, name, "resource", args, args)
	if err != nil {
		return mcp.TextResourceContents{}, err
	}

	result, _, err := e.execute(ctx, inv, "")
	if err != nil {
		return mcp.TextResourceContents{}, err
	}

	return mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "text/plain",
		Text:     stringify(result),
	}, nil
}

// GetPrompt checks the prompt's required arguments and invokes its
// handler with the arguments plus the prompt name and partition key.
func (e *Engine) GetPrompt(ctx context.Context, key partition.Key, name string, args map[string]any) (*mcp.GetPromptResult, error) {
	if args == nil {
		args = map[string]any{}
	}

	view, err := e.view(ctx, key)
	if err != nil {
		return nil, err
	}

	prompt, ok := view.Prompt(name)
	if !ok {
		return nil, errors.NewUnknownPromptError(fmt.Sprintf("Prompt not found: %s", name), nil)
	}

	for _, arg := range argumentList(prompt["arguments"]) {
		argName := stringField(arg, "name")
		if !boolField(arg, "required") || argName == "" {
			continue
		}
		if _, present := args[argName]; !present {
			return nil, errors.NewInvalidArgumentError(
				fmt.Sprintf("Missing required argument %s", argName), nil)
		}
	}

	handlerArgs := make(map[string]any, len(args)+2)
	for k, v := range args {
		handlerArgs[k] = v
	}
	handlerArgs["name"] = name
	handlerArgs["partition_key"] = key.String()

	inv, err := e.resolve(view, key, name, "prompt", args, handlerArgs)
	if err != nil {
		return nil, err
	}

	result, _, err := e.execute(ctx, inv, "")
	if err != nil {
		return nil, err
	}

	return &mcp.GetPromptResult{
		Description: stringField(prompt, "description"),
		Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.NewTextContent(stringify(result))},
		},
	}, nil
}

// resolve finds the module link and module record for a catalogue entry.
// Duplicate links or modules are a configuration error but not fatal; the
// first match wins.
func (e *Engine) resolve(view *configcache.View, key partition.Key, name, mcpType string, recordArgs, handlerArgs map[string]any) (invocation, error) {
	link, ok := view.Link(name, mcpType)
	if !ok {
		return invocation{}, errors.NewModuleUnavailableError(
			fmt.Sprintf("No module link for %s %s", mcpType, name), nil)
	}
	module, ok := view.Module(link.ModuleName, link.ClassName)
	if !ok {
		return invocation{}, errors.NewModuleUnavailableError(
			fmt.Sprintf("No module record for %s.%s", link.ModuleName, link.ClassName), nil)
	}
	return invocation{
		key:         key,
		name:        name,
		mcpType:     mcpType,
		recordArgs:  recordArgs,
		handlerArgs: handlerArgs,
		link:        link,
		module:      module,
	}, nil
}

// execute runs the handler under the call-record protocol. For the
// default partition the record is skipped entirely. A non-empty callUUID
// resumes an existing record instead of creating one. Returns the raw
// handler result and the record's call uuid ("" when unrecorded).
func (e *Engine) execute(ctx context.Context, inv invocation, callUUID string) (any, string, error) {
	if inv.key.IsDefault() {
		result, err := e.invoke(ctx, inv)
		return result, "", err
	}

	var rec *records.Record
	var err error
	if callUUID != "" {
		rec, err = e.recorder.Get(ctx, inv.key, callUUID)
	} else {
		rec, err = e.recorder.Create(ctx, inv.key, inv.name, inv.mcpType, inv.recordArgs, "")
	}
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	result, err := e.invoke(ctx, inv)
	if err != nil {
		notes := err.Error()
		if _, applyErr := e.recorder.Apply(ctx, inv.key, rec.CallUUID, records.Update{
			Status: records.StatusFailed,
			Notes:  &notes,
		}); applyErr != nil {
			e.log.Warn("Failed to mark call record failed",
				"call_uuid", rec.CallUUID, "error", applyErr)
		}
		return nil, rec.CallUUID, err
	}

	content := stringify(result)
	elapsed := time.Since(start).Milliseconds()
	if _, err := e.recorder.Apply(ctx, inv.key, rec.CallUUID, records.Update{
		Status:    records.StatusCompleted,
		Content:   &content,
		TimeSpent: &elapsed,
	}); err != nil {
		return nil, rec.CallUUID, err
	}
	return result, rec.CallUUID, nil
}

// invoke loads the handler module and calls the linked function.
func (e *Engine) invoke(ctx context.Context, inv invocation) (any, error) {
	handler, err := e.loader.Load(ctx, modules.ModuleSpec{
		PackageName:  inv.module.PackageName,
		ModuleName:   inv.module.ModuleName,
		ClassName:    inv.module.ClassName,
		Source:       inv.module.Source,
		Setting:      inv.module.Setting,
		PartitionKey: inv.key.String(),
	})
	if err != nil {
		return nil, err
	}
	return handler.Call(ctx, inv.link.FunctionName, inv.handlerArgs)
}

// classify shapes a raw handler result into MCP content per the link's
// return type.
func classify(returnType string, result any, callUUID string) ([]mcp.Content, error) {
	switch returnType {
	case "", "text":
		return []mcp.Content{mcp.NewTextContent(stringify(result))}, nil

	case "image":
		switch v := result.(type) {
		case map[string]any:
			mimeType := stringField(v, "mimeType")
			if mimeType == "" {
				mimeType = "image/png"
			}
			return []mcp.Content{mcp.NewImageContent(stringField(v, "data"), mimeType)}, nil
		case string:
			// A bare string is treated as base64 PNG bytes.
			return []mcp.Content{mcp.NewImageContent(v, "image/png")}, nil
		default:
			return nil, errors.NewInternalError(
				fmt.Sprintf("image result must be a map or base64 string, got %T", result), nil)
		}

	case "embedded_resource":
		if callUUID == "" {
			callUUID = uuid.NewString()
		}
		uri := "mcp://function-call/" + callUUID
		text := stringify(result)
		mimeType := ""
		if m, ok := result.(map[string]any); ok {
			if supplied, ok := m["text"].(string); ok {
				text = supplied
				mimeType = stringField(m, "mimeType")
				if u := stringField(m, "uri"); u != "" {
					uri = u
				}
			}
		}
		if mimeType == "" {
			mimeType = "text/plain"
			if json.Valid([]byte(text)) {
				mimeType = "application/json"
			}
		}
		return []mcp.Content{mcp.NewEmbeddedResource(mcp.TextResourceContents{
			URI:      uri,
			MIMEType: mimeType,
			Text:     text,
		})}, nil

	default:
		return nil, errors.NewInternalError(fmt.Sprintf("Invalid return type %s", returnType), nil)
	}
}

// stringify renders a handler result for a text content item or a call
// record. Maps and lists serialise as JSON, strings pass through.
func stringify(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
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

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}
