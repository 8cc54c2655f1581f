// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package configcache materialises per-partition MCP configuration views
// from the metadata store and keeps them until invalidated.
package configcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"
	"sigs.k8s.io/yaml"

	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/schema"
)

// View is one partition's materialised configuration. Tools, resources,
// and prompts carry `{name, description, annotations}` merged with each
// function's free-form data document.
type View struct {
	Tools       []map[string]any `json:"tools"`
	Resources   []map[string]any `json:"resources"`
	Prompts     []map[string]any `json:"prompts"`
	ModuleLinks []Link           `json:"module_links"`
	Modules     []ModuleInfo     `json:"modules"`
}

// Link ties a configured function to the module class implementing it.
type Link struct {
	Type         string `json:"type"`
	Name         string `json:"name"`
	ModuleName   string `json:"module_name"`
	ClassName    string `json:"class_name"`
	FunctionName string `json:"function_name"`
	ReturnType   string `json:"return_type"`
	IsAsync      bool   `json:"is_async"`
}

// ModuleInfo is one (module, class) pair with its resolved setting.
type ModuleInfo struct {
	ModuleName  string         `json:"module_name"`
	PackageName string         `json:"package_name"`
	ClassName   string         `json:"class_name"`
	Setting     map[string]any `json:"setting"`
	Source      string         `json:"source"`
}

// Tool returns the first tool with the given name.
func (v *View) Tool(name string) (map[string]any, bool) {
	return firstNamed(v.Tools, "name", name)
}

// Prompt returns the first prompt with the given name.
func (v *View) Prompt(name string) (map[string]any, bool) {
	return firstNamed(v.Prompts, "name", name)
}

// ResourceByURI returns the first resource with the given uri.
func (v *View) ResourceByURI(uri string) (map[string]any, bool) {
	return firstNamed(v.Resources, "uri", uri)
}

// Link returns the first module link for (name, type). Duplicate links are
// a configuration error but not fatal; the first one wins.
func (v *View) Link(name, mcpType string) (Link, bool) {
	for _, link := range v.ModuleLinks {
		if link.Name == name && link.Type == mcpType {
			return link, true
		}
	}
	return Link{}, false
}

// Module returns the first module record for (moduleName, className).
func (v *View) Module(moduleName, className string) (ModuleInfo, bool) {
	for _, info := range v.Modules {
		if info.ModuleName == moduleName && info.ClassName == className {
			return info, true
		}
	}
	return ModuleInfo{}, false
}

func firstNamed(entries []map[string]any, field, want string) (map[string]any, bool) {
	for _, entry := range entries {
		if name, _ := entry[field].(string); name == want {
			return entry, true
		}
	}
	return nil, false
}

// MetaStore is the slice of the metadata store the cache builds from.
type MetaStore interface {
	FunctionList(ctx context.Context, key partition.Key) ([]map[string]any, error)
	Module(ctx context.Context, key partition.Key, moduleName string) (map[string]any, error)
	Setting(ctx context.Context, key partition.Key, settingID string) (map[string]any, error)
}

// partitionMemos holds the row and list memos backing one partition's view.
type partitionMemos struct {
	functionList []map[string]any
	modules      map[string]map[string]any
	settings     map[string]map[string]any
}

func newPartitionMemos() *partitionMemos {
	return &partitionMemos{
		modules:  map[string]map[string]any{},
		settings: map[string]map[string]any{},
	}
}

// Cache holds materialised views keyed by partition. A single mutex guards
// all shared state; upstream queries run outside the lock.
type Cache struct {
	store MetaStore
	log   *slog.Logger

	// flight collapses racing cold builds of the same partition into one.
	flight singleflight.Group

	mu        sync.Mutex
	views     map[partition.Key]*View
	memos     map[partition.Key]*partitionMemos
	hits      uint64
	misses    uint64
	refreshes uint64
}

// Option customises a Cache.
type Option func(*Cache)

// WithLogger overrides the cache's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// New creates an empty cache over the metadata store.
func New(store MetaStore, opts ...Option) *Cache {
	c := &Cache{
		store: store,
		log:   logger.Get(),
		views: map[partition.Key]*View{},
		memos: map[partition.Key]*partitionMemos{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the partition's view, building it on a miss. force bypasses
// the installed view and all memos.
func (c *Cache) Fetch(ctx context.Context, key partition.Key, force bool) (*View, error) {
	c.mu.Lock()
	if force {
		c.refreshes++
		delete(c.memos, key)
	} else if view, ok := c.views[key]; ok {
		c.hits++
		c.mu.Unlock()
		return view, nil
	} else {
		c.misses++
	}
	c.mu.Unlock()

	if force {
		return c.rebuild(ctx, key, true)
	}

	// Cold fetches racing on the same partition share a single build.
	view, err, _ := c.flight.Do(string(key), func() (any, error) {
		// A finished flight may have installed the view while this
		// caller was queueing behind it.
		c.mu.Lock()
		installed, ok := c.views[key]
		c.mu.Unlock()
		if ok {
			return installed, nil
		}
		return c.rebuild(ctx, key, false)
	})
	if err != nil {
		return nil, err
	}
	return view.(*View), nil
}

// rebuild queries the upstream store and installs the fresh view.
func (c *Cache) rebuild(ctx context.Context, key partition.Key, forced bool) (*View, error) {
	c.log.Info("Building MCP configuration", "partition_key", string(key), "forced", forced)
	view, err := c.build(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.views[key] = view
	c.mu.Unlock()
	return view, nil
}

// Refresh rebuilds the partition's view from the upstream store.
func (c *Cache) Refresh(ctx context.Context, key partition.Key) (*View, error) {
	return c.Fetch(ctx, key, true)
}

// Clear removes one partition's view and memos.
func (c *Cache) Clear(key partition.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.views, key)
	delete(c.memos, key)
}

// ClearAll removes every cached view.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = map[partition.Key]*View{}
	c.memos = map[partition.Key]*partitionMemos{}
}

// Preload installs a view built outside the cache, typically the default
// partition's configuration file. Preloaded views sit in the same map and
// serve until explicitly cleared.
func (c *Cache) Preload(key partition.Key, view *View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[key] = view
}

// Cached reports whether the partition currently has an installed view.
func (c *Cache) Cached(key partition.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.views[key]
	return ok
}

// Keys returns the partitions with installed views.
func (c *Cache) Keys() []partition.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]partition.Key, 0, len(c.views))
	for key := range c.views {
		keys = append(keys, key)
	}
	return keys
}

// Stats reports cache counters for the metrics document.
func (c *Cache) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := 0
	for _, view := range c.views {
		entries += len(view.Tools) + len(view.Resources) + len(view.Prompts)
	}
	return map[string]any{
		"partitions": len(c.views),
		"entries":    entries,
		"hits":       c.hits,
		"misses":     c.misses,
		"refreshes":  c.refreshes,
	}
}

// build assembles a fresh view: list the partition's functions, split them
// by type, derive module links, then resolve module records and class
// settings. Per-class failures degrade to an empty setting map; per-module
// failures skip the module with a warning.
func (c *Cache) build(ctx context.Context, key partition.Key) (*View, error) {
	functions, err := c.functionList(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(functions) == 0 {
		c.log.Warn("No MCP functions found", "partition_key", string(key))
	}

	view := &View{}
	for _, fn := range functions {
		entry := functionEntry(fn)
		switch stringField(fn, "mcpType") {
		case "tool":
			if is, ok := entry["inputSchema"].(map[string]any); ok {
				if err := schema.CheckSchema(is); err != nil {
					c.log.Warn("Tool has a malformed input schema",
						"tool", entry["name"], "error", err)
				}
			}
			view.Tools = append(view.Tools, entry)
		case "resource":
			view.Resources = append(view.Resources, entry)
		case "prompt":
			view.Prompts = append(view.Prompts, entry)
		}
		if stringField(fn, "moduleName") != "" && stringField(fn, "className") != "" {
			view.ModuleLinks = append(view.ModuleLinks, linkFrom(fn))
		}
	}
	view.Modules = c.resolveModules(ctx, key, view.ModuleLinks)
	return view, nil
}

// functionEntry merges the catalogue columns with the function's free-form
// data document.
func functionEntry(fn map[string]any) map[string]any {
	entry := map[string]any{
		"name":        stringField(fn, "name"),
		"description": stringField(fn, "description"),
		"annotations": mapField(fn, "annotations"),
	}
	if data := mapField(fn, "data"); data != nil {
		for k, v := range data {
			entry[k] = v
		}
	}
	return entry
}

func linkFrom(fn map[string]any) Link {
	returnType := stringField(fn, "returnType")
	if returnType == "" {
		returnType = "text"
	}
	return Link{
		Type:         stringField(fn, "mcpType"),
		Name:         stringField(fn, "name"),
		ModuleName:   stringField(fn, "moduleName"),
		ClassName:    stringField(fn, "className"),
		FunctionName: stringField(fn, "functionName"),
		ReturnType:   returnType,
		IsAsync:      boolField(fn, "isAsync"),
	}
}

func (c *Cache) resolveModules(ctx context.Context, key partition.Key, links []Link) []ModuleInfo {
	type moduleClasses struct {
		name    string
		classes []string
	}
	ordered := []*moduleClasses{}
	index := map[string]*moduleClasses{}
	for _, link := range links {
		mc, ok := index[link.ModuleName]
		if !ok {
			mc = &moduleClasses{name: link.ModuleName}
			index[link.ModuleName] = mc
			ordered = append(ordered, mc)
		}
		if !containsString(mc.classes, link.ClassName) {
			mc.classes = append(mc.classes, link.ClassName)
		}
	}

	infos := []ModuleInfo{}
	for _, mc := range ordered {
		row, err := c.moduleRow(ctx, key, mc.name)
		if err != nil {
			c.log.Warn("Skipping module", "module", mc.name, "error", err)
			continue
		}
		if row == nil {
			c.log.Warn("No record found for module", "module", mc.name)
			continue
		}

		packageName := stringField(row, "packageName")
		if packageName == "" {
			packageName = mc.name
		}
		source := stringField(row, "source")
		declared := classList(row["classes"])

		for _, className := range mc.classes {
			classSpec, found := findClass(declared, className)
			if !found {
				c.log.Warn("Class not declared by module", "module", mc.name, "class", className)
				continue
			}

			setting := map[string]any{}
			if settingID := stringField(classSpec, "setting_id"); settingID != "" {
				fetched, err := c.settingRow(ctx, key, settingID)
				if err != nil {
					c.log.Warn("Falling back to empty setting",
						"module", mc.name, "class", className, "setting_id", settingID, "error", err)
				} else if fetched != nil {
					setting = fetched
				}
			}

			infos = append(infos, ModuleInfo{
				ModuleName:  mc.name,
				PackageName: packageName,
				ClassName:   className,
				Setting:     setting,
				Source:      source,
			})
		}
	}
	return infos
}

func (c *Cache) functionList(ctx context.Context, key partition.Key) ([]map[string]any, error) {
	c.mu.Lock()
	if memos, ok := c.memos[key]; ok && memos.functionList != nil {
		list := memos.functionList
		c.mu.Unlock()
		return list, nil
	}
	c.mu.Unlock()

	list, err := c.store.FunctionList(ctx, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.memosFor(key).functionList = list
	c.mu.Unlock()
	return list, nil
}

func (c *Cache) moduleRow(ctx context.Context, key partition.Key, moduleName string) (map[string]any, error) {
	c.mu.Lock()
	if memos, ok := c.memos[key]; ok {
		if row, ok := memos.modules[moduleName]; ok {
			c.mu.Unlock()
			return row, nil
		}
	}
	c.mu.Unlock()

	row, err := c.store.Module(ctx, key, moduleName)
	if err != nil {
		return nil, err
	}
	if row != nil {
		c.mu.Lock()
		c.memosFor(key).modules[moduleName] = row
		c.mu.Unlock()
	}
	return row, nil
}

func (c *Cache) settingRow(ctx context.Context, key partition.Key, settingID string) (map[string]any, error) {
	c.mu.Lock()
	if memos, ok := c.memos[key]; ok {
		if row, ok := memos.settings[settingID]; ok {
			c.mu.Unlock()
			return row, nil
		}
	}
	c.mu.Unlock()

	row, err := c.store.Setting(ctx, key, settingID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.memosFor(key).settings[settingID] = row
	c.mu.Unlock()
	return row, nil
}

// memosFor must be called with the mutex held.
func (c *Cache) memosFor(key partition.Key) *partitionMemos {
	memos, ok := c.memos[key]
	if !ok {
		memos = newPartitionMemos()
		c.memos[key] = memos
	}
	return memos
}

// LoadViewFile decodes a preloaded configuration document. YAML and JSON
// are both accepted.
func LoadViewFile(path string) (*View, error) {
	// #nosec G304 -- path comes from the daemon's own configuration.
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	var view View
	if err := yaml.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %s: %w", path, err)
	}
	return &view, nil
}

// LoadView resolves a preloaded configuration from a file path or an inline
// JSON/YAML document.
func LoadView(pathOrDoc string) (*View, error) {
	if _, err := os.Stat(pathOrDoc); err == nil {
		return LoadViewFile(pathOrDoc)
	}

	var view View
	if err := yaml.Unmarshal([]byte(pathOrDoc), &view); err != nil {
		return nil, fmt.Errorf("failed to parse inline configuration: %w", err)
	}
	return &view, nil
}

func stringField(row map[string]any, name string) string {
	s, _ := row[name].(string)
	return s
}

func boolField(row map[string]any, name string) bool {
	b, _ := row[name].(bool)
	return b
}

// mapField tolerates object-typed and string-encoded JSON columns.
func mapField(row map[string]any, name string) map[string]any {
	switch v := row[name].(type) {
	case map[string]any:
		return v
	case string:
		var decoded map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
	}
	return nil
}

// classList decodes a module row's classes column into class descriptors.
func classList(raw any) []map[string]any {
	switch v := raw.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case string:
		var decoded []map[string]any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			return decoded
		}
	}
	return nil
}

func findClass(classes []map[string]any, className string) (map[string]any, bool) {
	for _, class := range classes {
		if stringField(class, "class_name") == className {
			return class, true
		}
	}
	return nil, false
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
