// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package configcache

import (
	"regexp"

	"github.com/mcpden/mcpden/pkg/partition"
)

// Kind identifies a configuration entity class in the invalidation graph.
type Kind string

// Entity kinds, in dependency order.
const (
	KindSetting      Kind = "mcp_setting"
	KindModule       Kind = "mcp_module"
	KindFunction     Kind = "mcp_function"
	KindFunctionCall Kind = "mcp_function_call"
)

// DefaultPurgeDepth bounds the cascade walk through the dependency graph.
const DefaultPurgeDepth = 3

// dependents maps each entity kind to the kinds invalidated after it:
// mcp_setting -> mcp_module -> mcp_function -> mcp_function_call.
var dependents = map[Kind][]Kind{
	KindSetting:      {KindModule},
	KindModule:       {KindFunction},
	KindFunction:     {KindFunctionCall},
	KindFunctionCall: nil,
}

// configMutations maps metadata mutations to the entity kind they touch.
var configMutations = map[string]Kind{
	"insertUpdateMcpFunction": KindFunction,
	"deleteMcpFunction":       KindFunction,
	"insertUpdateMcpModule":   KindModule,
	"deleteMcpModule":         KindModule,
	"insertUpdateMcpSetting":  KindSetting,
	"deleteMcpSetting":        KindSetting,
}

// mutationPatterns matches mutation names on word boundaries so record
// upserts (insertUpdateMcpFunctionCall) never trigger a configuration purge.
var mutationPatterns = func() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(configMutations))
	for name := range configMutations {
		patterns[name] = regexp.MustCompile(`\b` + name + `\b`)
	}
	return patterns
}()

// Purge invalidates the partition's cached state for one entity kind and
// cascades to dependent kinds. Each step drops the kind's row or list memos
// and the materialised view; depth bounds the walk.
func (c *Cache) Purge(key partition.Key, kind Kind, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked(key, kind, depth)
}

func (c *Cache) purgeLocked(key partition.Key, kind Kind, depth int) {
	if memos, ok := c.memos[key]; ok {
		switch kind {
		case KindSetting:
			memos.settings = map[string]map[string]any{}
		case KindModule:
			memos.modules = map[string]map[string]any{}
		case KindFunction:
			memos.functionList = nil
		case KindFunctionCall:
			// Call records are never memoised; the walk ends here.
		}
	}
	delete(c.views, key)

	if depth <= 0 {
		return
	}
	for _, dep := range dependents[kind] {
		c.purgeLocked(key, dep, depth-1)
	}
}

// PurgeForMutation purges the partition when the GraphQL document invokes a
// configuration mutation. It reports whether a purge happened.
func (c *Cache) PurgeForMutation(key partition.Key, document string) bool {
	for name, kind := range configMutations {
		if mutationPatterns[name].MatchString(document) {
			c.log.Info("Purging configuration cache after mutation",
				"partition_key", string(key), "mutation", name)
			c.Purge(key, kind, DefaultPurgeDepth)
			return true
		}
	}
	return false
}
