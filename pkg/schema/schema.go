// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package schema validates tool arguments against their input schema and
// fills in declared defaults.
package schema

import (
	"fmt"
	"sort"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mcpden/mcpden/pkg/errors"
)

// ValidateAndFill walks the schema's properties and mutates args in place:
// missing keys with a declared default receive a deep copy of that default,
// and missing required keys without one fail the call. Nested objects and
// array items of object type are walked recursively, reporting paths as
// field.child and field[i].
func ValidateAndFill(inputSchema, args map[string]any) error {
	if inputSchema == nil || args == nil {
		return nil
	}
	return walkObject(inputSchema, args, "")
}

// CheckSchema reports whether a function's input schema is itself valid
// JSON Schema (draft-07).
func CheckSchema(inputSchema map[string]any) error {
	if inputSchema == nil {
		return nil
	}

	sl := gojsonschema.NewSchemaLoader()
	sl.Draft = gojsonschema.Draft7
	sl.AutoDetect = false
	sl.Validate = true
	if _, err := sl.Compile(gojsonschema.NewGoLoader(inputSchema)); err != nil {
		return errors.NewInvalidArgumentError(fmt.Sprintf("invalid input schema: %v", err), err)
	}
	return nil
}

func walkObject(schema, args map[string]any, prefix string) error {
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil
	}
	required := requiredSet(schema["required"])

	// Deterministic walk so the first missing argument reported is stable.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}

		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		value, present := args[name]
		if !present {
			def, hasDefault := prop["default"]
			if !hasDefault {
				if required[name] {
					return errors.NewInvalidArgumentError(
						fmt.Sprintf("Missing required argument: %s", path), nil)
				}
				continue
			}
			value = deepCopy(def)
			args[name] = value
		}

		if err := walkValue(prop, value, path); err != nil {
			return err
		}
	}
	return nil
}

func walkValue(prop map[string]any, value any, path string) error {
	switch prop["type"] {
	case "object":
		child, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		return walkObject(prop, child, path)
	case "array":
		items, ok := prop["items"].(map[string]any)
		if !ok {
			return nil
		}
		elems, ok := value.([]any)
		if !ok {
			return nil
		}
		for i, elem := range elems {
			if err := walkValue(items, elem, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func requiredSet(raw any) map[string]bool {
	set := map[string]bool{}
	switch list := raw.(type) {
	case []string:
		for _, name := range list {
			set[name] = true
		}
	case []any:
		for _, item := range list {
			if name, ok := item.(string); ok {
				set[name] = true
			}
		}
	}
	return set
}

// deepCopy clones a decoded JSON value so filled defaults never alias the
// schema document.
func deepCopy(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
