// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"

	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/partition"
)

// Unconfigured stands in for the metadata store when no GraphQL endpoint is
// configured. Every operation fails with an upstream error, leaving only the
// preloaded default partition serviceable.
type Unconfigured struct{}

// FunctionList always fails.
func (Unconfigured) FunctionList(context.Context, partition.Key) ([]map[string]any, error) {
	return nil, errUnconfigured()
}

// Module always fails.
func (Unconfigured) Module(context.Context, partition.Key, string) (map[string]any, error) {
	return nil, errUnconfigured()
}

// Setting always fails.
func (Unconfigured) Setting(context.Context, partition.Key, string) (map[string]any, error) {
	return nil, errUnconfigured()
}

// GetFunctionCall always fails.
func (Unconfigured) GetFunctionCall(context.Context, partition.Key, string) (map[string]any, error) {
	return nil, errUnconfigured()
}

// InsertUpdateFunctionCall always fails.
func (Unconfigured) InsertUpdateFunctionCall(context.Context, partition.Key, map[string]any) (map[string]any, error) {
	return nil, errUnconfigured()
}

func errUnconfigured() error {
	return errors.NewUpstreamFailureError("metadata store is not configured", nil)
}
