// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/partition"
)

// The catalogue is read through three fixed queries; call records are read
// and written through one query/mutation pair. Field sets match the store's
// GraphQL schema.
const (
	functionListQuery = `query mcpFunctionList($pageNumber: Int, $limit: Int, $mcpType: String) {
    mcpFunctionList(pageNumber: $pageNumber, limit: $limit, mcpType: $mcpType) {
        pageSize pageNumber total mcpFunctionList {
            endpointId name mcpType description data annotations
            moduleName className functionName returnType isAsync
            updatedBy createdAt updatedAt
        }
    }
}`

	moduleQuery = `query mcpModule($moduleName: String!) {
    mcpModule(moduleName: $moduleName) {
        endpointId moduleName packageName classes source
        updatedBy createdAt updatedAt
    }
}`

	settingQuery = `query mcpSetting($settingId: String!) {
    mcpSetting(settingId: $settingId) {
        endpointId settingId setting
        updatedBy createdAt updatedAt
    }
}`

	functionCallQuery = `query mcpFunctionCall($mcpFunctionCallUuid: String!) {
    mcpFunctionCall(mcpFunctionCallUuid: $mcpFunctionCallUuid) {
        endpointId mcpFunctionCallUuid mcpType name arguments
        content hasContent status notes timeSpent
        updatedBy createdAt updatedAt
    }
}`

	insertUpdateFunctionCallMutation = `mutation insertUpdateMcpFunctionCall(
    $arguments: JSON, $content: String, $hasContent: Boolean,
    $mcpFunctionCallUuid: String, $mcpType: String, $name: String,
    $notes: String, $status: String, $timeSpent: Int, $updatedBy: String!
) {
    insertUpdateMcpFunctionCall(
        arguments: $arguments, content: $content, hasContent: $hasContent,
        mcpFunctionCallUuid: $mcpFunctionCallUuid, mcpType: $mcpType, name: $name,
        notes: $notes, status: $status, timeSpent: $timeSpent, updatedBy: $updatedBy
    ) {
        mcpFunctionCall {
            endpointId mcpFunctionCallUuid mcpType name arguments
            content hasContent status notes timeSpent
            updatedBy createdAt updatedAt
        }
    }
}`

	initializeTablesMutation = `mutation initializeTables {
    initializeTables { ok }
}`
)

// functionListPageSize bounds a catalogue read. Partitions are expected to
// stay well under this.
const functionListPageSize = 1000

// FunctionList returns every function record for the partition.
func (c *Client) FunctionList(ctx context.Context, key partition.Key) ([]map[string]any, error) {
	res, err := c.Query(ctx, key, functionListQuery, map[string]any{
		"pageNumber": 1,
		"limit":      functionListPageSize,
	})
	if err != nil {
		return nil, err
	}

	items := res.Get("mcpFunctionList.mcpFunctionList")
	functions := make([]map[string]any, 0, len(items.Array()))
	for _, item := range items.Array() {
		if m, ok := item.Value().(map[string]any); ok {
			functions = append(functions, m)
		}
	}
	return functions, nil
}

// Module returns the module record for the given module name, or nil when the
// store has no such module in the partition.
func (c *Client) Module(ctx context.Context, key partition.Key, moduleName string) (map[string]any, error) {
	res, err := c.Query(ctx, key, moduleQuery, map[string]any{"moduleName": moduleName})
	if err != nil {
		return nil, err
	}
	m, _ := res.Get("mcpModule").Value().(map[string]any)
	return m, nil
}

// Setting returns the setting map for the given setting id. A missing or
// empty setting comes back as an empty map.
func (c *Client) Setting(ctx context.Context, key partition.Key, settingID string) (map[string]any, error) {
	res, err := c.Query(ctx, key, settingQuery, map[string]any{"settingId": settingID})
	if err != nil {
		return nil, err
	}
	setting, _ := res.Get("mcpSetting.setting").Value().(map[string]any)
	if setting == nil {
		setting = map[string]any{}
	}
	return setting, nil
}

// GetFunctionCall reads a call record by uuid. The store is eventually
// consistent for fresh writes, so reads retry with exponential backoff.
func (c *Client) GetFunctionCall(ctx context.Context, key partition.Key, callUUID string) (map[string]any, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 200 * time.Millisecond

	operation := func() (map[string]any, error) {
		res, err := c.Query(ctx, key, functionCallQuery, map[string]any{
			"mcpFunctionCallUuid": callUUID,
		})
		if err != nil {
			return nil, err
		}
		record, _ := res.Get("mcpFunctionCall").Value().(map[string]any)
		if record == nil {
			return nil, errors.NewUpstreamSemanticError("function call record not found: "+callUUID, nil)
		}
		return record, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
	)
}

// InsertUpdateFunctionCall creates or patches a call record and returns the
// stored row.
func (c *Client) InsertUpdateFunctionCall(ctx context.Context, key partition.Key, variables map[string]any) (map[string]any, error) {
	res, err := c.Query(ctx, key, insertUpdateFunctionCallMutation, variables)
	if err != nil {
		return nil, err
	}
	record, _ := res.Get("insertUpdateMcpFunctionCall.mcpFunctionCall").Value().(map[string]any)
	return record, nil
}

// InitializeTables asks the store to create its backing tables. The call is
// best-effort bootstrap; callers log and continue on failure.
func (c *Client) InitializeTables(ctx context.Context) error {
	_, err := c.Query(ctx, partition.DefaultKey, initializeTablesMutation, nil)
	return err
}

// RawResult is the outcome of a passthrough operation.
type RawResult struct {
	// Body is the store's response document, `data` and `errors` included.
	Body json.RawMessage
	// OK reports whether the response carried no errors, which is the
	// condition for mutation-driven cache invalidation.
	OK bool
}

// Raw forwards an arbitrary GraphQL document to the store and returns the
// whole response body. Only transport failures surface as errors; semantic
// errors stay in the body for the caller to relay.
func (c *Client) Raw(ctx context.Context, key partition.Key, document string, variables map[string]any) (*RawResult, error) {
	res, err := c.Query(ctx, key, document, variables)
	if err != nil {
		if errors.IsUpstreamFailure(err) || errors.IsInternal(err) {
			return nil, err
		}
		// Semantic errors are part of the passthrough contract.
		body, mErr := json.Marshal(map[string]any{
			"errors": []map[string]any{{"message": err.Error()}},
		})
		if mErr != nil {
			return nil, errors.NewInternalError("failed to encode store errors", mErr)
		}
		return &RawResult{Body: body, OK: false}, nil
	}

	body, err := json.Marshal(map[string]any{"data": json.RawMessage(rawOrNull(res))})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode store response", err)
	}
	return &RawResult{Body: body, OK: true}, nil
}

func rawOrNull(res gjson.Result) string {
	if !res.Exists() || res.Raw == "" {
		return "null"
	}
	return res.Raw
}
