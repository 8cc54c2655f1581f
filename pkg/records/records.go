// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package records tracks the lifecycle of tool, resource, and prompt
// executions in the metadata store, spilling oversized content to the blob
// store.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcpden/mcpden/pkg/blob"
	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/partition"
)

// UpdatedBy stamps every record mutation issued by the daemon.
const UpdatedBy = "mcpden"

// Call record statuses. Every record starts as initial and ends as
// completed or failed; async executions pass through in_process.
const (
	StatusInitial   = "initial"
	StatusInProcess = "in_process"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record is a function-call row as the daemon consumes it.
type Record struct {
	CallUUID   string
	McpType    string
	Name       string
	Arguments  map[string]any
	Content    string
	HasContent bool
	Status     string
	Notes      string
	TimeSpent  int64
}

// Update carries the mutable fields of a record transition. Nil pointers
// leave the stored value untouched.
type Update struct {
	Status    string
	Content   *string
	Notes     *string
	TimeSpent *int64
}

// CallStore is the slice of the metadata store the recorder needs.
type CallStore interface {
	GetFunctionCall(ctx context.Context, key partition.Key, callUUID string) (map[string]any, error)
	InsertUpdateFunctionCall(ctx context.Context, key partition.Key, variables map[string]any) (map[string]any, error)
}

// Recorder persists call records, offloading content that exceeds the
// store's per-item size limit.
type Recorder struct {
	calls CallStore
	blobs blob.Store
	log   *slog.Logger
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithLogger overrides the recorder's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) {
		r.log = log
	}
}

// New creates a recorder over the metadata and blob stores.
func New(calls CallStore, blobs blob.Store, opts ...Option) *Recorder {
	r := &Recorder{calls: calls, blobs: blobs, log: logger.Get()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create persists a fresh record with status initial. A provided callUUID
// is reused so workers and retries converge on one record.
func (r *Recorder) Create(ctx context.Context, key partition.Key, name, mcpType string, arguments map[string]any, callUUID string) (*Record, error) {
	if callUUID == "" {
		callUUID = uuid.NewString()
	}

	row, err := r.calls.InsertUpdateFunctionCall(ctx, key, map[string]any{
		"mcpFunctionCallUuid": callUUID,
		"name":                name,
		"mcpType":             mcpType,
		"arguments":           arguments,
		"status":              StatusInitial,
		"updatedBy":           UpdatedBy,
	})
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Apply transitions the record. When the store rejects the row as too
// large, the content moves to the blob store under a deterministic key and
// the metadata update is retried once with has_content set.
func (r *Recorder) Apply(ctx context.Context, key partition.Key, callUUID string, update Update) (*Record, error) {
	vars := map[string]any{
		"mcpFunctionCallUuid": callUUID,
		"updatedBy":           UpdatedBy,
	}
	if update.Status != "" {
		vars["status"] = update.Status
	}
	if update.Content != nil {
		vars["content"] = *update.Content
	}
	if update.Notes != nil {
		vars["notes"] = *update.Notes
	}
	if update.TimeSpent != nil {
		vars["timeSpent"] = *update.TimeSpent
	}

	row, err := r.calls.InsertUpdateFunctionCall(ctx, key, vars)
	if err == nil {
		return fromRow(row), nil
	}
	if !errors.IsItemTooLarge(err) || update.Content == nil {
		return nil, err
	}

	contentKey := blob.ContentKey(callUUID)
	if uploadErr := r.blobs.Upload(ctx, contentKey, []byte(*update.Content), "application/json"); uploadErr != nil {
		return nil, errors.NewInternalError(
			fmt.Sprintf("failed to offload content for call %s", callUUID), uploadErr)
	}
	r.log.Info("Offloaded oversized call content", "call_uuid", callUUID, "key", contentKey)

	vars["content"] = ""
	vars["hasContent"] = true
	row, err = r.calls.InsertUpdateFunctionCall(ctx, key, vars)
	if err != nil {
		return nil, err
	}
	return fromRow(row), nil
}

// Get fetches a record, pulling offloaded content back from the blob store
// when the row carries has_content.
func (r *Recorder) Get(ctx context.Context, key partition.Key, callUUID string) (*Record, error) {
	row, err := r.calls.GetFunctionCall(ctx, key, callUUID)
	if err != nil {
		return nil, err
	}

	rec := fromRow(row)
	if rec.HasContent {
		body, err := r.blobs.Download(ctx, blob.ContentKey(callUUID))
		if err != nil {
			return nil, errors.NewInternalError(
				fmt.Sprintf("failed to fetch offloaded content for call %s", callUUID), err)
		}
		rec.Content = string(body)
	}
	return rec, nil
}

func fromRow(row map[string]any) *Record {
	if row == nil {
		return &Record{}
	}
	rec := &Record{
		CallUUID:   stringField(row, "mcpFunctionCallUuid"),
		McpType:    stringField(row, "mcpType"),
		Name:       stringField(row, "name"),
		Content:    stringField(row, "content"),
		Status:     stringField(row, "status"),
		Notes:      stringField(row, "notes"),
		HasContent: boolField(row, "hasContent"),
		TimeSpent:  int64Field(row, "timeSpent"),
	}
	rec.Arguments = argumentsField(row)
	return rec
}

func stringField(row map[string]any, name string) string {
	s, _ := row[name].(string)
	return s
}

func boolField(row map[string]any, name string) bool {
	b, _ := row[name].(bool)
	return b
}

func int64Field(row map[string]any, name string) int64 {
	switch v := row[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}

// argumentsField tolerates both object-typed and string-encoded argument
// columns.
func argumentsField(row map[string]any) map[string]any {
	switch v := row["arguments"].(type) {
	case map[string]any:
		return v
	case string:
		var args map[string]any
		if err := json.Unmarshal([]byte(v), &args); err == nil {
			return args
		}
	}
	return nil
}
