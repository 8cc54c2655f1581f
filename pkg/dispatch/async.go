// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/partition"
	"github.com/mcpden/mcpden/pkg/records"
	"github.com/mcpden/mcpden/pkg/worker"
)

// CallUUIDArgument is the reserved tool argument that resumes a prior
// async call instead of starting a new one.
const CallUUIDArgument = "mcp_function_call_uuid"

const (
	asyncPollInterval = 500 * time.Millisecond
	asyncPollWindow   = 3 * time.Second
)

// DefaultShutdownTimeout bounds the background-task join during shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// dispatchAsync runs an async tool. A call uuid in the arguments resumes
// an existing record; otherwise a record is created and the execution is
// handed to the worker tier or a tracked background task. The caller then
// waits up to the poll window for a terminal status and otherwise returns
// a resumable handle.
func (e *Engine) dispatchAsync(ctx context.Context, inv invocation) ([]mcp.Content, error) {
	if inv.key.IsDefault() {
		return nil, errors.NewInvalidArgumentError(
			fmt.Sprintf("Async tool %s cannot run on the default partition", inv.name), nil)
	}

	if prior, ok := inv.recordArgs[CallUUIDArgument].(string); ok && prior != "" {
		rec, err := e.recorder.Get(ctx, inv.key, prior)
		if err != nil {
			return nil, err
		}
		return asyncResult(rec), nil
	}

	rec, err := e.recorder.Create(ctx, inv.key, inv.name, inv.mcpType, inv.recordArgs, "")
	if err != nil {
		return nil, err
	}

	// The background task signals this channel when it finishes, so the
	// wait loop learns about completion without burning a full poll tick.
	// The worker path has no channel and relies on polling alone.
	var done chan struct{}
	if e.invoker != nil {
		err := e.invoker.Invoke(ctx, worker.Job{
			Name:         inv.name,
			Arguments:    inv.recordArgs,
			CallUUID:     rec.CallUUID,
			Settings:     inv.module.Setting,
			PartitionKey: inv.key.String(),
		})
		if err != nil {
			return nil, err
		}
	} else {
		done = make(chan struct{})
		taskCtx := context.WithoutCancel(ctx)
		e.spawn(rec.CallUUID, inv.name, func() {
			defer close(done)
			if _, _, err := e.execute(taskCtx, inv, rec.CallUUID); err != nil {
				e.log.Warn("Background tool task failed",
					"tool", inv.name, "call_uuid", rec.CallUUID, "error", err)
			}
		})
	}

	return e.awaitRecord(ctx, inv.key, rec.CallUUID, done)
}

// awaitRecord waits for the record to reach a terminal status, polling
// every half second within the poll window. The first poll moves a still
// initial record to in_process. On timeout the current status is returned
// as a resumable handle.
func (e *Engine) awaitRecord(ctx context.Context, key partition.Key, callUUID string, done <-chan struct{}) ([]mcp.Content, error) {
	deadline := time.NewTimer(e.pollWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	marked := false
	for {
		select {
		case <-done:
			rec, err := e.recorder.Get(ctx, key, callUUID)
			if err != nil {
				return nil, err
			}
			return asyncResult(rec), nil

		case <-ticker.C:
			rec, err := e.recorder.Get(ctx, key, callUUID)
			if err != nil {
				return nil, err
			}
			if !marked && rec.Status == records.StatusInitial {
				if _, err := e.recorder.Apply(ctx, key, callUUID, records.Update{
					Status: records.StatusInProcess,
				}); err != nil {
					return nil, err
				}
				rec.Status = records.StatusInProcess
			}
			marked = true
			if rec.Status == records.StatusCompleted || rec.Status == records.StatusFailed {
				return asyncResult(rec), nil
			}

		case <-deadline.C:
			rec, err := e.recorder.Get(ctx, key, callUUID)
			if err != nil {
				return nil, err
			}
			return asyncResult(rec), nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// asyncResult shapes a record into the async response: completed records
// return their content as text, everything else returns a resumable
// embedded-resource handle.
func asyncResult(rec *records.Record) []mcp.Content {
	if rec.Status == records.StatusCompleted {
		return []mcp.Content{mcp.NewTextContent(rec.Content)}
	}
	return []mcp.Content{statusResource(rec)}
}

func statusResource(rec *records.Record) mcp.EmbeddedResource {
	payload, _ := json.Marshal(map[string]any{
		"uuid":   rec.CallUUID,
		"status": rec.Status,
		"notes":  rec.Notes,
	})
	return mcp.NewEmbeddedResource(mcp.TextResourceContents{
		URI:      "mcp://function-call/" + rec.CallUUID,
		MIMEType: "application/json",
		Text:     string(payload),
	})
}

// spawn runs fn as a tracked background task.
func (e *Engine) spawn(callUUID, name string, fn func()) {
	e.mu.Lock()
	e.live[callUUID] = name
	e.mu.Unlock()

	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		defer func() {
			e.mu.Lock()
			delete(e.live, callUUID)
			e.mu.Unlock()
		}()
		fn()
	}()
}

// Shutdown joins background tool tasks, waiting up to timeout. Tasks that
// do not finish in time are logged and left running; there is no forced
// kill.
func (e *Engine) Shutdown(timeout time.Duration) {
	finished := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(timeout):
		e.mu.Lock()
		for callUUID, name := range e.live {
			e.log.Warn("Background tool task still running at shutdown",
				"tool", name, "call_uuid", callUUID)
		}
		e.mu.Unlock()
	}
}
