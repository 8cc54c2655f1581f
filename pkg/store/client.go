// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package store is the client for the upstream metadata service, a GraphQL
// API over a key/value table store. The daemon never talks to the tables
// directly; every catalogue read and call-record write goes through here.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mcpden/mcpden/pkg/errors"
	"github.com/mcpden/mcpden/pkg/partition"
)

const defaultRequestTimeout = 30 * time.Second

// Client issues GraphQL operations against the metadata store.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for store requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a store client for the given GraphQL endpoint URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// request is the wire form of a store operation. The partition identity
// travels beside the document so the store can scope every resolver.
type request struct {
	EndpointID string         `json:"endpointId"`
	PartID     string         `json:"partId,omitempty"`
	Query      string         `json:"query"`
	Variables  map[string]any `json:"variables,omitempty"`
}

// Query executes a GraphQL document scoped to the given partition and returns
// the parsed `data` object. Transport problems surface as UpstreamFailure;
// a response carrying `errors` surfaces as UpstreamSemanticError, except for
// the store's item-size rejection which maps to ItemTooLarge so callers can
// recover by offloading.
func (c *Client) Query(ctx context.Context, key partition.Key, document string, variables map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(request{
		EndpointID: key.Endpoint(),
		PartID:     key.Part(),
		Query:      document,
		Variables:  variables,
	})
	if err != nil {
		return gjson.Result{}, errors.NewInternalError("failed to encode store request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, errors.NewUpstreamFailureError("failed to build store request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, errors.NewUpstreamFailureError("metadata store unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, errors.NewUpstreamFailureError("failed to read store response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gjson.Result{}, errors.NewUpstreamFailureError(
			fmt.Sprintf("metadata store returned status %d", resp.StatusCode), nil)
	}

	if errs := gjson.GetBytes(payload, "errors"); errs.Exists() && errs.IsArray() && len(errs.Array()) > 0 {
		msg := errs.Array()[0].Get("message").String()
		if msg == "" {
			msg = errs.Array()[0].Raw
		}
		return gjson.Result{}, classifySemanticError(msg)
	}

	return gjson.GetBytes(payload, "data"), nil
}

// classifySemanticError maps a store error message to the right error type.
// The table store rejects oversized rows with an item-size validation
// message; that case is recoverable and gets its own type.
func classifySemanticError(msg string) error {
	if strings.Contains(strings.ToLower(msg), "item size has exceeded") {
		return errors.NewItemTooLargeError(msg, nil)
	}
	return errors.NewUpstreamSemanticError(msg, nil)
}
