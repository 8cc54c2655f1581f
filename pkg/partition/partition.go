// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package partition derives the routing key that scopes every catalogue
// entry, call record and cache line to a single tenant.
//
// A partition key is either a bare endpoint id or `endpoint#part` when the
// request carries a sub-tenant part id. The reserved key "default" addresses
// the locally preloaded configuration and never touches the metadata store.
package partition

import (
	"regexp"
	"strings"

	"github.com/mcpden/mcpden/pkg/errors"
)

// HeaderPartID is the request header carrying the optional sub-tenant id.
const HeaderPartID = "X-Part-Id"

// DefaultKey addresses the preloaded configuration partition.
const DefaultKey Key = "default"

const separator = "#"

var validEndpointID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Key is a partition routing key of the form `endpoint` or `endpoint#part`.
type Key string

// Assemble builds the partition key for a request. endpointID must match
// [A-Za-z0-9_-]+; partID is optional and, when present, is held to the same
// alphabet so the separator stays unambiguous.
func Assemble(endpointID, partID string) (Key, error) {
	if !validEndpointID.MatchString(endpointID) {
		return "", errors.NewInvalidArgumentError(
			"endpoint id must contain only letters, digits, underscores and dashes", nil)
	}
	if partID == "" {
		return Key(endpointID), nil
	}
	if !validEndpointID.MatchString(partID) {
		return "", errors.NewInvalidArgumentError(
			"part id must contain only letters, digits, underscores and dashes", nil)
	}
	return Key(endpointID + separator + partID), nil
}

// Endpoint returns the endpoint component of the key.
func (k Key) Endpoint() string {
	endpoint, _, _ := strings.Cut(string(k), separator)
	return endpoint
}

// Part returns the part component of the key, or "" for a bare endpoint key.
func (k Key) Part() string {
	_, part, _ := strings.Cut(string(k), separator)
	return part
}

// IsDefault reports whether the key addresses the preloaded default
// partition, which skips call-record persistence entirely.
func (k Key) IsDefault() bool {
	return k == DefaultKey
}

// String returns the key in its wire form.
func (k Key) String() string {
	return string(k)
}
