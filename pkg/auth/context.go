// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// ClaimsContextKey is the key used to store claims in the request context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even when two packages pick
// the same name.
type ClaimsContextKey struct{}

// WithClaims stores verified claims in the context.
func WithClaims(ctx context.Context, claims jwt.MapClaims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext retrieves the verified claims from the request context.
// Returns the claims and a boolean indicating whether claims were found.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	if ctx == nil {
		return nil, false
	}
	claims, ok := ctx.Value(ClaimsContextKey{}).(jwt.MapClaims)
	return claims, ok
}
