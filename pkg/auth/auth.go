// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package auth provides authentication for the daemon's HTTP surface:
// bearer-token verification against a local HS256 secret or a remote
// JWKS (Cognito and API-gateway deployments), the enforcement
// middleware, and the local token mint.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Provider names accepted by New.
const (
	ProviderLocal      = "local"
	ProviderCognito    = "cognito"
	ProviderAPIGateway = "api_gateway"
)

// Common errors
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingJWKSURL  = errors.New("missing JWKS URL")
)

// Verifier checks a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error)
}

// Options selects and configures a token verifier.
type Options struct {
	// Provider is one of local, cognito, or api_gateway.
	Provider string

	// Local provider settings.
	Secret           string
	Algorithm        string
	StaticAdminToken string
	AdminUsername    string

	// Remote provider settings. Issuer and JWKSURL are derived from the
	// Cognito pool when not set explicitly.
	Region        string
	UserPoolID    string
	AppClientID   string
	JWKSURL       string
	KeyTTLSeconds int
}

// New constructs the verifier for the configured provider.
func New(ctx context.Context, opts Options) (Verifier, error) {
	switch opts.Provider {
	case "", ProviderLocal:
		return NewLocalVerifier(opts.Secret, opts.Algorithm, opts.StaticAdminToken, opts.AdminUsername), nil

	case ProviderCognito, ProviderAPIGateway:
		issuer := CognitoIssuer(opts.Region, opts.UserPoolID)
		jwksURL := opts.JWKSURL
		if jwksURL == "" {
			jwksURL = CognitoJWKSURL(issuer)
		}
		return NewRemoteVerifier(ctx, RemoteConfig{
			Issuer:        issuer,
			Audience:      opts.AppClientID,
			JWKSURL:       jwksURL,
			KeyTTLSeconds: opts.KeyTTLSeconds,
		})

	default:
		return nil, fmt.Errorf("unknown auth provider %q", opts.Provider)
	}
}

// CognitoIssuer builds the issuer URL for a Cognito user pool.
func CognitoIssuer(region, userPoolID string) string {
	if region == "" || userPoolID == "" {
		return ""
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// CognitoJWKSURL builds the JWKS endpoint for an issuer.
func CognitoJWKSURL(issuer string) string {
	if issuer == "" {
		return ""
	}
	return issuer + "/.well-known/jwks.json"
}
