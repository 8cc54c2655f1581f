// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	// jwksFetchTimeout bounds JWKS endpoint calls.
	jwksFetchTimeout = 10 * time.Second

	// defaultKeyTTL is how long an exported signing key is reused before
	// the key set is consulted again.
	defaultKeyTTL = time.Hour
)

// RemoteConfig contains configuration for the remote token verifier.
type RemoteConfig struct {
	// Issuer is the expected iss claim, e.g. the Cognito pool URL.
	Issuer string

	// Audience is the expected audience, typically the app client ID.
	Audience string

	// JWKSURL is the URL to fetch the JWKS from.
	JWKSURL string

	// KeyTTLSeconds is how long signing keys are cached. Zero selects the
	// default of one hour.
	KeyTTLSeconds int

	// HTTPClient overrides the client used for JWKS fetches.
	HTTPClient *http.Client
}

type cachedKey struct {
	key     any
	fetched time.Time
}

// RemoteVerifier validates RS256 tokens against a remote JWKS.
type RemoteVerifier struct {
	issuer   string
	audience string
	jwksURL  string

	jwksClient *jwk.Cache

	// Lazy JWKS registration
	registered      bool
	registrationMu  sync.Mutex
	registrationErr error

	// Exported signing keys are reused per kid within the TTL.
	keyTTL time.Duration
	keyMu  sync.Mutex
	keys   map[string]cachedKey
	now    func() time.Time
}

// NewRemoteVerifier creates a verifier backed by the JWKS at
// config.JWKSURL. The key set registration happens lazily on first use so
// construction never blocks on the network.
func NewRemoteVerifier(ctx context.Context, config RemoteConfig) (*RemoteVerifier, error) {
	if config.JWKSURL == "" {
		return nil, ErrMissingJWKSURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: jwksFetchTimeout}
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	cache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	ttl := time.Duration(config.KeyTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}

	return &RemoteVerifier{
		issuer:     config.Issuer,
		audience:   config.Audience,
		jwksURL:    config.JWKSURL,
		jwksClient: cache,
		keyTTL:     ttl,
		keys:       map[string]cachedKey{},
		now:        time.Now,
	}, nil
}

// ensureRegistered registers the JWKS URL with the cache on first use.
func (v *RemoteVerifier) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	if err := v.jwksClient.Register(registrationCtx, v.jwksURL); err != nil {
		v.registrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		v.registrationErr = nil
	}

	v.registered = true
	return v.registrationErr
}

// signingKey resolves the RSA public key for the token's kid.
func (v *RemoteVerifier) signingKey(ctx context.Context, token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	v.keyMu.Lock()
	cached, ok := v.keys[kid]
	v.keyMu.Unlock()
	if ok && v.now().Sub(cached.fetched) < v.keyTTL {
		return cached.key, nil
	}

	if err := v.ensureRegistered(ctx); err != nil {
		return nil, fmt.Errorf("JWKS registration failed: %w", err)
	}

	keySet, err := v.jwksClient.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}

	v.keyMu.Lock()
	v.keys[kid] = cachedKey{key: rawKey, fetched: v.now()}
	v.keyMu.Unlock()

	return rawKey, nil
}

// validateClaims validates the claims in the token.
func (v *RemoteVerifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		issuerClaim, err := claims.GetIssuer()
		if err != nil || issuerClaim != v.issuer {
			return ErrInvalidIssuer
		}
	}

	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}

		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || expirationTime.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// Verify validates a remotely issued token.
func (v *RemoteVerifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.signingKey(ctx, token)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("failed to get claims from token")
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}
