// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// LocalVerifier validates tokens signed with the daemon's own HMAC secret.
// Tokens carrying perm:true never expire; everything else must present a
// future exp claim.
type LocalVerifier struct {
	secret      []byte
	algorithm   string
	staticToken string
	adminUser   string
}

// NewLocalVerifier creates a verifier for locally minted tokens. A
// non-empty staticToken is accepted as-is and mapped to admin claims.
func NewLocalVerifier(secret, algorithm, staticToken, adminUsername string) *LocalVerifier {
	if algorithm == "" {
		algorithm = "HS256"
	}
	return &LocalVerifier{
		secret:      []byte(secret),
		algorithm:   algorithm,
		staticToken: staticToken,
		adminUser:   adminUsername,
	}
}

// Verify checks the token signature and expiry and returns the claims.
func (v *LocalVerifier) Verify(_ context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	// A configured static admin token short-circuits JWT parsing. The
	// token itself carries no claims, so a fixed admin identity is
	// attached.
	if v.staticToken != "" &&
		subtle.ConstantTimeCompare([]byte(tokenString), []byte(v.staticToken)) == 1 {
		return jwt.MapClaims{"username": v.adminUser, "role": "admin", "perm": true}, nil
	}

	// Expiry is validated manually below so permanent tokens pass.
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if token.Method.Alg() != v.algorithm {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithoutClaimsValidation())
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

	if perm, _ := claims["perm"].(bool); perm {
		return claims, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return nil, ErrTokenExpired
	}
	return claims, nil
}
