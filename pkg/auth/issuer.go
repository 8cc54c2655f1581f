// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mcpden/mcpden/pkg/logger"
)

// localUser is one entry of the local user file, a JSON array of
// {username, password_hash, roles} objects with bcrypt hashes.
type localUser struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	Roles        []string `json:"roles"`
}

// IssuerConfig contains configuration for the local token mint.
type IssuerConfig struct {
	Secret           string
	Algorithm        string
	ExpMinutes       int
	AdminUsername    string
	AdminPassword    string
	AdminStaticToken string
	UserFile         string
}

// Issuer mints local HS256 tokens for the /auth endpoints.
type Issuer struct {
	secret           []byte
	algorithm        string
	expMinutes       int
	adminUsername    string
	adminPassword    string
	adminStaticToken string
	userFile         string
	log              *slog.Logger

	adminOnce  sync.Once
	adminToken string
	adminErr   error

	usersOnce sync.Once
	users     map[string]localUser
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerLogger overrides the issuer's logger.
func WithIssuerLogger(log *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.log = log }
}

// NewIssuer creates a token mint from the daemon configuration.
func NewIssuer(config IssuerConfig, opts ...IssuerOption) *Issuer {
	algorithm := config.Algorithm
	if algorithm == "" {
		algorithm = "HS256"
	}
	expMinutes := config.ExpMinutes
	if expMinutes <= 0 {
		expMinutes = 30
	}

	i := &Issuer{
		secret:           []byte(config.Secret),
		algorithm:        algorithm,
		expMinutes:       expMinutes,
		adminUsername:    config.AdminUsername,
		adminPassword:    config.AdminPassword,
		adminStaticToken: config.AdminStaticToken,
		userFile:         config.UserFile,
		log:              logger.Get(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CreateToken signs a token with the configured secret. Permanent tokens
// carry perm:true instead of an expiry.
func (i *Issuer) CreateToken(payload map[string]any, forever bool) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	if forever {
		claims["perm"] = true
	} else {
		claims["exp"] = time.Now().Add(time.Duration(i.expMinutes) * time.Minute).Unix()
	}

	method := jwt.GetSigningMethod(i.algorithm)
	if method == nil {
		return "", fmt.Errorf("unknown signing algorithm %s", i.algorithm)
	}
	return jwt.NewWithClaims(method, claims).SignedString(i.secret)
}

// AdminToken returns the configured static admin token, minting a
// permanent one on first use when none is configured.
func (i *Issuer) AdminToken() (string, error) {
	i.adminOnce.Do(func() {
		if i.adminStaticToken != "" {
			i.adminToken = i.adminStaticToken
			return
		}
		token, err := i.CreateToken(map[string]any{
			"username": i.adminUsername,
			"role":     "admin",
		}, true)
		if err != nil {
			i.adminErr = err
			return
		}
		i.log.Info("Generated permanent admin token")
		i.adminToken = token
	})
	return i.adminToken, i.adminErr
}

// TokenHandler implements POST /auth/token. Admin credentials return the
// admin token; everyone else is checked against the local user file.
func (i *Issuer) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		invalidCredentials(w)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")

	if i.adminUsername != "" && i.adminPassword != "" &&
		subtle.ConstantTimeCompare([]byte(username), []byte(i.adminUsername)) == 1 &&
		subtle.ConstantTimeCompare([]byte(password), []byte(i.adminPassword)) == 1 {
		token, err := i.AdminToken()
		if err != nil {
			i.log.Error("Failed to mint admin token", "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeToken(w, token)
		return
	}

	user, ok := i.lookupUser(username)
	if !ok || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		invalidCredentials(w)
		return
	}

	token, err := i.CreateToken(map[string]any{"sub": user.Username, "roles": user.Roles}, false)
	if err != nil {
		i.log.Error("Failed to mint token", "user", username, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeToken(w, token)
}

// lookupUser consults the local user file, loading it once.
func (i *Issuer) lookupUser(username string) (localUser, bool) {
	i.usersOnce.Do(func() {
		i.users = map[string]localUser{}
		if i.userFile == "" {
			return
		}
		body, err := os.ReadFile(i.userFile)
		if err != nil {
			i.log.Warn("Failed to read local user file", "path", i.userFile, "error", err)
			return
		}
		var list []localUser
		if err := json.Unmarshal(body, &list); err != nil {
			i.log.Warn("Failed to parse local user file", "path", i.userFile, "error", err)
			return
		}
		for _, u := range list {
			i.users[u.Username] = u
		}
	})

	user, ok := i.users[username]
	return user, ok
}

// MeHandler implements GET /me, returning the caller's verified claims.
func MeHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		unauthenticated(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

func writeToken(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func invalidCredentials(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"Invalid credentials"}`))
}
