// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit enforces per-client sliding-window request budgets.
//
// Each limiter tracks request timestamps per client key (normally the
// source IP) and rejects a request when the count inside the window is
// already at the limit. Rejected requests do not consume budget.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default budgets. Mutating requests share one global budget while the
// streaming endpoint gets its own, tighter read budget.
const (
	DefaultPostLimit   = 100
	DefaultStreamLimit = 50
	DefaultWindow      = time.Minute
)

// Limiter is a sliding-window rate limiter keyed by client identifier.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	now         func() time.Time
	requests    map[string][]time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the limiter's time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter allowing maxRequests per window for each key.
func New(maxRequests int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		requests:    make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether the key may make a request now and records it if
// so. A rejected request is not recorded, so a client that keeps retrying
// does not push its own window further out.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.requests[key][:0]
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.maxRequests {
		l.requests[key] = recent
		return false
	}

	l.requests[key] = append(recent, now)
	return true
}

// Remaining returns how many requests the key has left in the current
// window.
func (l *Limiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	count := 0
	for _, t := range l.requests[key] {
		if t.After(cutoff) {
			count++
		}
	}

	remaining := l.maxRequests - count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forgets all recorded requests for the key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, key)
}

// Cleanup drops keys whose every recorded request has aged out of the
// window. Call it periodically to keep the map from growing unbounded.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, times := range l.requests {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.requests, key)
		}
	}
}

// Window returns the limiter's window size.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Stats summarises the limiter for the metrics endpoint.
func (l *Limiter) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]any{
		"max_requests":    l.maxRequests,
		"window_seconds":  int(l.window.Seconds()),
		"tracked_clients": len(l.requests),
	}
}

// Middleware enforces the limiter on every request routed through it,
// keyed by client IP. Scope it to a route group when only part of the
// API should pay into the budget.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(ClientIP(r)) {
				reject(w, l.Window())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MethodMiddleware enforces the limiter on requests of one HTTP method
// and passes everything else through untouched.
func MethodMiddleware(method string, l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == method && !l.Allow(ClientIP(r)) {
				reject(w, l.Window())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, window time.Duration) {
	w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Rate limit exceeded"})
}

// ClientIP extracts the client IP address from the request.
func ClientIP(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the list
		if ips := strings.Split(xff, ","); len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}
