// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package fanout manages SSE subscribers: bounded per-client queues, a
// replayable message history, and user-scoped delivery.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mcpden/mcpden/pkg/logger"
)

// Defaults for the history ring and per-client queues.
const (
	DefaultHistoryCapacity = 1000
	DefaultQueueCapacity   = 100
)

// Envelope is one outbound message. The id is allocated by the manager
// before history insertion and delivery and serialises inline with the
// payload.
type Envelope struct {
	ID      int64
	Payload map[string]any
}

// MarshalJSON emits the payload with the id merged in.
func (e Envelope) MarshalJSON() ([]byte, error) {
	merged := make(map[string]any, len(e.Payload)+1)
	for k, v := range e.Payload {
		merged[k] = v
	}
	merged["id"] = e.ID
	return json.Marshal(merged)
}

type client struct {
	id       int64
	username string
	queue    chan Envelope
}

// ring is a fixed-capacity message history.
type ring struct {
	buf   []Envelope
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Envelope, capacity)}
}

func (r *ring) append(env Envelope) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = env
		r.n++
		return
	}
	r.buf[r.start] = env
	r.start = (r.start + 1) % len(r.buf)
}

// since returns, oldest first, every entry with an id greater than lastID.
func (r *ring) since(lastID int64) []Envelope {
	var out []Envelope
	for i := 0; i < r.n; i++ {
		env := r.buf[(r.start+i)%len(r.buf)]
		if env.ID > lastID {
			out = append(out, env)
		}
	}
	return out
}

func (r *ring) reset() {
	r.start = 0
	r.n = 0
}

// Manager tracks SSE clients and their queues. A single mutex guards all
// state; queue puts are non-blocking so the lock is held briefly.
type Manager struct {
	log *slog.Logger

	mu            sync.Mutex
	nextClientID  int64
	nextMessageID int64
	clients       map[int64]*client
	users         map[string]map[int64]struct{}
	history       *ring
	queueCap      int
}

// Option customises a Manager.
type Option func(*Manager)

// WithHistoryCapacity overrides the history ring size.
func WithHistoryCapacity(capacity int) Option {
	return func(m *Manager) {
		m.history = newRing(capacity)
	}
}

// WithQueueCapacity overrides the per-client queue size.
func WithQueueCapacity(capacity int) Option {
	return func(m *Manager) {
		m.queueCap = capacity
	}
}

// WithLogger overrides the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:      logger.Get(),
		clients:  map[int64]*client{},
		users:    map[string]map[int64]struct{}{},
		history:  newRing(DefaultHistoryCapacity),
		queueCap: DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddClient registers a new subscriber for the user and returns its id and
// delivery queue. The queue is closed when the client is removed.
func (m *Manager) AddClient(username string) (int64, <-chan Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextClientID++
	c := &client{
		id:       m.nextClientID,
		username: username,
		queue:    make(chan Envelope, m.queueCap),
	}
	m.clients[c.id] = c

	set, ok := m.users[username]
	if !ok {
		set = map[int64]struct{}{}
		m.users[username] = set
	}
	set[c.id] = struct{}{}

	m.log.Info("Added SSE client", "client_id", c.id, "username", username)
	return c.id, c.queue
}

// RemoveClient drops a subscriber and closes its queue. It reports whether
// the client was still registered.
func (m *Manager) RemoveClient(clientID int64, username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := m.removeLocked(clientID)
	if removed {
		m.log.Info("Removed SSE client", "client_id", clientID, "username", username)
	}
	return removed
}

// removeLocked must be called with the mutex held.
func (m *Manager) removeLocked(clientID int64) bool {
	c, ok := m.clients[clientID]
	if !ok {
		return false
	}
	delete(m.clients, clientID)

	if set, ok := m.users[c.username]; ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.users, c.username)
		}
	}
	close(c.queue)
	return true
}

// stampLocked allocates the next message id and appends the envelope to
// history. Must be called with the mutex held.
func (m *Manager) stampLocked(payload map[string]any) Envelope {
	m.nextMessageID++
	env := Envelope{ID: m.nextMessageID, Payload: payload}
	m.history.append(env)
	return env
}

// Broadcast delivers the message to every client, best effort, and returns
// the delivery count. Clients with full queues are evicted in a second pass.
func (m *Manager) Broadcast(payload map[string]any) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	env := m.stampLocked(payload)
	delivered := 0
	var dead []int64
	for id, c := range m.clients {
		select {
		case c.queue <- env:
			delivered++
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		m.log.Warn("Evicting SSE client with full queue", "client_id", id)
		m.removeLocked(id)
	}
	return delivered
}

// SendToClient delivers the message to one client. A full queue evicts the
// client and reports failure.
func (m *Manager) SendToClient(clientID int64, payload map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.clients[clientID]
	if !ok {
		return false
	}

	env := m.stampLocked(payload)
	select {
	case c.queue <- env:
		return true
	default:
		m.log.Warn("Evicting SSE client with full queue", "client_id", clientID)
		m.removeLocked(clientID)
		return false
	}
}

// SendToUser delivers the message to every client of the user, iterating a
// snapshot of the user's client set. It reports success when at least one
// delivery landed.
func (m *Manager) SendToUser(username string, payload map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.users[username]
	if !ok || len(set) == 0 {
		return false
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	env := m.stampLocked(payload)
	delivered := false
	for _, id := range ids {
		c, ok := m.clients[id]
		if !ok {
			continue
		}
		select {
		case c.queue <- env:
			delivered = true
		default:
			m.log.Warn("Evicting SSE client with full queue", "client_id", id)
			m.removeLocked(id)
		}
	}
	return delivered
}

// MissedSince returns, in order, every history entry with id > lastID.
// Entries older than the ring are lost.
func (m *Manager) MissedSince(lastID int64) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.since(lastID)
}

// Stats reports manager counters for the health and metrics documents.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	userDistribution := make(map[string]int, len(m.users))
	for username, set := range m.users {
		userDistribution[username] = len(set)
	}
	return map[string]any{
		"total_clients":        len(m.clients),
		"total_users":          len(m.users),
		"user_distribution":    userDistribution,
		"message_history_size": m.history.n,
		"max_queue_size":       m.queueCap,
	}
}

// CleanupAll drops every client and clears the history.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.clients {
		m.removeLocked(id)
	}
	m.history.reset()
	m.log.Info("Cleaned up all SSE clients")
}
