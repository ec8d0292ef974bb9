package router

import (
	"sync"

	"github.com/onlitec/onlidesk-broker/daemon/session"
	"github.com/onlitec/onlidesk-broker/internal/observability"
)

type connKey struct {
	sessionID string
	role      session.Role
}

// Hub is the live connection registry keyed (session, role). At most one
// connection exists per key; registering a second one displaces the first.
type Hub struct {
	mu    sync.RWMutex
	conns map[connKey]*Conn

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewHub builds an empty registry. logger and metrics may be nil in tests.
func NewHub(logger *observability.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		conns:   make(map[connKey]*Conn),
		logger:  logger,
		metrics: metrics,
	}
}

// Register binds conn to (session, role), closing any previous holder.
// Returns the displaced connection, if there was one.
func (h *Hub) Register(conn *Conn) *Conn {
	key := connKey{sessionID: conn.sessionID, role: conn.role}

	h.mu.Lock()
	displaced := h.conns[key]
	h.conns[key] = conn
	h.mu.Unlock()

	if displaced != nil {
		displaced.Close()
		if h.logger != nil {
			h.logger.WithPeer(string(conn.role), displaced.remoteAddr).Warn("peer displaced by new connection")
		}
	}
	return displaced
}

// Unregister removes conn if it is still the registered holder for its key.
// A displaced connection unregistering must not evict its replacement.
func (h *Hub) Unregister(conn *Conn) bool {
	key := connKey{sessionID: conn.sessionID, role: conn.role}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[key] != conn {
		return false
	}
	delete(h.conns, key)
	return true
}

// Get returns the connection for (session, role).
func (h *Hub) Get(sessionID string, role session.Role) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connKey{sessionID: sessionID, role: role}]
	return conn, ok
}

// Peer returns the other role's connection on the same session.
func (h *Hub) Peer(sessionID string, role session.Role) (*Conn, bool) {
	other := session.RoleClient
	if role == session.RoleClient {
		other = session.RolePortal
	}
	return h.Get(sessionID, other)
}

// Send delivers an envelope to one role of a session. Missing peers are not
// an error; delivery is best effort.
func (h *Hub) Send(sessionID string, role session.Role, env *Envelope) {
	if conn, ok := h.Get(sessionID, role); ok {
		conn.SendEnvelope(env)
	}
}

// SendBoth delivers an envelope to both roles of a session.
func (h *Hub) SendBoth(sessionID string, env *Envelope) {
	h.Send(sessionID, session.RoleClient, env)
	h.Send(sessionID, session.RolePortal, env)
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseSession closes and removes both connections of a session.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	var closing []*Conn
	for key, conn := range h.conns {
		if key.sessionID == sessionID {
			closing = append(closing, conn)
			delete(h.conns, key)
		}
	}
	h.mu.Unlock()

	for _, conn := range closing {
		conn.Close()
	}
}
