// Package session manages the lifecycle of long-lived client connections.
//
// A session owns exactly one transport handle and moves through a one-way
// state machine: ACTIVE on connect, HIBERNATED on disconnect/error/inactivity,
// then permanently removed after a retention window. Hibernation is a
// diagnostics grace period, not a resume mechanism — reconnecting clients get
// a fresh session.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCapacity is returned by Connect when the active set is full and no
// session is eligible for hibernation. The connection is closed, not queued.
var ErrCapacity = errors.New("session: connection capacity exceeded")

// Transport close codes, matching the WebSocket status code registry so the
// gorilla adapter can pass them straight through.
const (
	CloseNormal   = 1000 // clean close (inactivity hibernation)
	CloseInternal = 1011 // send failure recovery path
	CloseCapacity = 1013 // server at capacity, try again later
)

// Conn is the transport handle a session owns. Implementations must be safe
// for concurrent WriteJSON calls.
type Conn interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Session is one active client connection.
type Session struct {
	ID           string
	conn         Conn
	Created      time.Time
	LastActivity time.Time
}

// Config bounds the manager's resource usage. Zero fields take the defaults.
type Config struct {
	MaxConnections       int           // default 100
	InactiveTimeout      time.Duration // default 30m
	HibernationRetention time.Duration // default 2h
	SweepInterval        time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = 30 * time.Minute
	}
	if c.HibernationRetention <= 0 {
		c.HibernationRetention = 2 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	return c
}

// Manager owns the active and hibernated session sets.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	active     map[string]*Session
	hibernated map[string]time.Time // session ID → hibernation time

	now func() time.Time // injectable for tests
}

// NewManager creates a session manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		active:     make(map[string]*Session),
		hibernated: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Connect registers a new transport and returns its session ID.
//
// At capacity it first hibernates sessions idle beyond the inactive timeout;
// if the active set is still full the transport is closed with a capacity
// signal and ErrCapacity is returned — connections are never queued.
func (m *Manager) Connect(conn Conn) (string, error) {
	var toClose []*Session

	m.mu.Lock()
	if len(m.active) >= m.cfg.MaxConnections {
		toClose = m.hibernateInactiveLocked()
	}
	if len(m.active) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.closeAll(toClose, CloseNormal, "session hibernated due to inactivity")
		_ = conn.Close(CloseCapacity, "server at capacity")
		m.logger.Warn("connection rejected: capacity reached", "max_connections", m.cfg.MaxConnections)
		return "", ErrCapacity
	}

	id := m.newSessionIDLocked()
	now := m.now()
	m.active[id] = &Session{ID: id, conn: conn, Created: now, LastActivity: now}
	activeCount := len(m.active)
	m.mu.Unlock()

	m.closeAll(toClose, CloseNormal, "session hibernated due to inactivity")

	m.logger.Info("client connected", "session_id", id, "active_sessions", activeCount)
	return id, nil
}

// newSessionIDLocked generates an ID unique across the active and hibernated
// sets. Caller holds m.mu.
func (m *Manager) newSessionIDLocked() string {
	for {
		id := uuid.NewString()
		if _, ok := m.active[id]; ok {
			continue
		}
		if _, ok := m.hibernated[id]; ok {
			continue
		}
		return id
	}
}

// Disconnect moves an active session to HIBERNATED. Session metadata is kept
// until the retention sweep removes it. Unknown IDs are a no-op.
func (m *Manager) Disconnect(sessionID string) {
	m.mu.Lock()
	_, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
		m.hibernated[sessionID] = m.now()
	}
	m.mu.Unlock()

	if ok {
		m.logger.Info("client disconnected, session hibernated", "session_id", sessionID)
	}
}

// UpdateActivity refreshes a session's last-activity time. Call on every
// inbound message.
func (m *Manager) UpdateActivity(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[sessionID]; ok {
		s.LastActivity = m.now()
	}
}

// IsConnected reports whether the session is ACTIVE.
func (m *Manager) IsConnected(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// Counts returns the number of active and hibernated sessions.
func (m *Manager) Counts() (active, hibernated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active), len(m.hibernated)
}

// SendJSON sends a message to one active session. Returns false when the
// session is not active or the write fails; a write failure demotes the
// session to HIBERNATED after a best-effort close — it never escapes.
func (m *Manager) SendJSON(sessionID string, message any) bool {
	m.mu.Lock()
	s, ok := m.active[sessionID]
	if ok {
		s.LastActivity = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if err := s.conn.WriteJSON(message); err != nil {
		m.logger.Error("send failed", "session_id", sessionID, "error", err)
		m.handleSendError(s)
		return false
	}
	return true
}

// BroadcastJSON sends a message to every active session except those listed
// in exclude. Failing sessions are demoted individually; the broadcast
// continues.
func (m *Manager) BroadcastJSON(message any, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	m.mu.Lock()
	targets := make([]*Session, 0, len(m.active))
	for id, s := range m.active {
		if !skip[id] {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()

	for _, s := range targets {
		if err := s.conn.WriteJSON(message); err != nil {
			m.logger.Error("broadcast send failed", "session_id", s.ID, "error", err)
			m.handleSendError(s)
		}
	}
}

// handleSendError is the ungraceful-disconnect path: close what we can,
// then hibernate.
func (m *Manager) handleSendError(s *Session) {
	_ = s.conn.Close(CloseInternal, "internal server error")
	m.Disconnect(s.ID)
}

// Run starts the monitor loop: hibernate inactive sessions and purge
// hibernated sessions past retention, every sweep interval. A panicking
// sweep is logged and the loop continues — one failure never stops future
// sweeps. Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("session monitor starting",
		"interval", m.cfg.SweepInterval.String(),
		"inactive_timeout", m.cfg.InactiveTimeout.String(),
		"hibernation_retention", m.cfg.HibernationRetention.String(),
	)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("session monitor stopping")
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session sweep panicked", "panic", r)
		}
	}()

	hibernated := m.HibernateInactive()
	purged := m.PurgeHibernated()
	if hibernated > 0 || purged > 0 {
		m.logger.Info("session sweep completed", "hibernated", hibernated, "purged", purged)
	}
}

// HibernateInactive demotes active sessions idle beyond the inactive timeout
// and returns how many were demoted.
func (m *Manager) HibernateInactive() int {
	m.mu.Lock()
	toClose := m.hibernateInactiveLocked()
	m.mu.Unlock()

	m.closeAll(toClose, CloseNormal, "session hibernated due to inactivity")
	return len(toClose)
}

// hibernateInactiveLocked moves idle sessions to the hibernated set and
// returns them so the caller can close their transports outside the lock.
// Caller holds m.mu.
func (m *Manager) hibernateInactiveLocked() []*Session {
	now := m.now()
	var idle []*Session
	for id, s := range m.active {
		if now.Sub(s.LastActivity) > m.cfg.InactiveTimeout {
			idle = append(idle, s)
			delete(m.active, id)
			m.hibernated[id] = now
		}
	}
	return idle
}

// PurgeHibernated permanently removes hibernated sessions past the retention
// window and returns how many were removed.
func (m *Manager) PurgeHibernated() int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for id, since := range m.hibernated {
		if now.Sub(since) > m.cfg.HibernationRetention {
			delete(m.hibernated, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("removed expired hibernated sessions", "count", removed)
	}
	return removed
}

func (m *Manager) closeAll(sessions []*Session, code int, reason string) {
	for _, s := range sessions {
		if err := s.conn.Close(code, reason); err != nil {
			m.logger.Debug("closing hibernated session", "session_id", s.ID, "error", err)
		}
	}
}
