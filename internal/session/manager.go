// Package session maintains one push-notification WebSocket session per
// account with outstanding payment requests.
//
// A session exists exactly while its tracked-id set is non-empty. Each
// session runs a connect/read loop with exponential reconnect backoff;
// parsed settlement notifications for tracked ids are handed to the
// Settled event, everything else is dropped.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paywatch/paywatch/internal/logging"
	"github.com/paywatch/paywatch/internal/metrics"
)

// Config holds the reconnect policy and transport timeouts.
type Config struct {
	MaxReconnectAttempts int
	InitialDelay         time.Duration
	BackoffMultiplier    float64
	HandshakeTimeout     time.Duration
}

// Events are the manager's outbound signals. Settled is invoked from the
// session's read goroutine and must not block; the engine runs the actual
// confirmation asynchronously. Connected and Disconnected feed the health
// monitor.
type Events struct {
	Settled      func(ownerID, paymentID string)
	Connected    func(ownerID string)
	Disconnected func(ownerID string)
}

// URLFunc resolves the WebSocket endpoint for a credential.
type URLFunc func(credential string) string

// Manager owns the session table.
type Manager struct {
	cfg    Config
	urlFn  URLFunc
	events Events
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	sessions map[string]*Session
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a session manager. Call Start before tracking.
func NewManager(cfg Config, urlFn URLFunc, events Events, logger *slog.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		urlFn:    urlFn,
		events:   events,
		logger:   logger,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		sessions: make(map[string]*Session),
	}
}

// Start sets the base context all session loops derive from.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()
}

// Shutdown tears down every session and waits for their loops to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	for owner, s := range m.sessions {
		s.closeConn()
		delete(m.sessions, owner)
	}
	m.mu.Unlock()

	m.wg.Wait()
	metrics.ActiveSessions.Set(0)
}

// EnsureSession creates and starts a session for owner if absent.
// Idempotent; an existing session keeps its credential.
func (m *Manager) EnsureSession(ownerID, credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(ownerID, credential)
}

// Track adds a payment id to the owner's session, creating the session if
// needed. A session that previously gave up reconnecting starts dialing
// again.
func (m *Manager) Track(ownerID, credential, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.ensureLocked(ownerID, credential)
	s.mu.Lock()
	s.tracked[id] = struct{}{}
	s.mu.Unlock()
	m.launchLocked(s)
}

// Untrack removes a payment id from the owner's session. When the
// tracked-id set empties, the session is torn down to free the
// long-lived connection.
func (m *Manager) Untrack(ownerID, id string) {
	m.mu.Lock()
	s, ok := m.sessions[ownerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	s.mu.Lock()
	delete(s.tracked, id)
	empty := len(s.tracked) == 0
	s.mu.Unlock()

	if empty {
		delete(m.sessions, ownerID)
	}
	m.mu.Unlock()

	if empty {
		s.teardown()
		m.publishActiveCount()
		m.logger.Info("session torn down", "owner", ownerID)
	}
}

// ForceReconnectAll drops every session's connection so each loop dials
// anew. Sessions that gave up are restarted. Used by the health monitor
// after backend recovery to revive silently stalled sessions.
func (m *Manager) ForceReconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("forcing reconnect of all sessions", "sessions", len(m.sessions))
	for _, s := range m.sessions {
		s.closeConn()
		m.launchLocked(s)
	}
}

// ActiveCount returns the number of sessions currently connected.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.State() == StateConnected {
			n++
		}
	}
	return n
}

// SessionCount returns the number of sessions in the table.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Owners returns the owner ids with a live session, sorted.
func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make([]string, 0, len(m.sessions))
	for owner := range m.sessions {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

// StateOf returns the connection state for owner's session.
func (m *Manager) StateOf(ownerID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[ownerID]
	if !ok {
		return StateDisconnected, false
	}
	return s.State(), true
}

// Tracked reports whether id is tracked by owner's session.
func (m *Manager) Tracked(ownerID, id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[ownerID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, tracked := s.tracked[id]
	return tracked
}

// ensureLocked returns the owner's session, creating it if absent.
// Caller must hold m.mu.
func (m *Manager) ensureLocked(ownerID, credential string) *Session {
	if s, ok := m.sessions[ownerID]; ok {
		return s
	}

	s := newSession(ownerID, credential, m)
	m.sessions[ownerID] = s
	m.logger.Info("session created",
		"owner", ownerID,
		"credential", logging.RedactCredential(credential),
	)
	m.launchLocked(s)
	return s
}

// launchLocked starts the session's run loop if it is not already
// running. Caller must hold m.mu.
func (m *Manager) launchLocked(s *Session) {
	if m.baseCtx == nil || m.baseCtx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(m.baseCtx)
	s.cancel = cancel
	s.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.run(ctx)
	}()
}

// publishActiveCount refreshes the active-sessions gauge.
func (m *Manager) publishActiveCount() {
	metrics.ActiveSessions.Set(float64(m.ActiveCount()))
}
