package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paywatch/paywatch/internal/metrics"
	"github.com/paywatch/paywatch/internal/wire"
)

const (
	maxMessageSize = 512 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Session is one account's notification connection. All mutable fields
// are guarded by mu; the run loop is the only writer of conn and state.
type Session struct {
	ownerID    string
	credential string
	mgr        *Manager

	mu      sync.Mutex
	state   State
	attempt int
	tracked map[string]struct{}
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool
}

func newSession(ownerID, credential string, mgr *Manager) *Session {
	return &Session{
		ownerID:    ownerID,
		credential: credential,
		mgr:        mgr,
		state:      StateDisconnected,
		tracked:    make(map[string]struct{}),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current reconnect attempt counter.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// run is the session's connect/reconnect loop. It exits when ctx is
// cancelled or when the reconnect budget is exhausted; a later Track or
// ForceReconnectAll relaunches it.
func (s *Session) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	logger := s.mgr.logger.With("owner", s.ownerID)

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)

		conn, err := s.dial(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			metrics.SessionReconnectsTotal.WithLabelValues("failure").Inc()
			if s.mgr.events.Disconnected != nil {
				s.mgr.events.Disconnected(s.ownerID)
			}

			s.mu.Lock()
			attempt := s.attempt
			s.mu.Unlock()

			if attempt >= s.mgr.cfg.MaxReconnectAttempts {
				logger.Error("giving up on session reconnect",
					"attempts", attempt, "error", err)
				return
			}

			delay := Delay(s.mgr.cfg.InitialDelay, s.mgr.cfg.BackoffMultiplier, attempt)
			logger.Warn("session connect failed, scheduling reconnect",
				"attempt", attempt, "delay", delay, "error", err)

			s.mu.Lock()
			s.attempt++
			s.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		// Connected: only a successful connect resets the attempt counter.
		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.attempt = 0
		s.mu.Unlock()

		metrics.SessionReconnectsTotal.WithLabelValues("success").Inc()
		s.mgr.publishActiveCount()
		logger.Info("session connected")
		if s.mgr.events.Connected != nil {
			s.mgr.events.Connected(s.ownerID)
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		s.mgr.publishActiveCount()
		if s.mgr.events.Disconnected != nil {
			s.mgr.events.Disconnected(s.ownerID)
		}

		if ctx.Err() != nil {
			return
		}
		logger.Warn("session closed, scheduling reconnect")

		select {
		case <-ctx.Done():
			return
		case <-time.After(Delay(s.mgr.cfg.InitialDelay, s.mgr.cfg.BackoffMultiplier, 0)):
		}
	}
}

// dial opens the WebSocket connection. A handshake that neither succeeds
// nor fails within the handshake timeout counts as a failure.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.mgr.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.mgr.dialer.DialContext(dialCtx, s.mgr.urlFn(s.credential), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes messages until the connection drops. A ping ticker
// keeps the connection alive; the pong handler extends the read deadline.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) && ctx.Err() == nil {
				s.mgr.logger.Warn("session read error", "owner", s.ownerID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleMessage(data)
	}
}

// pingLoop writes periodic pings and closes the connection when the
// session context ends, which unblocks the read loop.
func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

// handleMessage parses one inbound payload and routes a settled tracked
// id to the Settled event before untracking it. Everything else is
// dropped quietly: unknown ids belong to other subscribers, unparseable
// payloads are not ours to fail on.
func (s *Session) handleMessage(data []byte) {
	n, ok := wire.Decode(data)
	if !ok {
		metrics.DroppedMessagesTotal.WithLabelValues("no_identifier").Inc()
		s.mgr.logger.Debug("dropping message without payment identifier", "owner", s.ownerID)
		return
	}

	s.mu.Lock()
	_, tracked := s.tracked[n.PaymentID]
	s.mu.Unlock()

	if !tracked {
		metrics.DroppedMessagesTotal.WithLabelValues("untracked").Inc()
		s.mgr.logger.Debug("dropping message for untracked id",
			"owner", s.ownerID, "id", n.PaymentID)
		return
	}

	if !n.Settled {
		s.mgr.logger.Debug("payment not yet settled", "owner", s.ownerID, "id", n.PaymentID)
		return
	}

	s.mgr.logger.Info("settlement notification received", "owner", s.ownerID, "id", n.PaymentID)
	if s.mgr.events.Settled != nil {
		s.mgr.events.Settled(s.ownerID, n.PaymentID)
	}
	s.mgr.Untrack(s.ownerID, n.PaymentID)
}

// setState updates the connection state.
func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// closeConn drops the current connection, if any, which makes the read
// loop return. It does not stop the run loop.
func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// teardown stops the run loop and drops the connection.
func (s *Session) teardown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeConn()
}
