// Package health tracks backend reachability with consecutive-failure
// thresholds and healthy → degraded → unhealthy state transitions.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paywatch/paywatch/internal/metrics"
)

// State represents backend health.
type State int

const (
	StateUnknown   State = iota // Startup: no probe has completed yet
	StateHealthy                // Probes succeeding
	StateDegraded               // Some consecutive failures
	StateUnhealthy              // Failures at or past the unhealthy threshold
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

// gaugeValue maps a state onto the exported health gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateUnhealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Prober checks backend reachability. A nil return is a healthy backend.
type Prober func(ctx context.Context) error

// Config holds the monitor's thresholds and timing.
type Config struct {
	ProbeInterval      time.Duration
	ProbeTimeout       time.Duration
	DegradedThreshold  int           // consecutive failures => degraded
	UnhealthyThreshold int           // consecutive failures => unhealthy
	TriggerCooldown    time.Duration // min gap between reactive probes
}

// Monitor probes the backend on a timer and reactively on session drops.
// Probing never runs concurrently with itself: a probe already in flight
// means the new request is skipped, not queued.
type Monitor struct {
	cfg    Config
	probe  Prober
	logger *slog.Logger

	// onRecovered fires on the transition from degraded/unhealthy back
	// to healthy. The session manager hooks ForceReconnectAll here.
	onRecovered func()

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastProbeAt         time.Time
	lastTriggerAt       time.Time

	inFlight atomic.Bool
	stop     chan struct{}
	now      func() time.Time
}

// New creates a monitor in the unknown state, which is treated as healthy
// until the first probe completes.
func New(cfg Config, probe Prober, onRecovered func(), logger *slog.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.TriggerCooldown <= 0 {
		cfg.TriggerCooldown = 5 * time.Second
	}
	m := &Monitor{
		cfg:         cfg,
		probe:       probe,
		onRecovered: onRecovered,
		logger:      logger,
		state:       StateUnknown,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	metrics.HealthState.Set(StateUnknown.gaugeValue())
	return m
}

// Start runs the periodic probe loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeProbe(ctx)
		}
	}
}

// Stop signals the probe loop to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

// Healthy reports whether the backend is usable. Unknown (startup grace)
// and degraded both count as usable; only unhealthy does not.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != StateUnhealthy
}

// State returns the current health state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConsecutiveFailures returns the current failure streak.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

// LastProbeAt returns when the last probe completed.
func (m *Monitor) LastProbeAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbeAt
}

// TriggerProbe requests an immediate probe in response to a session
// disconnect. Debounced: at most one triggered probe per cooldown window,
// so a burst of dropping sessions does not stampede the backend.
func (m *Monitor) TriggerProbe(ctx context.Context) {
	m.mu.Lock()
	if m.now().Sub(m.lastTriggerAt) < m.cfg.TriggerCooldown {
		m.mu.Unlock()
		return
	}
	m.lastTriggerAt = m.now()
	m.mu.Unlock()

	go m.safeProbe(ctx)
}

// NoteBackendOK feeds an out-of-band reachability signal (a successful
// session connect) into the state machine, same as a passing probe.
func (m *Monitor) NoteBackendOK() {
	m.recordSuccess()
}

// Probe runs one probe cycle unless one is already in flight.
func (m *Monitor) Probe(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		return // Probe already running; skip rather than queue.
	}
	defer m.inFlight.Store(false)

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.probe(probeCtx)
	cancel()

	if err != nil {
		metrics.ProbesTotal.WithLabelValues("failure").Inc()
		m.recordFailure(err)
		return
	}
	metrics.ProbesTotal.WithLabelValues("success").Inc()
	m.recordSuccess()
}

func (m *Monitor) recordSuccess() {
	m.mu.Lock()
	m.lastProbeAt = m.now()
	m.consecutiveFailures = 0
	from := m.state
	m.state = StateHealthy
	m.mu.Unlock()

	if from != StateHealthy {
		m.logTransition(from, StateHealthy)
	}
	if from == StateDegraded || from == StateUnhealthy {
		// Recovery: sessions may have stalled silently while the backend
		// was down; force them all to reconnect.
		if m.onRecovered != nil {
			m.onRecovered()
		}
	}
}

func (m *Monitor) recordFailure(err error) {
	m.mu.Lock()
	m.lastProbeAt = m.now()
	m.consecutiveFailures++
	from := m.state

	switch {
	case m.consecutiveFailures >= m.cfg.UnhealthyThreshold:
		m.state = StateUnhealthy
	case m.consecutiveFailures >= m.cfg.DegradedThreshold:
		m.state = StateDegraded
	}
	to := m.state
	failures := m.consecutiveFailures
	m.mu.Unlock()

	m.logger.Warn("backend probe failed", "consecutive_failures", failures, "error", err)
	if from != to {
		m.logTransition(from, to)
	}
}

func (m *Monitor) logTransition(from, to State) {
	metrics.HealthState.Set(to.gaugeValue())
	m.logger.Info("backend health changed", "from", from.String(), "to", to.String())
}

func (m *Monitor) safeProbe(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in health probe", "panic", fmt.Sprint(r))
		}
	}()
	m.Probe(ctx)
}
