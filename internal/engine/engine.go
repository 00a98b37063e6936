// Package engine is the payment confirmation engine.
//
// It reconciles two independent settlement signal sources, per-account
// push notification sessions and the balance-diff fallback, into exactly
// one owner-visible outcome per payment request, and tracks backend
// reachability so callers can react to outages.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paywatch/paywatch/internal/accounts"
	"github.com/paywatch/paywatch/internal/config"
	"github.com/paywatch/paywatch/internal/fallback"
	"github.com/paywatch/paywatch/internal/guard"
	"github.com/paywatch/paywatch/internal/health"
	"github.com/paywatch/paywatch/internal/lnbits"
	"github.com/paywatch/paywatch/internal/metrics"
	"github.com/paywatch/paywatch/internal/registry"
	"github.com/paywatch/paywatch/internal/session"
	"github.com/paywatch/paywatch/internal/traces"
)

// Backend is the slice of the payment backend client the engine consumes.
// Invoice creation and payment belong to the engine's callers, not here.
// The wallet endpoint doubles as the lightweight health probe.
type Backend interface {
	// Balance returns the wallet balance in satoshis.
	Balance(ctx context.Context, apiKey string) (int64, error)

	// SubscriptionURL returns the push notification endpoint for a credential.
	SubscriptionURL(apiKey string) string
}

// AccountStore is the slice of the account store the engine consumes.
type AccountStore interface {
	GetActiveCredential(ctx context.Context, ownerID string) (string, error)
	GetAccountHandle(ctx context.Context, ownerID string) (string, error)
}

// Callbacks are the caller-registered notification hooks. All three are
// invoked from engine goroutines and must not block for long; nil hooks
// are skipped.
type Callbacks struct {
	// OnSettled fires exactly once per confirmed payment request.
	OnSettled func(id, ownerID string, amount int64)

	// OnExpired fires exactly once per request that outlived its TTL.
	OnExpired func(id, ownerID string, amount int64)

	// OnExternalPayment fires for balance increases not attributable to
	// a tracked request.
	OnExternalPayment func(ownerID string, amount int64)
}

// suppressionTolerance absorbs backend rounding between a confirmed
// amount and the observed balance delta, in sats.
const suppressionTolerance = 1

// Confirmation signal sources, used as the metric label.
const (
	sourcePush     = "push"
	sourceFallback = "fallback"
)

// Engine wires the registry, guard, session manager, fallback detector
// and health monitor together.
type Engine struct {
	cfg      config.EngineConfig
	accounts AccountStore
	backend  Backend
	cb       Callbacks
	logger   *slog.Logger

	registry *registry.Registry
	guard    *guard.Guard
	sessions *session.Manager
	detector *fallback.Detector
	monitor  *health.Monitor
	sweeper  *registry.Sweeper

	cancel context.CancelFunc
}

// New constructs an engine from an immutable config snapshot. Call Start
// to launch the background loops; to apply new configuration, stop this
// engine and build a new one.
func New(cfg config.EngineConfig, store AccountStore, backend Backend, cb Callbacks, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:      cfg,
		accounts: store,
		backend:  backend,
		cb:       cb,
		logger:   logger,
		registry: registry.New(),
		guard:    guard.New(),
	}

	e.sessions = session.NewManager(
		session.Config{
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			InitialDelay:         cfg.ReconnectInitialDelay,
			BackoffMultiplier:    cfg.ReconnectBackoffMultiplier,
		},
		backend.SubscriptionURL,
		session.Events{
			Settled:      e.onPushSettled,
			Connected:    e.onSessionConnected,
			Disconnected: e.onSessionDisconnected,
		},
		logger,
	)

	e.detector = fallback.New(
		fallback.Config{
			PollInterval: cfg.ExternalPaymentInterval,
			Window:       cfg.SuppressionWindow,
			Tolerance:    suppressionTolerance,
		},
		e.fetchBalance,
		e.activeOwners,
		e.onExternalPayment,
		logger,
	)

	e.monitor = health.New(
		health.Config{
			ProbeInterval:      cfg.HealthProbeInterval,
			DegradedThreshold:  cfg.HealthDegradedThreshold,
			UnhealthyThreshold: cfg.HealthUnhealthyThreshold,
		},
		e.probeBackend,
		e.sessions.ForceReconnectAll,
		logger,
	)

	e.sweeper = registry.NewSweeper(
		e.registry, cfg.ExpiryTTL, cfg.FastCheckInterval, e.onExpired, logger,
	)

	return e
}

// Start launches the background loops. The engine runs until Stop or
// until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.sessions.Start(runCtx)
	go e.sweeper.Start(runCtx)
	go e.detector.Start(runCtx)
	go e.monitor.Start(runCtx)

	e.logger.Info("payment confirmation engine started",
		"expiry", e.cfg.ExpiryTTL,
		"fast_check", e.cfg.FastCheckInterval,
		"fallback_poll", e.cfg.ExternalPaymentInterval,
	)
}

// Stop shuts the engine down and waits for session loops to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sweeper.Stop()
	e.detector.Stop()
	e.monitor.Stop()
	e.sessions.Shutdown()
	e.logger.Info("payment confirmation engine stopped")
}

// TrackRequest registers an outstanding payment request and ensures a
// notification session exists for its owner. Returns an error only for
// caller misuse (no credential on file); transport problems are handled
// internally and never surface here.
func (e *Engine) TrackRequest(ctx context.Context, ownerID, id string, amount int64, memo string) error {
	if id == "" {
		return fmt.Errorf("payment id must not be empty")
	}

	credential, err := e.accounts.GetActiveCredential(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("no credential for owner %s: %w", ownerID, err)
	}

	e.registry.Register(id, ownerID, amount, memo)
	e.sessions.Track(ownerID, credential, id)

	e.logger.Info("tracking payment request",
		"id", id, "owner", ownerID, "amount", amount)
	return nil
}

// StopTracking removes a request without confirming or expiring it.
func (e *Engine) StopTracking(id string) {
	req, ok := e.registry.Take(id)
	if !ok {
		return
	}
	e.sessions.Untrack(req.OwnerID, id)
	e.releaseOwner(req.OwnerID)
	e.logger.Info("stopped tracking payment request", "id", id, "owner", req.OwnerID)
}

// Pending returns a snapshot of the outstanding requests, oldest first.
func (e *Engine) Pending() []registry.PendingRequest {
	return e.registry.List()
}

// IsHealthy reports backend reachability as seen by the health monitor.
func (e *Engine) IsHealthy() bool {
	return e.monitor.Healthy()
}

// HealthState returns the monitor's tri-state health value.
func (e *Engine) HealthState() health.State {
	return e.monitor.State()
}

// ActiveSessionCount returns the number of connected notification sessions.
func (e *Engine) ActiveSessionCount() int {
	return e.sessions.ActiveCount()
}

// ForceReconnectAll drops and redials every notification session.
func (e *Engine) ForceReconnectAll() {
	e.sessions.ForceReconnectAll()
}

// onPushSettled handles a settlement notification for a tracked id. It
// runs on the session's read goroutine, so the confirmation side effects
// are spawned off and the claim is released when they finish.
func (e *Engine) onPushSettled(ownerID, id string) {
	if !e.guard.Claim(id) {
		return // Another signal source is already confirming this id.
	}
	go func() {
		defer e.guard.Release(id)
		e.confirm(ownerID, id, sourcePush)
	}()
}

// confirm runs the single confirmation path shared by every signal
// source. The registry take is the first and irrevocable step: if the
// entry is gone (already confirmed or expired), this is a safe no-op.
func (e *Engine) confirm(ownerID, id, source string) {
	ctx, span := traces.StartSpan(context.Background(), "engine.confirm",
		traces.Owner(ownerID), traces.PaymentID(id), traces.Source(source))
	defer span.End()

	req, ok := e.registry.Take(id)
	if !ok {
		e.logger.Debug("duplicate settlement signal ignored", "id", id, "source", source)
		return
	}

	span.SetAttributes(traces.AmountSat(req.Amount))
	e.sessions.Untrack(req.OwnerID, req.ID)

	metrics.ConfirmationsTotal.WithLabelValues(source).Inc()
	e.logger.Info("payment confirmed",
		"id", id, "owner", req.OwnerID, "amount", req.Amount, "source", source)

	if source == sourcePush {
		// Record the confirmed amount so the fallback detector does not
		// re-report the matching balance increase on its next cycle. A
		// fallback-sourced confirmation already advanced the snapshot.
		e.detector.RecordConfirmed(req.OwnerID, req.Amount)
	}

	// Refresh the owner's balance before notifying. Best effort with a
	// bounded timeout; no lock is held across this call.
	refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if balance, err := e.fetchBalance(refreshCtx, req.OwnerID); err == nil {
		e.logger.Debug("balance refreshed after confirmation",
			"owner", req.OwnerID, "balance", balance)
	}
	cancel()

	if e.cb.OnSettled != nil {
		e.cb.OnSettled(req.ID, req.OwnerID, req.Amount)
	}
	e.releaseOwner(req.OwnerID)
}

// onExpired is the sweeper's sink: the request already left the registry
// atomically, so a late settlement signal finds nothing to act on.
func (e *Engine) onExpired(req registry.PendingRequest) {
	e.sessions.Untrack(req.OwnerID, req.ID)
	e.releaseOwner(req.OwnerID)
	if e.cb.OnExpired != nil {
		e.cb.OnExpired(req.ID, req.OwnerID, req.Amount)
	}
}

// onExternalPayment is the fallback detector's sink. An unexplained
// balance increase that matches a pending request of the same owner is a
// settlement signal in its own right: it routes through the guard exactly
// like a push notification, losing to one if the push arrives first.
// Anything else is surfaced as a genuine external payment.
func (e *Engine) onExternalPayment(ownerID string, amount, newBalance int64) {
	if id, ok := e.matchPending(ownerID, amount); ok {
		if !e.guard.Claim(id) {
			return
		}
		go func() {
			defer e.guard.Release(id)
			e.confirm(ownerID, id, sourceFallback)
		}()
		return
	}

	e.logger.Info("external payment detected",
		"owner", ownerID, "amount", amount, "balance", newBalance)
	if e.cb.OnExternalPayment != nil {
		e.cb.OnExternalPayment(ownerID, amount)
	}
}

// matchPending finds the oldest pending request of ownerID whose amount
// is within the tolerance of the observed delta.
func (e *Engine) matchPending(ownerID string, amount int64) (string, bool) {
	for _, req := range e.registry.List() {
		if req.OwnerID != ownerID {
			continue
		}
		if diff := req.Amount - amount; diff >= -suppressionTolerance && diff <= suppressionTolerance {
			return req.ID, true
		}
	}
	return "", false
}

// releaseOwner drops the fallback snapshot once an owner has neither a
// live session nor a pending request; the detector stops polling them,
// so the snapshot would otherwise linger forever.
func (e *Engine) releaseOwner(ownerID string) {
	for _, owner := range e.sessions.Owners() {
		if owner == ownerID {
			return
		}
	}
	for _, owner := range e.registry.Owners() {
		if owner == ownerID {
			return
		}
	}
	e.detector.Forget(ownerID)
}

// onSessionConnected feeds the health monitor a recovery signal.
func (e *Engine) onSessionConnected(string) {
	e.monitor.NoteBackendOK()
}

// onSessionDisconnected triggers a reactive, debounced backend probe.
func (e *Engine) onSessionDisconnected(string) {
	e.monitor.TriggerProbe(context.Background())
}

// activeOwners lists every account the fallback detector should poll:
// owners with a live session plus owners with pending requests.
func (e *Engine) activeOwners() []string {
	seen := make(map[string]struct{})
	var owners []string
	for _, owner := range e.sessions.Owners() {
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			owners = append(owners, owner)
		}
	}
	for _, owner := range e.registry.Owners() {
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			owners = append(owners, owner)
		}
	}
	return owners
}

// fetchBalance resolves the owner's credential and reads the balance.
func (e *Engine) fetchBalance(ctx context.Context, ownerID string) (int64, error) {
	credential, err := e.accounts.GetActiveCredential(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	return e.backend.Balance(ctx, credential)
}

// probeBackend checks reachability using any active owner's credential.
// With nobody to probe for, the backend is vacuously reachable.
func (e *Engine) probeBackend(ctx context.Context) error {
	owners := e.activeOwners()
	if len(owners) == 0 {
		return nil
	}
	credential, err := e.accounts.GetActiveCredential(ctx, owners[0])
	if err != nil {
		return nil // A missing credential is caller misuse, not unreachability.
	}
	_, err = e.backend.Balance(ctx, credential)
	return err
}

// Compile-time checks that the production collaborators satisfy the
// engine's views of them.
var (
	_ AccountStore = (accounts.Store)(nil)
	_ Backend      = (*lnbits.Client)(nil)
)
