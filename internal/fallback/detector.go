// Package fallback infers settlements from balance increases when push
// notification is unavailable or unreliable.
//
// The detector polls each active account's balance on a fixed period and
// compares it to the last snapshot. An increase already attributed by a
// push confirmation is consumed from the suppression list instead of being
// re-reported; anything else is surfaced as an externally detected
// payment. Suppression records are amount-matched with a small tolerance
// because the detector sees balance deltas, never payment ids.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paywatch/paywatch/internal/metrics"
)

// BalanceFetcher returns the current balance for an owner, in satoshis.
type BalanceFetcher func(ctx context.Context, ownerID string) (int64, error)

// OwnerLister returns the accounts to poll: every owner with at least one
// active session or tracked request.
type OwnerLister func() []string

// ExternalPaymentSink receives externally detected increases.
type ExternalPaymentSink func(ownerID string, amount, newBalance int64)

// suppression is one push-confirmed amount awaiting its balance echo.
type suppression struct {
	ownerID    string
	amount     int64
	recordedAt time.Time
}

// Config holds the detector's timing and matching knobs.
type Config struct {
	PollInterval time.Duration
	Window       time.Duration // how long a suppression record stays valid
	Tolerance    int64         // max |delta - amount| for a suppression match, in sats
	FetchTimeout time.Duration
}

// Detector runs the balance-diff fallback.
type Detector struct {
	cfg    Config
	fetch  BalanceFetcher
	owners OwnerLister
	sink   ExternalPaymentSink
	logger *slog.Logger

	mu           sync.Mutex
	snapshots    map[string]int64 // ownerID -> last known balance
	suppressions []suppression

	stop chan struct{}
	now  func() time.Time
}

// New creates a detector. sink is invoked outside the detector's lock.
func New(cfg Config, fetch BalanceFetcher, owners OwnerLister, sink ExternalPaymentSink, logger *slog.Logger) *Detector {
	if cfg.Tolerance < 0 {
		cfg.Tolerance = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Detector{
		cfg:       cfg,
		fetch:     fetch,
		owners:    owners,
		sink:      sink,
		logger:    logger,
		snapshots: make(map[string]int64),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs the poll loop and the lower-frequency suppression cleanup.
// Call in a goroutine; exits when ctx is done or Stop is called.
func (d *Detector) Start(ctx context.Context) {
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(d.cfg.Window)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-poll.C:
			d.safeSweep(ctx)
		case <-cleanup.C:
			d.Cleanup()
		}
	}
}

// Stop signals the loop to stop.
func (d *Detector) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

// RecordConfirmed registers a push-confirmed amount so the next poll does
// not re-report the matching balance increase.
func (d *Detector) RecordConfirmed(ownerID string, amount int64) {
	d.mu.Lock()
	d.suppressions = append(d.suppressions, suppression{
		ownerID:    ownerID,
		amount:     amount,
		recordedAt: d.now(),
	})
	d.mu.Unlock()
}

// Sweep polls every active owner once. Exposed for tests and for the
// engine to force a cycle.
func (d *Detector) Sweep(ctx context.Context) {
	for _, ownerID := range d.owners() {
		fetchCtx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
		balance, err := d.fetch(fetchCtx, ownerID)
		cancel()
		if err != nil {
			// Backend unreachable surfaces through the health monitor,
			// not through this path.
			d.logger.Debug("fallback balance fetch failed", "owner", ownerID, "error", err)
			continue
		}
		d.observe(ownerID, balance)
	}
}

// observe diffs one freshly fetched balance against the snapshot and
// decides whether to report. The snapshot always advances, suppressed or
// not, so the same delta is never diffed twice.
func (d *Detector) observe(ownerID string, balance int64) {
	d.mu.Lock()

	last, seen := d.snapshots[ownerID]
	d.snapshots[ownerID] = balance

	if !seen || balance <= last {
		// First observation establishes the baseline; decreases are
		// outgoing payments and not ours to report.
		d.mu.Unlock()
		return
	}

	delta := balance - last
	if d.consumeLocked(ownerID, delta) {
		d.mu.Unlock()
		metrics.SuppressedDiffsTotal.Inc()
		d.logger.Debug("balance increase already attributed via push",
			"owner", ownerID, "delta", delta)
		return
	}
	d.mu.Unlock()

	metrics.ExternalPaymentsTotal.Inc()
	d.logger.Info("external payment detected",
		"owner", ownerID, "amount", delta, "balance", balance)
	d.sink(ownerID, delta, balance)
}

// consumeLocked finds and removes a live suppression record matching the
// delta within tolerance. Caller must hold d.mu.
func (d *Detector) consumeLocked(ownerID string, delta int64) bool {
	cutoff := d.now().Add(-d.cfg.Window)
	for i, rec := range d.suppressions {
		if rec.ownerID != ownerID || rec.recordedAt.Before(cutoff) {
			continue
		}
		diff := delta - rec.amount
		if diff < 0 {
			diff = -diff
		}
		if diff <= d.cfg.Tolerance {
			d.suppressions = append(d.suppressions[:i], d.suppressions[i+1:]...)
			return true
		}
	}
	return false
}

// Cleanup discards every suppression record older than the window. Keeps
// memory bounded; the window only needs to bridge a push confirmation to
// the next poll cycle.
func (d *Detector) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.cfg.Window)
	kept := d.suppressions[:0]
	for _, rec := range d.suppressions {
		if !rec.recordedAt.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	d.suppressions = kept
}

// SuppressionCount returns the number of live suppression records.
func (d *Detector) SuppressionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.suppressions)
}

// SnapshotCount returns the number of owners with a stored snapshot.
func (d *Detector) SnapshotCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.snapshots)
}

// Forget drops the snapshot for an owner no longer being polled.
func (d *Detector) Forget(ownerID string) {
	d.mu.Lock()
	delete(d.snapshots, ownerID)
	d.mu.Unlock()
}

func (d *Detector) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in fallback sweep", "panic", fmt.Sprint(r))
		}
	}()
	d.Sweep(ctx)
}
